package node

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// dnsBootstrapService is the SRV service name queried when a bootstrap
// entry is a bare DNS name rather than a literal host:port, supplementing
// the static list with hostname-based seed discovery.
const dnsBootstrapService = "_rhizome._udp."

// resolveBootstrapEntry accepts either a literal "host:port" or a DNS
// name, querying its SRV records (`_rhizome._udp.<name>`) in the latter
// case and returning the first answer's target and port.
func resolveBootstrapEntry(entry string) (*net.UDPAddr, error) {
	if addr, err := net.ResolveUDPAddr("udp", entry); err == nil {
		return addr, nil
	}
	return resolveSRVBootstrap(entry)
}

func resolveSRVBootstrap(name string) (*net.UDPAddr, error) {
	fqdn := dns.Fqdn(dnsBootstrapService + strings.TrimSuffix(name, "."))

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeSRV)
	msg.RecursionDesired = true

	client := new(dns.Client)
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return nil, fmt.Errorf("resolve bootstrap dns name %q: no resolver configured", name)
	}

	resp, _, err := client.Exchange(msg, net.JoinHostPort(conf.Servers[0], conf.Port))
	if err != nil {
		return nil, fmt.Errorf("srv lookup %q: %w", fqdn, err)
	}
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		ips, err := net.LookupIP(strings.TrimSuffix(srv.Target, "."))
		if err != nil || len(ips) == 0 {
			continue
		}
		return &net.UDPAddr{IP: ips[0], Port: int(srv.Port)}, nil
	}
	return nil, fmt.Errorf("no SRV records found for %q", fqdn)
}
