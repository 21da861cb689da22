package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vazonhub/rhizome/internal/rherr"
	"github.com/vazonhub/rhizome/internal/wire"
)

// Handler processes one inbound request message and returns the payload
// for its response (or an error, which logs and emits no response).
// Messages that match an open correlation slot never reach Handler; they
// are routed straight to the waiting caller instead.
type Handler func(ctx context.Context, from *net.UDPAddr, senderID [wire.NodeIDLen]byte, msgType wire.Type, payload map[string]interface{}) (respType wire.Type, respPayload map[string]interface{}, err error)

// Config configures a Transport instance.
type Config struct {
	ListenHost        string
	ListenPort        int
	RequestTimeout    time.Duration
	RateLimitGlobal   int
	RateLimitPerPeer  int
	RateLimitWindow   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenHost:       "0.0.0.0",
		ListenPort:       8468,
		RequestTimeout:   DefaultRequestTimeout,
		RateLimitGlobal:  100,
		RateLimitPerPeer: 20,
		RateLimitWindow:  60 * time.Second,
	}
}

// Transport is the UDP datagram transport: send/recv loop, per-datagram
// dispatch, request correlation, and inbound rate limiting.
type Transport struct {
	cfg     Config
	conn    *net.UDPConn
	logger  *slog.Logger
	localID [wire.NodeIDLen]byte

	correlation *CorrelationTable
	rateLimiter *RateLimiter
	handler     Handler

	started atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, localID [wire.NodeIDLen]byte, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:         cfg,
		localID:     localID,
		logger:      logger.With("component", "transport"),
		correlation: NewCorrelationTable(),
		rateLimiter: NewRateLimiter(cfg.RateLimitGlobal, cfg.RateLimitPerPeer, cfg.RateLimitWindow),
		stopCh:      make(chan struct{}),
	}
}

// Start binds the UDP socket and spawns the receive loop. handler is
// invoked for every inbound datagram that does not match an open
// correlation slot.
func (t *Transport) Start(handler Handler) error {
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("transport already started")
	}
	t.handler = handler

	addr := &net.UDPAddr{IP: net.ParseIP(t.cfg.ListenHost), Port: t.cfg.ListenPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.started.Store(false)
		return rherr.Wrap(rherr.FamilyNetwork, rherr.CodeNetworkGeneral, "bind udp listener", err)
	}
	t.conn = conn

	t.wg.Add(1)
	go t.recvLoop()
	t.logger.Info("transport started", "addr", conn.LocalAddr().String())
	return nil
}

// Stop closes the socket, which unblocks the recv loop's ReadFromUDP, and
// waits for in-flight dispatch goroutines to finish. Per the cancellation
// model, in-flight outbound requests are allowed to complete or time out
// naturally; only the receive loop is torn down here.
func (t *Transport) Stop() error {
	if !t.started.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stopCh)
	if t.conn != nil {
		t.conn.Close()
	}
	t.wg.Wait()
	t.logger.Info("transport stopped")
	return nil
}

// RateLimiterTrackedPeers exposes the inbound rate limiter's distinct
// peer-bucket count, sampled periodically for the
// rate_limiter_tracked_peers gauge.
func (t *Transport) RateLimiterTrackedPeers() int {
	return t.rateLimiter.TrackedPeers()
}

func (t *Transport) LocalAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *Transport) recvLoop() {
	defer t.wg.Done()
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.logger.Warn("read error", "error", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		// Each inbound datagram is processed in its own goroutine; the
		// receive loop must not block on handler completion.
		t.wg.Add(1)
		go func(from *net.UDPAddr, data []byte) {
			defer t.wg.Done()
			t.dispatch(from, data)
		}(from, data)
	}
}

func (t *Transport) dispatch(from *net.UDPAddr, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		t.logger.Warn("malformed datagram dropped", "from", from.String(), "error", err)
		return
	}
	if wire.IsReservedType(msg.Type) {
		return
	}

	if !t.rateLimiter.Allow(from.String()) {
		t.logger.Warn("rate limit exceeded, datagram dropped", "from", from.String())
		return
	}

	if t.correlation.Deliver(msg.ID, Response{Type: msg.Type, Payload: msg.Payload}) {
		return // matched an outstanding request; caller's goroutine takes it from here.
	}

	if t.handler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
	defer cancel()

	respType, respPayload, err := t.handler(ctx, from, msg.NodeID, msg.Type, msg.Payload)
	if err != nil {
		t.logger.Warn("handler error", "type", msg.Type, "error", err)
		return
	}
	if respPayload == nil {
		return // handler chose to emit no response
	}
	if err := t.sendMessage(from, respType, msg.ID, respPayload); err != nil {
		t.logger.Warn("send response failed", "error", err)
	}
}

// Request sends msgType/payload to addr with a fresh correlation
// identifier and blocks until a response is delivered or ctx/the default
// timeout expires.
func (t *Transport) Request(ctx context.Context, addr *net.UDPAddr, msgType wire.Type, payload map[string]interface{}) (Response, error) {
	id := NewRequestID()
	ch := t.correlation.Register(id)

	if err := t.sendMessage(addr, msgType, id, payload); err != nil {
		t.correlation.Cancel(id)
		return Response{}, err
	}

	timeout := t.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		t.correlation.Cancel(id)
		return Response{}, rherr.Wrap(rherr.FamilyNetwork, rherr.CodeNetworkGeneral, "request timed out", nil)
	case <-ctx.Done():
		t.correlation.Cancel(id)
		return Response{}, ctx.Err()
	}
}

func (t *Transport) sendMessage(addr *net.UDPAddr, msgType wire.Type, id wire.RequestID, payload map[string]interface{}) error {
	msg := &wire.Message{
		Type:      msgType,
		ID:        id,
		NodeID:    t.localID,
		Payload:   payload,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	data, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}
	_, err = t.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("send datagram: %w", err)
	}
	return nil
}
