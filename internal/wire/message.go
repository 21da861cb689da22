// Package wire implements the binary message framing carried over the
// datagram transport: twelve message types, canonical MessagePack-style
// encoding, and request/response correlation identifiers.
package wire

// Type is the single-byte message-type tag.
type Type byte

const (
	PING                        Type = 0x01
	PONG                        Type = 0x02
	FindNode                    Type = 0x03
	FindNodeResponse            Type = 0x04
	FindValue                   Type = 0x05
	FindValueResponse           Type = 0x06
	Store                       Type = 0x07
	StoreResponse               Type = 0x08
	PopularityExchange          Type = 0x09
	PopularityExchangeResponse  Type = 0x0A
	GlobalRankingRequest        Type = 0x0B
	GlobalRankingResponse       Type = 0x0C
)

// MaxDatagramSize is the largest datagram the transport will send or
// accept.
const MaxDatagramSize = 65535

// RequestIDLen is the byte length of a request correlation identifier.
const RequestIDLen = 16

// NodeIDLen is the byte length of a sender node identifier on the wire.
const NodeIDLen = 20

// RequestID is a 128-bit correlation identifier.
type RequestID [RequestIDLen]byte

// Message is the self-describing record carried by every datagram.
type Message struct {
	Type      Type           `msgpack:"type"`
	ID        RequestID      `msgpack:"id"`
	NodeID    [NodeIDLen]byte `msgpack:"node_id"`
	Payload   map[string]interface{} `msgpack:"payload"`
	Timestamp float64        `msgpack:"timestamp"`
}

// NodeDescriptor is the wire shape of a routing-table entry exchanged in
// FIND_NODE/FIND_VALUE responses.
type NodeDescriptor struct {
	NodeID  string `msgpack:"node_id"`
	Address string `msgpack:"address"`
	Port    int    `msgpack:"port"`
}

// PopularityItem is a key/score/metrics record for one ranked item. The
// gossip and global-ranking handlers do not use it: they send items as a
// zstd-compressed list of maps holding key, score and replication_count.
type PopularityItem struct {
	Key     string                 `msgpack:"key"`
	Score   float64                `msgpack:"score"`
	Metrics map[string]interface{} `msgpack:"metrics"`
}
