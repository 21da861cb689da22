package wire

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes a Message to its canonical binary form: MessagePack
// with map keys sorted, so two encoders never disagree on field order
// byte-for-byte. Decoders must accept any field order regardless (msgpack
// maps are inherently order-tolerant on read).
func Encode(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if buf.Len() > MaxDatagramSize {
		return nil, fmt.Errorf("encoded message %d bytes exceeds datagram limit %d", buf.Len(), MaxDatagramSize)
	}
	return buf.Bytes(), nil
}

// Decode parses a datagram into a Message. Unknown message-type codes
// (0x00 or >=0x0D) are not rejected here; callers must ignore them per the
// wire contract.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// IsReservedType reports whether t is outside the assigned 0x01-0x0C
// range and must be silently ignored.
func IsReservedType(t Type) bool {
	return t == 0x00 || t > GlobalRankingResponse
}
