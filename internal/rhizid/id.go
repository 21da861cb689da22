// Package rhizid implements node identifiers, content keys, and the XOR
// distance metric the routing table and DHT engine are built on.
package rhizid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"

	"lukechampine.com/blake3"
)

// IDLen is the byte length of a node identifier (160 bits).
const IDLen = 20

// KeyLen is the byte length of a content key (256 bits).
const KeyLen = 32

// ID is a 160-bit node identifier.
type ID [IDLen]byte

// Key is a 256-bit content-addressed key.
type Key [KeyLen]byte

// NewIDFromPublicKey derives a node identifier by hashing a public key with
// blake3 and keeping the first IDLen bytes, per the data model's "hashing a
// fresh public key with a 160-bit digest".
func NewIDFromPublicKey(pub []byte) ID {
	sum := blake3.Sum256(pub)
	var id ID
	copy(id[:], sum[:IDLen])
	return id
}

// GenerateID creates a fresh random identifier, used the first time a node
// starts and has no persisted identity file.
func GenerateID() (ID, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return ID{}, fmt.Errorf("generate node id: %w", err)
	}
	return NewIDFromPublicKey(seed[:]), nil
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

func (id ID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal reports byte-equality between two identifiers.
func (id ID) Equal(other ID) bool { return id == other }

// Xor returns the bytewise XOR distance between two identifiers.
func Xor(a, b ID) ID {
	var out ID
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// LeadingZeros returns the number of leading zero bits in the identifier,
// interpreted as an unsigned 160-bit big-endian integer.
func (id ID) LeadingZeros() int {
	for i, b := range id {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDLen * 8
}

// BucketIndex returns the k-bucket index a peer with identifier `other`
// belongs to relative to local identifier `local`: the leading-zero count
// of their XOR distance, clamped to [0, IDLen*8-1].
func BucketIndex(local, other ID) int {
	d := Xor(local, other)
	i := d.LeadingZeros()
	if i >= IDLen*8 {
		i = IDLen*8 - 1
	}
	return i
}

// Less implements the byte-lex tie-break used when sorting by distance.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// HashKey derives a 256-bit content key from a domain-specific string such
// as "thread:<id>:meta" or "global:threads".
func HashKey(domain string) Key {
	return blake3.Sum256([]byte(domain))
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// NodeSpaceID reinterprets the first IDLen bytes of a content key as a node
// identifier for routing purposes, right-padding with zeros if the key were
// ever shorter than IDLen (it never is, KeyLen > IDLen, kept for symmetry
// with external byte slices of arbitrary length).
func NodeSpaceID(key []byte) ID {
	var id ID
	n := copy(id[:], key)
	_ = n
	return id
}
