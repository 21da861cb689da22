package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vazonhub/rhizome/internal/wire"
)

// Response is what a correlation slot delivers once the matching reply
// arrives.
type Response struct {
	Type    wire.Type
	Payload map[string]interface{}
}

// CorrelationTable maps outstanding request identifiers to single-shot
// delivery slots. Its critical sections are strictly O(1) insert/remove,
// per the concurrency model.
type CorrelationTable struct {
	mu    sync.Mutex
	slots map[wire.RequestID]chan Response
}

func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{slots: make(map[wire.RequestID]chan Response)}
}

// NewRequestID generates a fresh cryptographically-random 128-bit request
// identifier via uuid v4 (backed by crypto/rand).
func NewRequestID() wire.RequestID {
	return wire.RequestID(uuid.New())
}

// Register opens a new slot for id, returning the channel that will
// receive exactly one Response.
func (c *CorrelationTable) Register(id wire.RequestID) <-chan Response {
	ch := make(chan Response, 1)
	c.mu.Lock()
	c.slots[id] = ch
	c.mu.Unlock()
	return ch
}

// Deliver routes a response to its slot if one is open, consuming it.
// Reports whether a slot was found (false means: treat as a new request).
func (c *CorrelationTable) Deliver(id wire.RequestID, resp Response) bool {
	c.mu.Lock()
	ch, ok := c.slots[id]
	if ok {
		delete(c.slots, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Cancel removes a slot without delivering, used on timeout.
func (c *CorrelationTable) Cancel(id wire.RequestID) {
	c.mu.Lock()
	delete(c.slots, id)
	c.mu.Unlock()
}

// Pending reports the number of outstanding slots, for diagnostics.
func (c *CorrelationTable) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// DefaultRequestTimeout is the fallback correlation timeout.
const DefaultRequestTimeout = 10 * time.Second
