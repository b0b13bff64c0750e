// Package buffer provides the bounded FIFO queue that decouples the stream
// read loop from downstream processing. Inserts past capacity are rejected
// and counted rather than blocking, so backpressure is observable instead of
// silently stalling the network loop.
package buffer

import (
	"sync"
	"time"
)

// Message is one buffered inbound message: the decoded payload plus the time
// it was received off the wire.
type Message struct {
	Channel    string
	Payload    any
	ReceivedAt time.Time
}

// Stats describes buffer occupancy for the health surface.
type Stats struct {
	Size         int
	MaxSize      int
	Utilization  float64
	DroppedCount int64
}

// Buffer is a fixed-capacity FIFO message queue safe for concurrent use. The
// critical section is a short mutex hold; no operation blocks on the consumer.
type Buffer struct {
	mu      sync.Mutex
	items   []Message
	head    int
	count   int
	maxSize int
	dropped int64
}

// New creates a Buffer holding at most maxSize messages. A non-positive
// maxSize falls back to 10000, matching the stream client default.
func New(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Buffer{
		items:   make([]Message, maxSize),
		maxSize: maxSize,
	}
}

// Add appends msg if the buffer has room. It returns false and increments the
// dropped counter when full. It never blocks.
func (b *Buffer) Add(msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.maxSize {
		b.dropped++
		return false
	}
	tail := (b.head + b.count) % b.maxSize
	b.items[tail] = msg
	b.count++
	return true
}

// Get removes and returns the oldest message. The second return value is
// false when the buffer is empty.
func (b *Buffer) Get() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return Message{}, false
	}
	msg := b.items[b.head]
	b.items[b.head] = Message{}
	b.head = (b.head + 1) % b.maxSize
	b.count--
	return msg, true
}

// GetBatch removes and returns up to n oldest messages in insertion order,
// returning fewer when the buffer holds less.
func (b *Buffer) GetBatch(n int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.items[b.head])
		b.items[b.head] = Message{}
		b.head = (b.head + 1) % b.maxSize
	}
	b.count -= n
	return out
}

// Clear discards all buffered messages. The dropped counter is preserved.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.items {
		b.items[i] = Message{}
	}
	b.head = 0
	b.count = 0
}

// Len returns the current number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// GetStats returns occupancy statistics.
func (b *Buffer) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Size:         b.count,
		MaxSize:      b.maxSize,
		Utilization:  float64(b.count) / float64(b.maxSize),
		DroppedCount: b.dropped,
	}
}
