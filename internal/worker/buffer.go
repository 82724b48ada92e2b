package worker

import (
	"strings"
	"sync"
)

// OutputBuffer is a thread-safe ring of recent output lines from a
// worker process. When capacity is reached the oldest lines are
// discarded, so a chatty worker cannot grow memory without bound.
type OutputBuffer struct {
	lines    []string
	capacity int
	start    int // index of oldest line
	count    int
	mu       sync.RWMutex
}

// NewOutputBuffer creates a buffer holding up to capacity lines.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &OutputBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Append adds a line, evicting the oldest when the buffer is full.
// Append and eviction happen under one lock so readers never observe
// more than capacity lines.
func (b *OutputBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < b.capacity {
		b.lines[(b.start+b.count)%b.capacity] = line
		b.count++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % b.capacity
}

// Lines returns a copy of the buffered lines in chronological order.
func (b *OutputBuffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]string, b.count)
	for i := 0; i < b.count; i++ {
		result[i] = b.lines[(b.start+i)%b.capacity]
	}
	return result
}

// LastN returns up to n of the most recent lines.
func (b *OutputBuffer) LastN(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]string, n)
	offset := b.count - n
	for i := 0; i < n; i++ {
		result[i] = b.lines[(b.start+offset+i)%b.capacity]
	}
	return result
}

// Len returns the number of lines currently buffered.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Capacity returns the maximum number of lines the buffer holds.
func (b *OutputBuffer) Capacity() int {
	return b.capacity
}

// String joins the buffered lines with newlines.
func (b *OutputBuffer) String() string {
	return strings.Join(b.Lines(), "\n")
}
