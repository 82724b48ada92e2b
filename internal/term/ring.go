package term

import "sync"

// DefaultRingBytes is the default per-session output ring capacity.
// 256 KiB of raw terminal bytes is enough scrollback for an observer
// joining mid-session to reconstruct the screen.
const DefaultRingBytes = 256 * 1024

// ByteRing is a fixed-capacity circular buffer of raw terminal output.
// It keeps escape sequences intact so a late-joining observer can
// replay the recent stream verbatim, and tracks a monotonically
// increasing byte offset so a reconnecting observer can ask for
// "everything since offset N".
//
// Safe for concurrent use.
type ByteRing struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	writePos int    // next write position, 0..capacity-1
	total    uint64 // total bytes ever written
}

// NewByteRing creates a ring with the given capacity in bytes.
func NewByteRing(capacity int) *ByteRing {
	if capacity < 1 {
		capacity = DefaultRingBytes
	}
	return &ByteRing{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends bytes, overwriting the oldest data when full. It
// returns the stream offset just past the written chunk, so events
// describing the chunk can be ordered against a snapshot.
func (r *ByteRing) Write(p []byte) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	for offset := 0; offset < len(p); {
		n := len(p) - offset
		if avail := r.capacity - r.writePos; n > avail {
			n = avail
		}
		copy(r.data[r.writePos:r.writePos+n], p[offset:offset+n])
		r.writePos = (r.writePos + n) % r.capacity
		offset += n
	}
	r.total += uint64(len(p))
	return r.total
}

// ReadFrom returns all bytes written since the given offset. An offset
// older than the retained window yields the whole window; an offset at
// or past the write head yields nil.
func (r *ByteRing) ReadFrom(offset uint64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if offset >= r.total {
		return nil
	}

	stored := r.total
	if stored > uint64(r.capacity) {
		stored = uint64(r.capacity)
	}
	oldest := r.total - stored
	if offset < oldest {
		offset = oldest
	}

	n := r.total - offset
	result := make([]byte, n)

	pos := (r.writePos - int(stored) + int(offset-oldest)) % r.capacity
	if pos < 0 {
		pos += r.capacity
	}
	for copied := 0; copied < int(n); {
		chunk := int(n) - copied
		if avail := r.capacity - pos; chunk > avail {
			chunk = avail
		}
		copy(result[copied:copied+chunk], r.data[pos:pos+chunk])
		pos = (pos + chunk) % r.capacity
		copied += chunk
	}
	return result
}

// Snapshot returns the entire retained window in write order. This is
// what a freshly connected observer receives before live output.
func (r *ByteRing) Snapshot() []byte {
	return r.ReadFrom(0)
}

// Offset returns the total number of bytes ever written. Observers
// keep it and pass it to ReadFrom after a reconnect.
func (r *ByteRing) Offset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
