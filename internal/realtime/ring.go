package realtime

import "sync"

// ringBuffer is a fixed-capacity circular buffer of output lines. It
// lets inspection clients that connect late catch up on recent
// protocol traffic.
type ringBuffer struct {
	mu       sync.RWMutex
	buf      [][]byte
	capacity int
	pos      int // next write position
	full     bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		buf:      make([][]byte, capacity),
		capacity: capacity,
	}
}

// Write adds a line to the ring buffer.
func (rb *ringBuffer) Write(line []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = line
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all buffered lines in chronological order.
func (rb *ringBuffer) ReadAll() [][]byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([][]byte, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([][]byte, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
