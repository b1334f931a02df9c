package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// A bounded byte FIFO between a hardware callback (the only writer) and a
// pipeline consumer (the only reader).
//
// On overflow the oldest data is discarded, always in whole blocks, so the
// reader never observes a torn sample frame. Writers never block.
type RingBuffer struct {
	mu         sync.Mutex
	buf        []byte
	start      int
	size       int
	blockAlign int

	droppedBytes atomic.Uint64
	writtenBytes atomic.Uint64

	// Capacity 1; a pending signal means "data may be available"
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Create a RingBuffer holding at most capacity bytes, rounded down to
// a whole number of blocks (but at least one block).
func NewRingBuffer(capacity int, blockAlign int) *RingBuffer {
	blockAlign = max(blockAlign, 1)
	capacity -= capacity % blockAlign
	capacity = max(capacity, blockAlign)
	return &RingBuffer{
		buf:        make([]byte, capacity),
		blockAlign: blockAlign,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Append p to the buffer, discarding the oldest blocks if there is not
// enough room. A trailing partial block in p is ignored.
//
// Returns the number of bytes discarded.
func (r *RingBuffer) Write(p []byte) int {
	p = p[:len(p)-len(p)%r.blockAlign]
	if len(p) == 0 {
		return 0
	}

	r.mu.Lock()
	capacity := len(r.buf)
	dropped := 0
	if len(p) >= capacity {
		// Only the newest capacity bytes survive
		dropped = r.size + len(p) - capacity
		p = p[len(p)-capacity:]
		r.start, r.size = 0, 0
	} else if overflow := r.size + len(p) - capacity; overflow > 0 {
		dropped = overflow
		r.start = (r.start + overflow) % capacity
		r.size -= overflow
	}

	end := (r.start + r.size) % capacity
	n := copy(r.buf[end:], p)
	copy(r.buf, p[n:])
	r.size += len(p)
	r.mu.Unlock()

	r.writtenBytes.Add(uint64(len(p)))
	if dropped > 0 {
		r.droppedBytes.Add(uint64(dropped))
	}

	select {
	case r.signal <- struct{}{}:
	default:
	}
	return dropped
}

// Read up to len(p) bytes, rounded down to whole blocks. Never blocks.
func (r *RingBuffer) Read(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(len(p)-len(p)%r.blockAlign, r.size)
	if n <= 0 {
		return 0
	}

	capacity := len(r.buf)
	first := copy(p[:n], r.buf[r.start:min(r.start+n, capacity)])
	copy(p[first:n], r.buf[:n-first])

	r.start = (r.start + n) % capacity
	r.size -= n
	return n
}

// Block until the buffer may hold data, the timeout expires,
// the context is done, or the buffer is closed.
func (r *RingBuffer) WaitForData(ctx context.Context, timeout time.Duration) {
	if r.Len() > 0 || timeout <= 0 {
		return
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.signal:
	case <-r.done:
	case <-t.C:
	case <-ctx.Done():
	}
}

// Wake any waiting reader permanently. Buffered data can still be read.
func (r *RingBuffer) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *RingBuffer) Cap() int {
	return len(r.buf)
}

func (r *RingBuffer) BlockAlign() int {
	return r.blockAlign
}

// Total bytes discarded because of overflow.
func (r *RingBuffer) DroppedBytes() uint64 {
	return r.droppedBytes.Load()
}

// Total bytes accepted by Write, including any later discarded.
func (r *RingBuffer) WrittenBytes() uint64 {
	return r.writtenBytes.Load()
}
