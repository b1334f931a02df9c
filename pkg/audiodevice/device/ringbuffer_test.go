package device

import (
	"context"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/assert"
)

// TestRingBufferDropsOldest tests that an overflowing write discards the
// oldest blocks and keeps the newest data.
func TestRingBufferDropsOldest(t *testing.T) {
	t.Parallel()

	r := NewRingBuffer(8, 2)
	assert.DeepEqual(t, r.Write([]byte{1, 2, 3, 4, 5, 6}), 0)
	assert.DeepEqual(t, r.Write([]byte{7, 8, 9, 10}), 2)
	assert.DeepEqual(t, r.Len(), r.Cap())

	got := make([]byte, 16)
	n := r.Read(got)
	assert.DeepEqual(t, got[:n], []byte{3, 4, 5, 6, 7, 8, 9, 10})
	assert.DeepEqual(t, r.DroppedBytes(), uint64(2))
	assert.DeepEqual(t, r.WrittenBytes(), uint64(10))
}

// TestRingBufferWriteLargerThanCapacity tests that a single write larger than
// the buffer keeps only its newest bytes.
func TestRingBufferWriteLargerThanCapacity(t *testing.T) {
	t.Parallel()

	r := NewRingBuffer(8, 2)
	r.Write([]byte{100, 101})
	dropped := r.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	assert.DeepEqual(t, dropped, 6)

	got := make([]byte, 16)
	n := r.Read(got)
	assert.DeepEqual(t, got[:n], []byte{5, 6, 7, 8, 9, 10, 11, 12})
}

// TestRingBufferWrapAround tests reads and writes across the end of the
// backing array.
func TestRingBufferWrapAround(t *testing.T) {
	t.Parallel()

	r := NewRingBuffer(8, 2)
	r.Write([]byte{1, 2, 3, 4, 5, 6})

	got := make([]byte, 4)
	assert.DeepEqual(t, r.Read(got), 4)
	assert.DeepEqual(t, got, []byte{1, 2, 3, 4})

	r.Write([]byte{7, 8, 9, 10, 11, 12})
	got = make([]byte, 8)
	n := r.Read(got)
	assert.DeepEqual(t, got[:n], []byte{5, 6, 7, 8, 9, 10, 11, 12})
	assert.DeepEqual(t, r.DroppedBytes(), uint64(0))
}

// TestRingBufferWholeBlocks tests that partial blocks are never written or
// read.
func TestRingBufferWholeBlocks(t *testing.T) {
	t.Parallel()

	r := NewRingBuffer(16, 4)
	r.Write([]byte{1, 2, 3, 4, 5, 6})
	assert.DeepEqual(t, r.Len(), 4)

	got := make([]byte, 3)
	assert.DeepEqual(t, r.Read(got), 0)

	got = make([]byte, 7)
	assert.DeepEqual(t, r.Read(got), 4)
}

// TestRingBufferWaitForData tests that a waiting reader wakes up on write and
// on close.
func TestRingBufferWaitForData(t *testing.T) {
	t.Parallel()

	r := NewRingBuffer(8, 2)
	woke := make(chan struct{}, 1)
	go func() {
		r.WaitForData(context.Background(), time.Minute)
		woke <- struct{}{}
	}()
	assert.ChanNotWritten(t, woke, 50*time.Millisecond)
	r.Write([]byte{1, 2})
	assert.ChanWritten(t, woke)

	r.Read(make([]byte, 2))
	go func() {
		r.WaitForData(context.Background(), time.Minute)
		woke <- struct{}{}
	}()
	assert.ChanNotWritten(t, woke, 50*time.Millisecond)
	r.Close()
	assert.ChanWritten(t, woke)
}
