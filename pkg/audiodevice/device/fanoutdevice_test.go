package device

import (
	"context"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/assert"
)

// TestChunkQueueDropsOldest tests that a full queue discards its oldest
// chunk.
func TestChunkQueueDropsOldest(t *testing.T) {
	t.Parallel()

	q := NewChunkQueue(2)
	assert.BoolIs(t, q.Push([]byte{1}), false)
	assert.BoolIs(t, q.Push([]byte{2}), false)
	assert.BoolIs(t, q.Push([]byte{3}), true)
	assert.DeepEqual(t, q.Len(), 2)
	assert.DeepEqual(t, q.Dropped(), uint64(1))

	c, ok := q.Pop()
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, c, []byte{2})
	c, _ = q.Pop()
	assert.DeepEqual(t, c, []byte{3})
	_, ok = q.Pop()
	assert.BoolIs(t, ok, false)
}

// TestFanOutDeliversToAllSinks tests that every sink receives every chunk and
// is closed once the device stops, even when another sink fails.
func TestFanOutDeliversToAllSinks(t *testing.T) {
	t.Parallel()

	good := &memSink{}
	bad := &memSink{writeErr: errTestSink}
	f := NewFanOutDevice(0)
	f.AddSink("good", good)
	f.AddSink("bad", bad)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- f.Run(ctx) }()

	for i := range 10 {
		f.Push([]byte{byte(i)})
	}
	assert.Eventually(t, func() bool {
		frames, _, _ := good.snapshot()
		return len(frames) == 10
	}, time.Second)

	// A sink added after Run is ignored
	late := &memSink{}
	f.AddSink("late", late)
	f.Push([]byte{10})

	cancel()
	assert.NilErrFromChan(t, errChan)

	frames, flushes, closed := good.snapshot()
	assert.DeepEqual(t, len(frames), 11)
	for i, c := range frames {
		assert.DeepEqual(t, c, []byte{byte(i)})
	}
	assert.DeepEqual(t, flushes, 11)
	assert.BoolIs(t, closed, true)

	_, _, closed = bad.snapshot()
	assert.BoolIs(t, closed, true)
	frames, _, _ = late.snapshot()
	assert.DeepEqual(t, len(frames), 0)
	assert.DeepEqual(t, f.DroppedChunks(), uint64(0))
}

// TestFanOutDrainsOnStop tests that chunks queued before Run are written
// before the sinks close.
func TestFanOutDrainsOnStop(t *testing.T) {
	t.Parallel()

	sink := &memSink{}
	f := NewFanOutDevice(4)
	f.AddSink("disk", sink)
	for i := range 6 {
		f.Push([]byte{byte(i)})
	}
	assert.DeepEqual(t, f.DroppedChunks(), uint64(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NilErr(t, f.Run(ctx))

	frames, _, closed := sink.snapshot()
	assert.DeepEqual(t, frames, [][]byte{{2}, {3}, {4}, {5}})
	assert.BoolIs(t, closed, true)
}
