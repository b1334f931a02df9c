package device

import (
	"context"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/assert"
)

func runWriter(w *ChunkWriterDevice) (context.CancelFunc, chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- w.Run(ctx) }()
	return cancel, errChan
}

// TestChunkWriterCadenceWhenStalled tests that a source which never produces
// data still yields one silent frame per frame duration.
func TestChunkWriterCadenceWhenStalled(t *testing.T) {
	t.Parallel()

	sink := &memSink{}
	source := &testWaveReader{properties: testCaptureProperties}
	w := NewChunkWriterDevice(source, sink, 50*time.Millisecond)
	assert.DeepEqual(t, w.FrameBytes(), 800)

	cancel, errChan := runWriter(w)
	time.Sleep(520 * time.Millisecond)
	cancel()
	assert.NilErrFromChan(t, errChan)

	frames, flushes, closed := sink.snapshot()
	if len(frames) < 9 || len(frames) > 11 {
		t.Fatalf("unexpected number of frames %d", len(frames))
	}
	for _, f := range frames {
		assert.DeepEqual(t, f, make([]byte, 800))
	}
	assert.BoolIs(t, flushes > 0, true)
	assert.BoolIs(t, closed, false)
	assert.DeepEqual(t, w.PaddedBytes(), uint64(800*len(frames)))
}

// TestChunkWriterFullFrames tests that available data is written in frame
// sized pieces, in order.
func TestChunkWriterFullFrames(t *testing.T) {
	t.Parallel()

	data := make([]byte, 3*800)
	for i := range data {
		data[i] = byte(i)
	}
	sink := &memSink{}
	source := &testWaveReader{data: data, maxRead: 123, properties: testCaptureProperties}
	w := NewChunkWriterDevice(source, sink, 50*time.Millisecond)

	cancel, errChan := runWriter(w)
	assert.Eventually(t, func() bool { return w.FramesWritten() >= 3 }, time.Second)
	cancel()
	assert.NilErrFromChan(t, errChan)

	frames, _, _ := sink.snapshot()
	for i := range 3 {
		assert.DeepEqual(t, frames[i], data[i*800:(i+1)*800])
	}
}

// TestChunkWriterSinkError tests that a failing sink stops the writer with
// the sink's error.
func TestChunkWriterSinkError(t *testing.T) {
	t.Parallel()

	sink := &memSink{writeErr: errTestSink}
	source := &testWaveReader{properties: testCaptureProperties}
	w := NewChunkWriterDevice(source, sink, 20*time.Millisecond)

	cancel, errChan := runWriter(w)
	defer cancel()
	err := assert.ChanWritten(t, errChan)
	assert.ErrorIs(t, err, errTestSink)
	assert.DeepEqual(t, w.FramesWritten(), uint64(0))
}

// TestChunkWriterWritesPartialFrameOnStop tests that data read before
// cancellation is written as a final padded frame.
func TestChunkWriterWritesPartialFrameOnStop(t *testing.T) {
	t.Parallel()

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i + 1)
	}
	sink := &memSink{}
	source := &testWaveReader{data: data, properties: testCaptureProperties}
	w := NewChunkWriterDevice(source, sink, time.Second)

	cancel, errChan := runWriter(w)
	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.NilErrFromChan(t, errChan)

	frames, flushes, _ := sink.snapshot()
	assert.DeepEqual(t, len(frames), 1)
	want := make([]byte, 16000)
	copy(want, data)
	assert.DeepEqual(t, frames[0], want)
	assert.BoolIs(t, flushes > 0, true)
}
