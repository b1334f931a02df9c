package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/assert"
)

// TestChunkStreamerEmitsFullChunks tests that reads of any size are
// assembled into equally sized chunks and a trailing partial chunk is
// dropped.
func TestChunkStreamerEmitsFullChunks(t *testing.T) {
	t.Parallel()

	// 20ms at 8kHz mono is 320 bytes
	data := make([]byte, 320*3+160)
	for i := range data {
		data[i] = byte(i * 7)
	}
	source := &testWaveReader{data: data, maxRead: 7, properties: testCaptureProperties}
	s := NewChunkStreamerDevice(source, 20*time.Millisecond)
	assert.DeepEqual(t, s.ChunkBytes(), 320)

	var mu sync.Mutex
	var first, second [][]byte
	s.OnChunkReady(func(chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, chunk)
	})
	s.OnChunkReady(func(chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, chunk)
	})

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return s.ChunksEmitted() == 3 }, time.Second)
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.NilErrFromChan(t, errChan)

	mu.Lock()
	defer mu.Unlock()
	assert.DeepEqual(t, len(first), 3)
	assert.DeepEqual(t, second, first)
	for i, chunk := range first {
		assert.DeepEqual(t, chunk, data[i*320:(i+1)*320])
	}
	assert.DeepEqual(t, s.ChunksEmitted(), uint64(3))
}

// TestClampChunkDuration tests the chunk duration limits.
func TestClampChunkDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want time.Duration
	}{
		{0, DefaultChunkDuration},
		{-time.Second, DefaultChunkDuration},
		{5 * time.Millisecond, MinChunkDuration},
		{300 * time.Millisecond, 300 * time.Millisecond},
		{10 * time.Second, MaxChunkDuration},
	}
	for _, tc := range tests {
		assert.DeepEqual(t, ClampChunkDuration(tc.in), tc.want)
	}
}
