package audiomanager

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/assert"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice/device"
	"github.com/go-audio/wav"
)

// TestStreamAudioSourceChunks tests that a stream delivers 16kHz mono chunks
// of the requested duration and records them.
func TestStreamAudioSourceChunks(t *testing.T) {
	t.Parallel()

	opener := newTestOpener()
	s := NewStreamAudioSource(opener, metrics.New())

	var mu sync.Mutex
	var sizes []int
	s.OnChunkReady(func(chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		sizes = append(sizes, len(chunk))
	})
	numChunks := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(sizes)
	}

	path := filepath.Join(t.TempDir(), "stream.wav")
	err := s.Start(context.Background(), StreamAudioSourceOptions{
		Mode:          audiodevice.CaptureModeLoopback,
		ChunkDuration: 200 * time.Millisecond,
		RecordPath:    path,
	})
	assert.NilErr(t, err)
	assert.BoolIs(t, s.IsCapturing(), true)
	assert.ErrorIs(t, s.Start(context.Background(), StreamAudioSourceOptions{}), errStreamRunning)

	assert.Eventually(t, func() bool { return numChunks() >= 4 }, 3*time.Second)
	s.Stop()
	s.Stop()
	assert.BoolIs(t, s.IsCapturing(), false)
	assert.DeepEqual(t, opener.NumRunning(), 0)

	mu.Lock()
	for _, n := range sizes {
		assert.DeepEqual(t, n, 6400)
	}
	emitted := len(sizes)
	mu.Unlock()
	assert.DeepEqual(t, s.ChunksEmitted(), uint64(emitted))

	f, err := os.Open(path)
	assert.NilErr(t, err)
	defer f.Close()
	decoder := wav.NewDecoder(f)
	assert.BoolIs(t, decoder.IsValidFile(), true)
	assert.DeepEqual(t, int(decoder.SampleRate), 16000)
	assert.DeepEqual(t, int(decoder.NumChans), 1)
	buf, err := decoder.FullPCMBuffer()
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(buf.Data), emitted*3200)
}

// TestStreamAudioSourceUnknownDevice tests that an unknown device falls back
// to the default and a missing default fails Start.
func TestStreamAudioSourceUnknownDevice(t *testing.T) {
	t.Parallel()

	opener := newTestOpener()
	s := NewStreamAudioSource(opener, nil)
	err := s.Start(context.Background(), StreamAudioSourceOptions{
		Mode:     audiodevice.CaptureModeCapture,
		DeviceID: "missing",
	})
	assert.NilErr(t, err)
	assert.DeepEqual(t, opener.Backends()[0].DeviceID(), "default-"+audiodevice.CaptureModeCapture.String())
	s.Stop()

	opener.DefaultErr = audiodevice.ErrUnsupportedPlatform
	err = s.Start(context.Background(), StreamAudioSourceOptions{Mode: audiodevice.CaptureModeLoopback})
	assert.ErrorIs(t, err, audiodevice.ErrUnsupportedPlatform)
	assert.BoolIs(t, s.IsCapturing(), false)
}

// TestStreamAudioSourceAutoGain tests that the auto gain stage levels the
// captured tone toward the target RMS.
func TestStreamAudioSourceAutoGain(t *testing.T) {
	t.Parallel()

	opener := newTestOpener()
	s := NewStreamAudioSource(opener, nil)
	assert.DeepEqual(t, s.CurrentGain(), 1.0)

	err := s.Start(context.Background(), StreamAudioSourceOptions{
		Mode:          audiodevice.CaptureModeLoopback,
		ChunkDuration: 100 * time.Millisecond,
		AutoGain:      &device.AutoGainConfig{},
	})
	assert.NilErr(t, err)
	defer s.Stop()

	// A 0.25 amplitude sine has an RMS of about 0.177
	want := device.DefaultAutoGainTargetRms / (0.25 / math.Sqrt2)
	assert.Eventually(t, func() bool {
		return math.Abs(s.CurrentGain()-want) < 0.05
	}, 5*time.Second)
}
