package audiomanager

import (
	"context"
	"errors"
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

var errTestSink = errors.New("test sink failure")

// testSink is an in-memory FrameSink.
type testSink struct {
	mu      sync.Mutex
	frames  int
	bytes   int
	closed  bool
	failing bool
}

func (s *testSink) WriteFrame(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errTestSink
	}
	s.frames++
	s.bytes += len(p)
	return nil
}

func (s *testSink) Flush() error { return nil }

func (s *testSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *testSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestOpener() *device.DummyCaptureOpener {
	return device.NewDummyCaptureOpener(audiodevice.DeviceProperties{SampleRate: 44100, NumChannels: 2}, 440)
}

// TestRecorderMicOnly tests a recording with only the microphone enabled
// produces a valid file.
func TestRecorderMicOnly(t *testing.T) {
	t.Parallel()

	opener := newTestOpener()
	r := NewRecorder(opener, metrics.New())
	path := filepath.Join(t.TempDir(), "mic.wav")

	err := r.Start(context.Background(), RecorderOptions{
		OutputPath:    path,
		Format:        RecordingFormatWav,
		FrameDuration: 250 * time.Millisecond,
		EnableMic:     true,
	})
	assert.NilErr(t, err)
	assert.BoolIs(t, r.HasLoopbackCapture(), false)
	assert.BoolIs(t, r.HasMicCapture(), true)
	assert.BoolIs(t, r.IsMicCapturing(), true)
	assert.DeepEqual(t, opener.NumRunning(), 1)

	time.Sleep(2 * time.Second)
	stats := r.Stats()
	assert.DeepEqual(t, len(stats.Sources), 1)
	assert.DeepEqual(t, stats.Sources[0].Name, SourceMic)

	assert.NilErr(t, r.Stop())
	assert.BoolIs(t, r.IsRunning(), false)
	assert.BoolIs(t, r.HasMicCapture(), false)
	assert.DeepEqual(t, opener.NumRunning(), 0)

	f, err := os.Open(path)
	assert.NilErr(t, err)
	defer f.Close()
	decoder := wav.NewDecoder(f)
	assert.BoolIs(t, decoder.IsValidFile(), true)
	assert.DeepEqual(t, int(decoder.SampleRate), 48000)
	assert.DeepEqual(t, int(decoder.NumChans), 2)
	buf, err := decoder.FullPCMBuffer()
	assert.NilErr(t, err)
	if len(buf.Data) < 48000*2 {
		t.Fatalf("recording too short: %d samples", len(buf.Data))
	}
}

// TestRecorderRoutingStopsCaptures tests that disabling every source stops
// their captures while the writer keeps writing silence.
func TestRecorderRoutingStopsCaptures(t *testing.T) {
	t.Parallel()

	opener := newTestOpener()
	r := NewRecorder(opener, nil)
	sink := &testSink{}

	err := r.Start(context.Background(), RecorderOptions{
		Sink:           sink,
		FrameDuration:  50 * time.Millisecond,
		EnableLoopback: true,
		EnableMic:      true,
	})
	assert.NilErr(t, err)
	defer r.Stop()
	assert.BoolIs(t, r.IsLoopbackCapturing(), true)
	assert.BoolIs(t, r.IsMicCapturing(), true)

	assert.NilErr(t, r.UpdateRouting(false, false, 30))
	assert.Eventually(t, func() bool {
		return !r.IsLoopbackCapturing() && !r.IsMicCapturing()
	}, time.Second)
	assert.DeepEqual(t, opener.NumRunning(), 0)

	// Both branches still exist and can be faded back in.
	assert.BoolIs(t, r.HasLoopbackCapture(), true)
	assert.BoolIs(t, r.HasMicCapture(), true)

	written := r.Stats().FramesWritten
	assert.Eventually(t, func() bool {
		return r.Stats().FramesWritten >= written+3
	}, time.Second)

	assert.NilErr(t, r.UpdateRouting(false, true, 10))
	assert.Eventually(t, r.IsMicCapturing, time.Second)
	assert.BoolIs(t, r.IsLoopbackCapturing(), false)

	assert.NilErr(t, r.Stop())
	assert.BoolIs(t, sink.isClosed(), true)
}

// TestRecorderNoSource tests that a recording needs at least one source.
func TestRecorderNoSource(t *testing.T) {
	t.Parallel()

	r := NewRecorder(newTestOpener(), nil)
	err := r.Start(context.Background(), RecorderOptions{Sink: &testSink{}})
	assert.ErrorIs(t, err, audiodevice.ErrNoAudioSource)
	assert.BoolIs(t, r.IsRunning(), false)
	assert.ErrorIs(t, r.UpdateRouting(true, true, 30), errRecorderNotRunning)
	assert.NilErr(t, r.Stop())
}

// TestRecorderUnsupportedPlatform tests that a failing capture aborts Start
// and releases every device.
func TestRecorderUnsupportedPlatform(t *testing.T) {
	t.Parallel()

	opener := newTestOpener()
	opener.DefaultErr = audiodevice.ErrUnsupportedPlatform
	sink := &testSink{}

	r := NewRecorder(opener, nil)
	err := r.Start(context.Background(), RecorderOptions{
		Sink:           sink,
		EnableLoopback: true,
	})
	assert.ErrorIs(t, err, audiodevice.ErrUnsupportedPlatform)
	assert.BoolIs(t, r.IsRunning(), false)
	assert.DeepEqual(t, opener.NumRunning(), 0)
}

// TestRecorderSetDevices tests device selection and that it is refused
// while recording.
func TestRecorderSetDevices(t *testing.T) {
	t.Parallel()

	opener := newTestOpener()
	opener.DeviceIDs[audiodevice.CaptureModeCapture] = []string{"usb-mic"}

	r := NewRecorder(opener, nil)
	assert.NilErr(t, r.SetDevices("", "usb-mic"))

	// A device id alone adds a muted branch without opening the device.
	err := r.Start(context.Background(), RecorderOptions{
		Sink:           &testSink{},
		EnableLoopback: true,
	})
	assert.NilErr(t, err)
	assert.BoolIs(t, r.HasMicCapture(), true)
	assert.BoolIs(t, r.IsMicCapturing(), false)
	assert.ErrorIs(t, r.SetDevices("", ""), errRecorderRunning)
	assert.ErrorIs(t, r.Start(context.Background(), RecorderOptions{}), errRecorderRunning)

	assert.NilErr(t, r.UpdateRouting(true, true, 10))
	assert.Eventually(t, r.IsMicCapturing, time.Second)
	var micID string
	for _, s := range r.Stats().Sources {
		if s.Name == SourceMic {
			micID = s.DeviceID
		}
	}
	assert.DeepEqual(t, micID, "usb-mic")

	assert.NilErr(t, r.Stop())
	assert.NilErr(t, r.SetDevices("", ""))
}

// TestRecorderSinkFailure tests that a failing output ends the recording
// and the error is reported by Stop.
func TestRecorderSinkFailure(t *testing.T) {
	t.Parallel()

	r := NewRecorder(newTestOpener(), nil)
	sink := &testSink{failing: true}
	err := r.Start(context.Background(), RecorderOptions{
		Sink:          sink,
		FrameDuration: 20 * time.Millisecond,
		EnableMic:     true,
	})
	assert.NilErr(t, err)

	assert.ChanClosed(t, r.Done())
	assert.ErrorIs(t, r.Err(), errTestSink)
	assert.BoolIs(t, sink.isClosed(), true)
	assert.ErrorIs(t, r.Stop(), errTestSink)
	assert.BoolIs(t, r.Done() == nil, true)
}

// TestRecorderCaptureStopped tests the notification of an unplugged device.
func TestRecorderCaptureStopped(t *testing.T) {
	t.Parallel()

	opener := newTestOpener()
	stopped := make(chan string, 1)
	r := NewRecorder(opener, nil)
	err := r.Start(context.Background(), RecorderOptions{
		Sink:             &testSink{},
		EnableLoopback:   true,
		OnCaptureStopped: func(source string) { stopped <- source },
	})
	assert.NilErr(t, err)
	defer r.Stop()

	opener.Backends()[0].Unplug()
	assert.ChanWrittenWithVal(t, stopped, SourceLoopback)
	assert.BoolIs(t, r.IsLoopbackCapturing(), false)
}

// TestParseRecordingFormat tests parsing of the encoder setting.
func TestParseRecordingFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    RecordingFormat
		wantErr error
	}{
		{in: "opus", want: RecordingFormatOpus},
		{in: " WAV ", want: RecordingFormatWav},
		{in: "", want: RecordingFormatOpus},
		{in: "mp3", wantErr: errUnknownRecordingFormat},
	}
	for _, tc := range tests {
		got, err := ParseRecordingFormat(tc.in)
		assert.ErrorIs(t, err, tc.wantErr)
		assert.DeepEqual(t, got, tc.want)
	}
}
