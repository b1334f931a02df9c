package device

import (
	"errors"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
)

// testByteSource is an in-memory PCMByteSource.
type testByteSource struct {
	mu         sync.Mutex
	data       []byte
	properties audiodevice.DeviceProperties
}

func newTestByteSource(properties audiodevice.DeviceProperties, samples ...float32) *testByteSource {
	s := &testByteSource{properties: properties}
	s.pushSamples(samples...)
	return s
}

func (s *testByteSource) pushSamples(samples ...float32) {
	s.push(frame.FrameToPCM16(samples, nil))
}

func (s *testByteSource) push(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, pcm...)
}

func (s *testByteSource) ReadBytes(p []byte, _ time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	blockAlign := s.properties.BlockAlign()
	n := copy(p[:len(p)-len(p)%blockAlign], s.data)
	n -= n % blockAlign
	s.data = s.data[n:]
	return n
}

func (s *testByteSource) GetDeviceProperties() audiodevice.DeviceProperties {
	return s.properties
}

// testWaveReader serves bytes from memory, at most maxRead per call.
// Once empty it returns 0 (stalls) forever.
type testWaveReader struct {
	mu         sync.Mutex
	data       []byte
	maxRead    int
	properties audiodevice.DeviceProperties
}

func (r *testWaveReader) Read(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit := len(p)
	if r.maxRead > 0 {
		limit = min(limit, r.maxRead)
	}
	n := copy(p[:limit], r.data)
	r.data = r.data[n:]
	return n
}

func (r *testWaveReader) GetDeviceProperties() audiodevice.DeviceProperties {
	return r.properties
}

// memSink is a FrameSink recording everything written to it.
type memSink struct {
	mu       sync.Mutex
	frames   [][]byte
	times    []time.Time
	flushes  int
	closed   bool
	writeErr error
}

var errTestSink = errors.New("test sink failure")

func (s *memSink) WriteFrame(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.frames = append(s.frames, append([]byte(nil), p...))
	s.times = append(s.times, time.Now())
	return nil
}

func (s *memSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) snapshot() (frames [][]byte, flushes int, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...), s.flushes, s.closed
}

// eventLog is an ordered, concurrency safe list of events.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// testCaptureController records start and stop calls.
type testCaptureController struct {
	mu        sync.Mutex
	capturing bool
	log       *eventLog
	startErr  error
}

func (c *testCaptureController) StartCapture() error {
	c.log.add("start")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.capturing = true
	return nil
}

func (c *testCaptureController) StopCapture() {
	c.log.add("stop")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capturing = false
}

func (c *testCaptureController) IsCapturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}
