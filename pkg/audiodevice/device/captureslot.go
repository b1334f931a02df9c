package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
)

// A CaptureSlot is a restartable capture endpoint: each StartCapture opens
// a fresh CaptureDevice for the same mode and device id, and StopCapture
// releases it.
//
// Reads while no capture is running return no data, so a CaptureSlot can
// stay wired into a pipeline while its hardware is off.
type CaptureSlot struct {
	opener   audiodevice.CaptureOpener
	mode     audiodevice.CaptureMode
	deviceID string
	opts     CaptureDeviceOptions

	mu      sync.Mutex
	current *CaptureDevice
	// The format of the most recent capture, kept after it stops
	properties audiodevice.DeviceProperties

	// Counters of previously stopped captures
	pastDropped  atomic.Uint64
	pastCaptured atomic.Uint64
}

func NewCaptureSlot(
	opener audiodevice.CaptureOpener,
	mode audiodevice.CaptureMode,
	deviceID string,
	opts CaptureDeviceOptions,
) *CaptureSlot {
	return &CaptureSlot{
		opener:   opener,
		mode:     mode,
		deviceID: deviceID,
		opts:     opts,
	}
}

// Start a new capture, unless one is already running.
func (s *CaptureSlot) StartCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		if s.current.IsRunning() {
			return nil
		}
		s.retire()
	}

	d := NewCaptureDevice(s.opener, s.mode, s.deviceID, s.opts)
	if err := d.Start(); err != nil {
		d.Stop()
		return err
	}
	s.current = d
	s.properties = d.GetDeviceProperties()
	return nil
}

// Stop the running capture, if any.
func (s *CaptureSlot) StopCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.retire()
	}
}

// Must hold mu
func (s *CaptureSlot) retire() {
	s.current.Stop()
	s.pastDropped.Add(s.current.DroppedBytes())
	s.pastCaptured.Add(s.current.CapturedBytes())
	s.current = nil
}

func (s *CaptureSlot) device() *CaptureDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *CaptureSlot) IsCapturing() bool {
	d := s.device()
	return d != nil && d.IsRunning()
}

func (s *CaptureSlot) ReadBytes(p []byte, timeout time.Duration) int {
	d := s.device()
	if d == nil {
		return 0
	}
	return d.ReadBytes(p, timeout)
}

func (s *CaptureSlot) WaitForData(ctx context.Context, timeout time.Duration) {
	if d := s.device(); d != nil {
		d.WaitForData(ctx, timeout)
	}
}

// The format of the current (or most recent) capture.
// Zero valued if no capture was ever started.
func (s *CaptureSlot) GetDeviceProperties() audiodevice.DeviceProperties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.properties
}

// The resolved identifier of the current capture, or the requested id.
func (s *CaptureSlot) DeviceID() string {
	if d := s.device(); d != nil {
		return d.DeviceID()
	}
	return s.deviceID
}

func (s *CaptureSlot) Mode() audiodevice.CaptureMode {
	return s.mode
}

func (s *CaptureSlot) DroppedBytes() uint64 {
	n := s.pastDropped.Load()
	if d := s.device(); d != nil {
		n += d.DroppedBytes()
	}
	return n
}

func (s *CaptureSlot) CapturedBytes() uint64 {
	n := s.pastCaptured.Load()
	if d := s.device(); d != nil {
		n += d.CapturedBytes()
	}
	return n
}
