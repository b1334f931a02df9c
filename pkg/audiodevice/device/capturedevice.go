package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/google/uuid"
)

type CaptureState int32

const (
	CaptureStateNotStarted CaptureState = iota
	CaptureStateRunning
	CaptureStateStopped
)

func (s CaptureState) String() string {
	switch s {
	case CaptureStateNotStarted:
		return "not started"
	case CaptureStateRunning:
		return "running"
	case CaptureStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const DefaultCaptureBufferDuration = 5 * time.Second

var (
	ErrCaptureAlreadyStarted = errors.New("capture device already started")
	ErrCaptureStopped        = errors.New("capture device is stopped and can not be restarted")
)

type CaptureDeviceOptions struct {
	// The ring buffer capacity. Defaults to DefaultCaptureBufferDuration.
	BufferDuration time.Duration

	// Called (on its own goroutine) if the hardware stops without Stop
	// being called, e.g. the device was unplugged.
	OnStopped func()
}

// A CaptureDevice bridges a push based hardware capture stream
// to the pull based PCMByteSource interface.
//
// The hardware callback deposits bytes into a drop-oldest RingBuffer,
// which the pipeline drains with ReadBytes.
//
// A CaptureDevice is single use: once stopped, create a new one.
type CaptureDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	opener         audiodevice.CaptureOpener
	mode           audiodevice.CaptureMode
	requestedID    string
	bufferDuration time.Duration
	onStopped      func()

	state   atomic.Int32
	startMu sync.Mutex
	backend audiodevice.CaptureBackend
	ring    atomic.Pointer[RingBuffer]

	stopOnce sync.Once
}

// Create a new CaptureDevice for the given mode. An empty deviceID uses the
// system default device. No hardware is touched until Start is called.
func NewCaptureDevice(
	opener audiodevice.CaptureOpener,
	mode audiodevice.CaptureMode,
	deviceID string,
	opts CaptureDeviceOptions,
) *CaptureDevice {
	uuid := uuid.New()
	logger := slog.Default().With(
		"capture device uuid", uuid,
		"mode", mode,
	)

	if opts.BufferDuration <= 0 {
		opts.BufferDuration = DefaultCaptureBufferDuration
	}

	return &CaptureDevice{
		logger:         logger,
		uuid:           uuid,
		opener:         opener,
		mode:           mode,
		requestedID:    deviceID,
		bufferDuration: opts.BufferDuration,
		onStopped:      opts.OnStopped,
	}
}

// Open the requested device (falling back to the default device if it can
// not be opened) and begin capturing.
func (d *CaptureDevice) Start() error {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	switch CaptureState(d.state.Load()) {
	case CaptureStateRunning:
		return ErrCaptureAlreadyStarted
	case CaptureStateStopped:
		return ErrCaptureStopped
	}

	backend, err := d.open()
	if err != nil {
		return err
	}

	properties := backend.GetDeviceProperties()
	capacity := properties.BytesForDuration(d.bufferDuration)
	d.ring.Store(NewRingBuffer(capacity, properties.BlockAlign()))
	d.backend = backend

	// Running before Start, so the first callbacks are not discarded.
	// Fails if Stop was called concurrently, which then releases the backend.
	if !d.state.CompareAndSwap(int32(CaptureStateNotStarted), int32(CaptureStateRunning)) {
		return ErrCaptureStopped
	}
	if err := backend.Start(); err != nil {
		d.state.Store(int32(CaptureStateStopped))
		d.backend = nil
		backend.Close()
		d.ring.Load().Close()
		d.logger.Error("could not start capture", "deviceID", backend.DeviceID(), "err", err)
		return fmt.Errorf("could not start %s capture on %q: %w", d.mode, backend.DeviceID(), err)
	}

	d.logger.Info(
		"capture started",
		"deviceID", backend.DeviceID(),
		"sampleRate", properties.SampleRate,
		"channels", properties.NumChannels,
		"bufferBytes", capacity,
	)
	return nil
}

func (d *CaptureDevice) open() (audiodevice.CaptureBackend, error) {
	callbacks := audiodevice.CaptureCallbacks{
		Data:    d.onData,
		Stopped: d.onBackendStopped,
	}

	var requestedErr error
	if d.requestedID != "" {
		backend, err := d.opener.OpenCapture(d.mode, d.requestedID, callbacks)
		if err == nil {
			return backend, nil
		}
		if errors.Is(err, audiodevice.ErrUnsupportedPlatform) {
			return nil, err
		}
		requestedErr = err
		d.logger.Warn(
			"could not open requested device, falling back to default",
			"deviceID", d.requestedID,
			"err", err,
		)
	}

	backend, err := d.opener.OpenCapture(d.mode, "", callbacks)
	if err == nil {
		return backend, nil
	}
	if errors.Is(err, audiodevice.ErrUnsupportedPlatform) {
		return nil, err
	}

	d.logger.Error("could not open default device", "err", err)
	return nil, &audiodevice.DeviceResolutionError{
		Mode:         d.mode,
		DeviceID:     d.requestedID,
		RequestedErr: requestedErr,
		DefaultErr:   err,
	}
}

// Runs on the driver thread
func (d *CaptureDevice) onData(pcm []byte) {
	if CaptureState(d.state.Load()) != CaptureStateRunning {
		return
	}
	if ring := d.ring.Load(); ring != nil {
		ring.Write(pcm)
	}
}

// Runs on the driver thread
func (d *CaptureDevice) onBackendStopped() {
	if !d.state.CompareAndSwap(int32(CaptureStateRunning), int32(CaptureStateStopped)) {
		// Requested by Stop
		return
	}

	d.logger.Warn("capture stopped by the device")
	if ring := d.ring.Load(); ring != nil {
		ring.Close()
	}
	if d.onStopped != nil {
		go d.onStopped()
	}
}

// Stop capturing and release the hardware. Errors from the hardware are
// logged and swallowed. Safe to call more than once, and before Start.
func (d *CaptureDevice) Stop() {
	d.stopOnce.Do(func() {
		d.state.Store(int32(CaptureStateStopped))

		d.startMu.Lock()
		backend := d.backend
		d.startMu.Unlock()

		if ring := d.ring.Load(); ring != nil {
			ring.Close()
		}
		if backend == nil {
			return
		}
		if err := backend.Stop(); err != nil {
			d.logger.Debug("error while stopping capture", "err", err)
		}
		backend.Close()
		d.logger.Info("capture stopped", "deviceID", backend.DeviceID())
	})
}

// Read buffered bytes into p. If nothing is buffered, wait at most timeout
// for the hardware to deliver more. Returns 0 immediately once stopped and
// drained.
func (d *CaptureDevice) ReadBytes(p []byte, timeout time.Duration) int {
	ring := d.ring.Load()
	if ring == nil {
		return 0
	}
	if n := ring.Read(p); n > 0 || !d.IsRunning() {
		return n
	}
	ring.WaitForData(context.Background(), timeout)
	return ring.Read(p)
}

func (d *CaptureDevice) WaitForData(ctx context.Context, timeout time.Duration) {
	ring := d.ring.Load()
	if ring == nil || !d.IsRunning() {
		return
	}
	ring.WaitForData(ctx, timeout)
}

// The native format of the opened device. Zero valued before Start.
func (d *CaptureDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.backend == nil {
		return audiodevice.DeviceProperties{}
	}
	return d.backend.GetDeviceProperties()
}

// The identifier of the opened device, which may differ from the requested
// one after a fallback to the default device.
func (d *CaptureDevice) DeviceID() string {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.backend == nil {
		return d.requestedID
	}
	return d.backend.DeviceID()
}

func (d *CaptureDevice) State() CaptureState {
	return CaptureState(d.state.Load())
}

func (d *CaptureDevice) IsRunning() bool {
	return d.State() == CaptureStateRunning
}

func (d *CaptureDevice) DroppedBytes() uint64 {
	if ring := d.ring.Load(); ring != nil {
		return ring.DroppedBytes()
	}
	return 0
}

func (d *CaptureDevice) CapturedBytes() uint64 {
	if ring := d.ring.Load(); ring != nil {
		return ring.WrittenBytes()
	}
	return 0
}

func (d *CaptureDevice) Mode() audiodevice.CaptureMode {
	return d.mode
}
