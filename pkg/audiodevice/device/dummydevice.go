package device

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
)

var ErrDummyDeviceNotFound = errors.New("dummy device not found")

// A CaptureOpener backed by synthetic devices that produce a sine tone
// (or silence) on a ticker. A minimal stand in for hardware, useful in testing.
type DummyCaptureOpener struct {
	Properties audiodevice.DeviceProperties

	// The interval between callbacks. Zero disables the ticker; data is
	// then only delivered through DummyCaptureBackend.Push.
	Period time.Duration

	// The tone frequency, 0 for silence.
	ToneHz    float64
	Amplitude float32

	// Known device ids for each mode. An empty id always resolves to
	// the default device unless DefaultErr is set.
	DeviceIDs  map[audiodevice.CaptureMode][]string
	DefaultErr error

	mu       sync.Mutex
	backends []*DummyCaptureBackend
}

func NewDummyCaptureOpener(properties audiodevice.DeviceProperties, toneHz float64) *DummyCaptureOpener {
	return &DummyCaptureOpener{
		Properties: properties,
		Period:     10 * time.Millisecond,
		ToneHz:     toneHz,
		Amplitude:  0.25,
		DeviceIDs:  make(map[audiodevice.CaptureMode][]string),
	}
}

func (o *DummyCaptureOpener) OpenCapture(
	mode audiodevice.CaptureMode,
	deviceID string,
	callbacks audiodevice.CaptureCallbacks,
) (audiodevice.CaptureBackend, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	defaultID := "default-" + mode.String()
	if deviceID == "" || deviceID == defaultID {
		if o.DefaultErr != nil {
			return nil, o.DefaultErr
		}
		deviceID = defaultID
	} else if !o.knows(mode, deviceID) {
		return nil, fmt.Errorf("%w: %q", ErrDummyDeviceNotFound, deviceID)
	}

	b := &DummyCaptureBackend{
		opener:    o,
		id:        deviceID,
		callbacks: callbacks,
		done:      make(chan struct{}),
	}
	o.backends = append(o.backends, b)
	return b, nil
}

// Must hold mu
func (o *DummyCaptureOpener) knows(mode audiodevice.CaptureMode, deviceID string) bool {
	for _, id := range o.DeviceIDs[mode] {
		if id == deviceID {
			return true
		}
	}
	return false
}

// All backends opened so far, in order.
func (o *DummyCaptureOpener) Backends() []*DummyCaptureBackend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*DummyCaptureBackend(nil), o.backends...)
}

// The number of backends that are currently started.
func (o *DummyCaptureOpener) NumRunning() int {
	n := 0
	for _, b := range o.Backends() {
		if b.IsRunning() {
			n++
		}
	}
	return n
}

// A synthetic capture stream produced by DummyCaptureOpener.
type DummyCaptureBackend struct {
	opener    *DummyCaptureOpener
	id        string
	callbacks audiodevice.CaptureCallbacks

	mu       sync.Mutex
	running  bool
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func (b *DummyCaptureBackend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("dummy backend closed")
	}
	if b.running {
		return nil
	}
	b.running = true

	if b.opener.Period > 0 {
		b.wg.Add(1)
		go b.produce()
	}
	return nil
}

func (b *DummyCaptureBackend) produce() {
	defer b.wg.Done()

	properties := b.opener.Properties
	framesPerTick := int(int64(properties.SampleRate) * int64(b.opener.Period) / int64(time.Second))
	samples := make(frame.PCMFrame, framesPerTick*properties.NumChannels)
	pcm := make([]byte, 0, 2*len(samples))

	ticker := time.NewTicker(b.opener.Period)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * b.opener.ToneHz / float64(properties.SampleRate)
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		}

		for i := range framesPerTick {
			v := float32(0)
			if b.opener.ToneHz > 0 {
				v = b.opener.Amplitude * float32(math.Sin(phase))
				phase = math.Mod(phase+step, 2*math.Pi)
			}
			for c := range properties.NumChannels {
				samples[i*properties.NumChannels+c] = v
			}
		}
		pcm = frame.FrameToPCM16(samples, pcm[:0])
		b.callbacks.Data(pcm)
	}
}

// Deliver pcm through the data callback, as if captured.
func (b *DummyCaptureBackend) Push(pcm []byte) {
	if b.IsRunning() {
		b.callbacks.Data(pcm)
	}
}

// Stop the stream without a Stop call, as if the device was unplugged.
func (b *DummyCaptureBackend) Unplug() {
	b.halt()
}

func (b *DummyCaptureBackend) halt() {
	b.mu.Lock()
	wasRunning := b.running
	b.running = false
	b.mu.Unlock()

	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()

	if wasRunning && b.callbacks.Stopped != nil {
		b.callbacks.Stopped()
	}
}

func (b *DummyCaptureBackend) Stop() error {
	b.halt()
	return nil
}

func (b *DummyCaptureBackend) Close() {
	b.halt()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *DummyCaptureBackend) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *DummyCaptureBackend) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *DummyCaptureBackend) DeviceID() string {
	return b.id
}

func (b *DummyCaptureBackend) GetDeviceProperties() audiodevice.DeviceProperties {
	return b.opener.Properties
}
