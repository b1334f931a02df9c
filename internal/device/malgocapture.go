//go:build cgo && !noaudio

package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
)

// rawFormat needs to match the PCM16 byte streams used by the pipeline
var rawFormat = malgo.FormatS16

// MalgoCaptureBackend is an audiodevice.CaptureBackend recording a
// microphone, or a render endpoint in loopback, through miniaudio.
// Samples are delivered on the miniaudio thread as interleaved PCM16.
type MalgoCaptureBackend struct {
	logger *slog.Logger
	uuid   uuid.UUID

	id         string
	device     *malgo.Device
	properties audiodevice.DeviceProperties

	closeOnce sync.Once
}

// Open (but do not start) a capture device. A nil deviceID selects the
// default endpoint; numChannels 0 selects the native channel count.
func newMalgoCaptureBackend(
	ctx *malgo.AllocatedContext,
	typ malgo.DeviceType,
	deviceID *malgo.DeviceID,
	numChannels uint32,
	callbacks audiodevice.CaptureCallbacks,
) (*MalgoCaptureBackend, error) {
	uuid := uuid.New()
	logger := slog.Default().With(
		"malgo capture device uuid", uuid,
	)

	if size := malgo.SampleSizeInBytes(rawFormat); size != audiodevice.BytesPerSample {
		return nil, fmt.Errorf("malgo raw format has wrong sample size "+
			"(got %d, want %d)", size, audiodevice.BytesPerSample)
	}

	deviceConfig := malgo.DefaultDeviceConfig(typ)
	if deviceID != nil {
		deviceConfig.Capture.DeviceID = deviceID.Pointer()
	}
	deviceConfig.Capture.Format = rawFormat
	deviceConfig.Capture.Channels = numChannels
	// Native rate; conversion happens downstream
	deviceConfig.SampleRate = 0
	deviceConfig.Alsa.NoMMap = 1

	captureCallbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			if callbacks.Data != nil {
				callbacks.Data(pInputSamples)
			}
		},
		Stop: func() {
			if callbacks.Stopped != nil {
				callbacks.Stopped()
			}
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, captureCallbacks)
	if err != nil {
		logger.Error("failed to open capture device", "err", err)
		return nil, fmt.Errorf("failed to open capture device: %w", err)
	}

	properties := audiodevice.DeviceProperties{
		SampleRate:  int(device.SampleRate()),
		NumChannels: int(device.CaptureChannels()),
	}
	logger.Debug(
		"initialized malgo capture device",
		"loopback", typ == malgo.Loopback,
		"sampleRate", properties.SampleRate,
		"channels", properties.NumChannels,
	)

	return &MalgoCaptureBackend{
		logger:     logger,
		uuid:       uuid,
		device:     device,
		properties: properties,
	}, nil
}

func (b *MalgoCaptureBackend) Start() error {
	if err := b.device.Start(); err != nil {
		b.logger.Error("failed to start capture", "err", err)
		return fmt.Errorf("failed to start capture: %w", err)
	}
	return nil
}

func (b *MalgoCaptureBackend) Stop() error {
	if !b.device.IsStarted() {
		return nil
	}
	return b.device.Stop()
}

func (b *MalgoCaptureBackend) Close() {
	b.closeOnce.Do(func() {
		b.logger.Debug("shutdown called")
		b.device.Uninit()
	})
}

func (b *MalgoCaptureBackend) DeviceID() string {
	return b.id
}

func (b *MalgoCaptureBackend) GetDeviceProperties() audiodevice.DeviceProperties {
	return b.properties
}
