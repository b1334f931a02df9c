package device

import (
	"context"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
)

// Adapts a SampleProvider to a WaveReader producing PCM16 bytes.
type PCM16Device struct {
	source  audiodevice.SampleProvider
	samples frame.PCMFrame
}

func NewPCM16Device(source audiodevice.SampleProvider) *PCM16Device {
	return &PCM16Device{source: source}
}

// Read whole sample frames into p. Returns 0 when the source has no data.
func (d *PCM16Device) Read(p []byte) int {
	blockAlign := d.source.GetDeviceProperties().BlockAlign()
	numSamples := (len(p) - len(p)%blockAlign) / audiodevice.BytesPerSample
	if numSamples == 0 {
		return 0
	}

	d.samples = growFrame(d.samples, numSamples)
	n := d.source.Read(d.samples)
	return len(frame.FrameToPCM16(d.samples[:n], p[:0]))
}

func (d *PCM16Device) WaitForData(ctx context.Context, timeout time.Duration) {
	audiodevice.WaitForData(ctx, d.source, timeout)
}

func (d *PCM16Device) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.source.GetDeviceProperties()
}
