package device

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
)

// Middle-man processing device to handle audio augmentations,
// such as volume controls.
//
// Wraps a SampleProvider; the output format equals the input format.
type AudioAugmentationDevice struct {
	source audiodevice.SampleProvider

	augmentationFunctions []audioAugmentationFunction

	// float32 bits, read by the pipeline and written by the fade task
	volumeAdjustMagnitude atomic.Uint32
}

// Create a new AudioAugmentationDevice, automatically adding
// audioAugmentationFunctions:
//   - volumeAdjust (controlled with AudioAugmentationDevice.SetVolumeAdjustMagnitude)
//     (0.0 for mute, 1.0 for unchanged)
func NewAudioAugmentationDevice(source audiodevice.SampleProvider) *AudioAugmentationDevice {
	device := &AudioAugmentationDevice{
		source: source,
	}
	device.volumeAdjustMagnitude.Store(math.Float32bits(1.0))

	device.augmentationFunctions = []audioAugmentationFunction{
		device.volumeAdjust,
	}
	return device
}

func (d *AudioAugmentationDevice) Read(dst frame.PCMFrame) int {
	n := d.source.Read(dst)
	pcmFrame := dst[:n]
	for _, f := range d.augmentationFunctions {
		pcmFrame = f(pcmFrame)
	}
	return n
}

func (d *AudioAugmentationDevice) WaitForData(ctx context.Context, timeout time.Duration) {
	audiodevice.WaitForData(ctx, d.source, timeout)
}

// The device properties of the incoming and outgoing samples are identical.
func (d *AudioAugmentationDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.source.GetDeviceProperties()
}

// --------------------------------------------------------------------------------
// Methods relating to changing the augmentation functions

// Set the volumeAdjustMagnitude, clamped to [0, 1].
// 0.0 means muted, 1.0 is natural scaling.
func (d *AudioAugmentationDevice) SetVolumeAdjustMagnitude(volumeAdjustMagnitude float32) {
	volumeAdjustMagnitude = min(max(volumeAdjustMagnitude, 0.0), 1.0)
	d.volumeAdjustMagnitude.Store(math.Float32bits(volumeAdjustMagnitude))
}

// Get the current volumeAdjustMagnitude.
func (d *AudioAugmentationDevice) GetVolumeAdjustMagnitude() float32 {
	return math.Float32frombits(d.volumeAdjustMagnitude.Load())
}

// --------------------------------------------------------------------------------

// An audioAugmentationFunction produces samples with the same device
// properties as sourceFrame, modifying it in place.
type audioAugmentationFunction func(sourceFrame frame.PCMFrame) frame.PCMFrame

func (d *AudioAugmentationDevice) volumeAdjust(sourceFrame frame.PCMFrame) frame.PCMFrame {
	volume := d.GetVolumeAdjustMagnitude()
	if volume == 1.0 {
		return sourceFrame
	}
	for i := range sourceFrame {
		sourceFrame[i] *= volume
	}
	return sourceFrame
}
