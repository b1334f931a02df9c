package device

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
)

const (
	DefaultAutoGainTargetRms = 0.12
	DefaultAutoGainMinGain   = 0.5
	DefaultAutoGainMaxGain   = 6.0
	DefaultAutoGainSmoothing = 0.08

	// Windows quieter than this leave the gain untouched
	autoGainEpsilon = 1e-6
)

// Parameters of an AutoGain. Zero valued fields take the default.
type AutoGainConfig struct {
	TargetRms float64 `mapstructure:"targetrms"`
	MinGain   float64 `mapstructure:"mingain"`
	MaxGain   float64 `mapstructure:"maxgain"`
	Smoothing float64 `mapstructure:"smoothing"`
}

func DefaultAutoGainConfig() AutoGainConfig {
	return AutoGainConfig{
		TargetRms: DefaultAutoGainTargetRms,
		MinGain:   DefaultAutoGainMinGain,
		MaxGain:   DefaultAutoGainMaxGain,
		Smoothing: DefaultAutoGainSmoothing,
	}
}

// Fill in defaults and clamp every parameter to its sane range.
func (c AutoGainConfig) Normalize() AutoGainConfig {
	withDefault := func(v, def, lo, hi float64) float64 {
		if v == 0 || math.IsNaN(v) {
			v = def
		}
		return min(max(v, lo), hi)
	}

	c.TargetRms = withDefault(c.TargetRms, DefaultAutoGainTargetRms, 0.02, 0.4)
	c.MinGain = withDefault(c.MinGain, DefaultAutoGainMinGain, 0.1, 2.0)
	c.MaxGain = withDefault(c.MaxGain, DefaultAutoGainMaxGain, 1.0, 12.0)
	c.MaxGain = max(c.MaxGain, c.MinGain)
	c.Smoothing = withDefault(c.Smoothing, DefaultAutoGainSmoothing, 0.01, 0.5)
	return c
}

// AutoGain pushes a signal toward a target loudness.
//
// It tracks the RMS of each processed window, computes the gain that would
// reach the target RMS (bounded by the min and max gain), and moves the
// current gain toward it by the smoothing factor.
//
// Processing is not safe for concurrent use; a single pipeline goroutine
// owns it. CurrentGain may be read from any goroutine.
type AutoGain struct {
	config      AutoGainConfig
	currentGain float64

	// float64 bits of currentGain, for readers off the pipeline goroutine
	publishedGain atomic.Uint64
}

func NewAutoGain(config AutoGainConfig) *AutoGain {
	config = config.Normalize()
	a := &AutoGain{
		config:      config,
		currentGain: min(max(1.0, config.MinGain), config.MaxGain),
	}
	a.publishedGain.Store(math.Float64bits(a.currentGain))
	return a
}

func (a *AutoGain) Config() AutoGainConfig {
	return a.config
}

func (a *AutoGain) CurrentGain() float64 {
	return math.Float64frombits(a.publishedGain.Load())
}

// Move the current gain toward the gain for rms, returning the gain to apply.
func (a *AutoGain) update(rms float64) float64 {
	targetGain := a.config.TargetRms / max(rms, autoGainEpsilon)
	targetGain = min(max(targetGain, a.config.MinGain), a.config.MaxGain)

	s := a.config.Smoothing
	a.currentGain = a.currentGain*(1-s) + targetGain*s
	a.currentGain = min(max(a.currentGain, a.config.MinGain), a.config.MaxGain)
	a.publishedGain.Store(math.Float64bits(a.currentGain))
	return a.currentGain
}

// Apply gain in place to little endian PCM16 bytes.
// A trailing odd byte is left untouched.
func (a *AutoGain) Process(pcm []byte) {
	numSamples := len(pcm) / 2
	if numSamples == 0 {
		return
	}

	var sumSquares float64
	for i := range numSamples {
		s := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sumSquares += s * s
	}
	rms := math.Sqrt(sumSquares/float64(numSamples)) / 32768
	if rms < autoGainEpsilon {
		return
	}

	gain := a.update(rms)
	for i := range numSamples {
		s := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		v := int16(min(max(s*gain, -math.MaxInt16), math.MaxInt16))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(uint16(v) >> 8)
	}
}

// Apply gain in place to normalized samples, clipping to [-1, 1].
func (a *AutoGain) ProcessFloat(samples frame.PCMFrame) {
	if len(samples) == 0 {
		return
	}

	var sumSquares float64
	for _, v := range samples {
		sumSquares += float64(v) * float64(v)
	}
	rms := math.Sqrt(sumSquares / float64(len(samples)))
	if rms < autoGainEpsilon {
		return
	}

	gain := float32(a.update(rms))
	for i, v := range samples {
		samples[i] = min(max(v*gain, -1), 1)
	}
}

// A streaming AutoGain stage wrapping an upstream SampleProvider.
type AutoGainDevice struct {
	source   audiodevice.SampleProvider
	autoGain *AutoGain
}

func NewAutoGainDevice(source audiodevice.SampleProvider, config AutoGainConfig) *AutoGainDevice {
	return &AutoGainDevice{
		source:   source,
		autoGain: NewAutoGain(config),
	}
}

func (d *AutoGainDevice) Read(dst frame.PCMFrame) int {
	n := d.source.Read(dst)
	d.autoGain.ProcessFloat(dst[:n])
	return n
}

func (d *AutoGainDevice) WaitForData(ctx context.Context, timeout time.Duration) {
	audiodevice.WaitForData(ctx, d.source, timeout)
}

func (d *AutoGainDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.source.GetDeviceProperties()
}

func (d *AutoGainDevice) AutoGain() *AutoGain {
	return d.autoGain
}
