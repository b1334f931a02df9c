package frame

import (
	"math"
	"slices"
)

// A PCMFrame is a block of interleaved audio samples, normalized to [-1, 1].
//
// PCMFrames carry no format information. The DeviceProperties of the device
// producing the frame define the sample rate and number of channels.
type PCMFrame []float32

// An EncodedFrame is a block of compressed audio, e.g. a single Opus packet.
type EncodedFrame []byte

// Full scale: PCM16 decodes by dividing by this, so encoding multiplies by it
const pcm16Scale = 32768

// Decode little endian signed 16 bit PCM bytes into dst, appending the
// normalized samples. A trailing odd byte is ignored.
func PCM16ToFrame(src []byte, dst PCMFrame) PCMFrame {
	numSamples := len(src) / 2
	dst = slices.Grow(dst, numSamples)
	for i := range numSamples {
		s := int16(uint16(src[2*i]) | uint16(src[2*i+1])<<8)
		dst = append(dst, float32(s)/pcm16Scale)
	}
	return dst
}

// Encode the samples of src as little endian signed 16 bit PCM, appending to dst.
// Samples are clipped to the representable range.
func FrameToPCM16(src PCMFrame, dst []byte) []byte {
	dst = slices.Grow(dst, 2*len(src))
	for _, v := range src {
		s := Float32ToInt16(v)
		dst = append(dst, byte(s), byte(s>>8))
	}
	return dst
}

// Convert a normalized sample to an int16, rounding to nearest and clipping
// to [math.MinInt16, math.MaxInt16]. Exact inverse of PCM16ToFrame.
func Float32ToInt16(v float32) int16 {
	s := math.Round(float64(v) * pcm16Scale)
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return int16(s)
}

// Decode little endian PCM16 bytes into int16 samples, appending to dst.
func PCM16ToInt16(src []byte, dst []int16) []int16 {
	numSamples := len(src) / 2
	dst = slices.Grow(dst, numSamples)
	for i := range numSamples {
		dst = append(dst, int16(uint16(src[2*i])|uint16(src[2*i+1])<<8))
	}
	return dst
}

// Peak returns the largest absolute sample value of the frame.
func (f PCMFrame) Peak() float32 {
	var peak float32
	for _, v := range f {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// Clip all samples in place to [-1, 1].
func (f PCMFrame) Clip() {
	for i, v := range f {
		if v > 1 {
			f[i] = 1
		} else if v < -1 {
			f[i] = -1
		}
	}
}
