package device

import (
	"context"
	"log/slog"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
	"github.com/oov/audio/resampler"
)

const (
	// The most bytes pulled from the source in one go.
	// 100ms of 48000Hz stereo PCM16 is 19200 bytes, so this covers
	// any sensible read size.
	maxSourceReadBytes = 32768

	resampleQuality = 10
)

// Middle-man processing device to handle format mismatches
// between the source data format and the sink data format.
//
// e.g. if the source format is mono, but the sink format specifies stereo,
// this device will handle the conversion.
//
// The source is a raw PCM16 byte stream (typically a capture), the output
// is normalized samples in the sink format. If the source format changes,
// e.g. a capture was restarted on a different device, the conversion chain
// is rebuilt on the next Read.
type AudioFormatConversionDevice struct {
	logger *slog.Logger

	source           audiodevice.PCMByteSource
	sourceProperties audiodevice.DeviceProperties
	sinkProperties   audiodevice.DeviceProperties

	// The functions to apply when processing the source data to sink format
	formatConversionFunctions []audioFormatConversionFunction

	byteBuf []byte
	// Converted samples not yet returned by Read
	pending frame.PCMFrame
}

// Create a new AudioFormatConversionDevice pulling from source and producing
// samples with the sink properties.
func NewAudioFormatConversionDevice(
	source audiodevice.PCMByteSource,
	sinkProperties audiodevice.DeviceProperties,
) *AudioFormatConversionDevice {
	return &AudioFormatConversionDevice{
		logger:         slog.Default().With("conversion device sink rate", sinkProperties.SampleRate),
		source:         source,
		sinkProperties: sinkProperties,
		byteBuf:        make([]byte, maxSourceReadBytes),
	}
}

func buildFormatConversionFunctions(
	sourceProperties audiodevice.DeviceProperties,
	sinkProperties audiodevice.DeviceProperties,
) []audioFormatConversionFunction {
	formatConversionFunctions := make([]audioFormatConversionFunction, 0)

	if sourceProperties.NumChannels == 1 && sinkProperties.NumChannels == 2 {
		slog.Debug("adding mono to stereo")
		formatConversionFunctions = append(formatConversionFunctions, monoToStereo())
	}
	if sourceProperties.NumChannels == 2 && sinkProperties.NumChannels == 1 {
		slog.Debug("adding stereo to mono")
		formatConversionFunctions = append(formatConversionFunctions, stereoToMono())
	}
	if sourceProperties.SampleRate != sinkProperties.SampleRate {
		slog.Debug("adding resampler")
		formatConversionFunctions = append(formatConversionFunctions, newResampleFunction(sourceProperties, sinkProperties))
	}
	return formatConversionFunctions
}

// Fill dst with converted samples, returning the number written.
// Never waits for the source: returns fewer samples (possibly 0) when the
// source has nothing buffered.
func (d *AudioFormatConversionDevice) Read(dst frame.PCMFrame) int {
	d.checkSourceProperties()
	if !d.sourceProperties.IsValid() {
		return 0
	}

	for len(d.pending) < len(dst) {
		// Request roughly what is still missing, in source bytes
		missing := len(dst) - len(d.pending)
		want := int(int64(missing) * int64(d.sourceProperties.AverageBytesPerSecond()) /
			int64(d.sinkProperties.SampleRate*d.sinkProperties.NumChannels))
		want = min(max(want, d.sourceProperties.BlockAlign()), len(d.byteBuf))

		n := d.source.ReadBytes(d.byteBuf[:want], 0)
		if n == 0 {
			break
		}

		pcmFrame := frame.PCM16ToFrame(d.byteBuf[:n], nil)
		for _, f := range d.formatConversionFunctions {
			pcmFrame = f(pcmFrame)
		}
		d.pending = append(d.pending, pcmFrame...)
	}

	n := copy(dst, d.pending)
	d.pending = d.pending[:copy(d.pending, d.pending[n:])]
	return n
}

func (d *AudioFormatConversionDevice) checkSourceProperties() {
	properties := d.source.GetDeviceProperties()
	if properties == d.sourceProperties {
		return
	}

	d.logger.Debug(
		"source format changed, rebuilding conversion",
		"sourceRate", properties.SampleRate,
		"sourceChannels", properties.NumChannels,
		"sinkRate", d.sinkProperties.SampleRate,
		"sinkChannels", d.sinkProperties.NumChannels,
	)
	d.sourceProperties = properties
	d.pending = d.pending[:0]
	if properties.IsValid() {
		d.formatConversionFunctions = buildFormatConversionFunctions(properties, d.sinkProperties)
	} else {
		d.formatConversionFunctions = nil
	}
}

func (d *AudioFormatConversionDevice) WaitForData(ctx context.Context, timeout time.Duration) {
	audiodevice.WaitForData(ctx, d.source, timeout)
}

// WARNING:
// GetDeviceProperties of the AudioFormatConversionDevice returns the
// device properties of the LEAVING data. i.e. the data that exits this device!
//
// If you need the properties of the data entering this device, call GetSourceDeviceProperties()
func (d *AudioFormatConversionDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.sinkProperties
}

func (d *AudioFormatConversionDevice) GetSourceDeviceProperties() audiodevice.DeviceProperties {
	return d.source.GetDeviceProperties()
}

// --------------------------------------------------------------------------------

// Each function returns a frame that may share memory with its input or with
// an internal buffer; the result is only valid until the next call.
type audioFormatConversionFunction func(sourceFrame frame.PCMFrame) frame.PCMFrame

func monoToStereo() audioFormatConversionFunction {
	var buf frame.PCMFrame
	return func(sourceFrame frame.PCMFrame) frame.PCMFrame {
		buf = growFrame(buf, 2*len(sourceFrame))
		for i, v := range sourceFrame {
			buf[2*i] = v
			buf[2*i+1] = v
		}
		return buf
	}
}

func stereoToMono() audioFormatConversionFunction {
	var buf frame.PCMFrame
	return func(sourceFrame frame.PCMFrame) frame.PCMFrame {
		if len(sourceFrame)%2 == 1 {
			sourceFrame = sourceFrame[:len(sourceFrame)-1]
		}

		buf = growFrame(buf, len(sourceFrame)/2)
		for i := range len(sourceFrame) / 2 {
			buf[i] = (sourceFrame[2*i] + sourceFrame[2*i+1]) / 2
		}
		return buf
	}
}

// The resampler keeps filter state between calls, so one function must
// only ever see a single continuous stream.
func newResampleFunction(sourceProperties audiodevice.DeviceProperties, sinkProperties audiodevice.DeviceProperties) audioFormatConversionFunction {
	inRate, outRate := sourceProperties.SampleRate, sinkProperties.SampleRate
	outLen := func(n int) int {
		return n*outRate/inRate + 64
	}

	if sinkProperties.NumChannels == 1 {
		r := resampler.New(1, inRate, outRate, resampleQuality)
		var buf frame.PCMFrame
		return func(sourceFrame frame.PCMFrame) frame.PCMFrame {
			buf = growFrame(buf, outLen(len(sourceFrame)))
			return resampleChannel(r, 0, sourceFrame, buf)
		}
	}

	r := resampler.New(2, inRate, outRate, resampleQuality)
	var leftSourceBuf, rightSourceBuf, leftSinkBuf, rightSinkBuf, buf frame.PCMFrame
	return func(sourceFrame frame.PCMFrame) frame.PCMFrame {
		if len(sourceFrame)%2 == 1 {
			sourceFrame = sourceFrame[:len(sourceFrame)-1]
		}
		numFrames := len(sourceFrame) / 2

		// Decode to planar, sourceFrame is interleaved
		leftSourceBuf = growFrame(leftSourceBuf, numFrames)
		rightSourceBuf = growFrame(rightSourceBuf, numFrames)
		for i := range numFrames {
			leftSourceBuf[i] = sourceFrame[2*i]
			rightSourceBuf[i] = sourceFrame[2*i+1]
		}

		// Process both channels
		leftSinkBuf = growFrame(leftSinkBuf, outLen(numFrames))
		rightSinkBuf = growFrame(rightSinkBuf, outLen(numFrames))
		left := resampleChannel(r, 0, leftSourceBuf, leftSinkBuf)
		right := resampleChannel(r, 1, rightSourceBuf, rightSinkBuf)
		written := min(len(left), len(right))

		// Interleave again
		buf = growFrame(buf, 2*written)
		for i := range written {
			buf[2*i] = left[i]
			buf[2*i+1] = right[i]
		}
		return buf
	}
}

// Feed all of in through the resampler, collecting output in out
// (which must have some spare capacity).
func resampleChannel(r *resampler.Resampler, channel int, in, out frame.PCMFrame) frame.PCMFrame {
	written := 0
	for len(in) > 0 && written < len(out) {
		read, n := r.ProcessFloat32(channel, in, out[written:])
		if read == 0 && n == 0 {
			break
		}
		in = in[read:]
		written += n
	}
	return out[:written]
}

func growFrame(buf frame.PCMFrame, n int) frame.PCMFrame {
	if cap(buf) < n {
		return make(frame.PCMFrame, n)
	}
	return buf[:n]
}
