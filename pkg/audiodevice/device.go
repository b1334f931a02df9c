package audiodevice

import (
	"context"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
)

// The format of audio leaving a device.
//
// Byte streams are always signed 16 bit little endian PCM, so the bit depth
// is implied.
type DeviceProperties struct {
	SampleRate  int
	NumChannels int
}

const BytesPerSample = 2

// The size in bytes of one sample frame (one sample per channel).
func (p DeviceProperties) BlockAlign() int {
	return BytesPerSample * max(p.NumChannels, 1)
}

func (p DeviceProperties) AverageBytesPerSecond() int {
	return p.SampleRate * p.BlockAlign()
}

// The number of bytes covering the given duration, rounded down to a whole
// number of blocks and never smaller than a single block.
func (p DeviceProperties) BytesForDuration(d time.Duration) int {
	blockAlign := p.BlockAlign()
	n := int(int64(p.AverageBytesPerSecond()) * int64(d) / int64(time.Second))
	n -= n % blockAlign
	return max(n, blockAlign)
}

// The duration of audio covered by the given number of bytes.
func (p DeviceProperties) DurationForBytes(n int) time.Duration {
	bps := p.AverageBytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

func (p DeviceProperties) IsValid() bool {
	return p.SampleRate > 0 && (p.NumChannels == 1 || p.NumChannels == 2)
}

// Interface for a source of raw PCM16 bytes, e.g. a capture device.
type PCMByteSource interface {
	// Read buffered bytes into p, returning the number of bytes read.
	// If no data is buffered, wait at most timeout for new data.
	//
	// The returned count is always a multiple of the block alignment.
	ReadBytes(p []byte, timeout time.Duration) int

	GetDeviceProperties() DeviceProperties
}

// Interface for a pull based stream of normalized samples.
//
// Implementations never block for long: when no data is available Read
// returns the samples it has (possibly zero) and the caller decides whether
// to wait.
type SampleProvider interface {
	Read(dst frame.PCMFrame) int

	GetDeviceProperties() DeviceProperties
}

// Interface for a pull based stream of PCM16 bytes.
type WaveReader interface {
	// Read into p, returning the number of bytes written. Returns 0 when
	// no data is currently available.
	Read(p []byte) int

	GetDeviceProperties() DeviceProperties
}

// Optionally implemented by sources that can signal new data, so consumers
// can wait rather than poll.
type DataWaiter interface {
	// Block until new data may be available, the timeout expires or
	// the context is done.
	WaitForData(ctx context.Context, timeout time.Duration)
}

// Wait on source for new data if it supports signalling, otherwise sleep
// for the (short) poll interval.
func WaitForData(ctx context.Context, source any, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	if w, ok := source.(DataWaiter); ok {
		w.WaitForData(ctx, timeout)
		return
	}

	const pollInterval = 5 * time.Millisecond
	t := time.NewTimer(min(timeout, pollInterval))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Interface for consumers of whole, fixed size frames of PCM16 bytes,
// e.g. a compressed file encoder.
type FrameSink interface {
	WriteFrame(p []byte) error

	// Push buffered data to the underlying storage.
	Flush() error

	// Finalize the sink. No frames may be written after Close.
	Close() error
}
