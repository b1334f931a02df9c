package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/google/uuid"
)

const DefaultWriterFrameDuration = 500 * time.Millisecond

// A ChunkWriterDevice drains a WaveReader into a FrameSink at a fixed real
// time cadence: one frame per frame duration, whether or not the source
// keeps up. Missing audio is replaced by silence, so the output duration
// tracks wall clock time.
//
// Deadlines are anchored to the start of Run so timing errors do not
// accumulate.
type ChunkWriterDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	source        audiodevice.WaveReader
	sink          audiodevice.FrameSink
	frameDuration time.Duration
	frameBytes    int

	framesWritten atomic.Uint64
	paddedBytes   atomic.Uint64
}

// Create a ChunkWriterDevice writing frames of frameDuration (defaults to
// DefaultWriterFrameDuration) to sink.
func NewChunkWriterDevice(
	source audiodevice.WaveReader,
	sink audiodevice.FrameSink,
	frameDuration time.Duration,
) *ChunkWriterDevice {
	uuid := uuid.New()
	if frameDuration <= 0 {
		frameDuration = DefaultWriterFrameDuration
	}
	return &ChunkWriterDevice{
		logger: slog.Default().With(
			"chunk writer uuid", uuid,
		),
		uuid:          uuid,
		source:        source,
		sink:          sink,
		frameDuration: frameDuration,
		frameBytes:    source.GetDeviceProperties().BytesForDuration(frameDuration),
	}
}

// Write frames until ctx is done, then write any partially filled frame
// (padded with silence) and flush the sink. Flush errors are swallowed.
//
// Returns a non-nil error only if the sink failed to accept a frame, in
// which case the writer stops immediately.
// The sink is not closed; that is left to the owner.
func (d *ChunkWriterDevice) Run(ctx context.Context) error {
	d.logger.Debug("writer started", "frameBytes", d.frameBytes, "frameDuration", d.frameDuration)

	buf := make([]byte, d.frameBytes)
	start := time.Now()
	deadline := d.frameDuration

	for {
		filled := d.fill(ctx, buf, start, deadline)

		if ctx.Err() != nil {
			if filled > 0 {
				clear(buf[filled:])
				if err := d.sink.WriteFrame(buf); err != nil {
					d.logger.Warn("could not write final frame", "err", err)
				}
			}
			d.flush()
			d.logger.Debug("writer stopped", "framesWritten", d.framesWritten.Load())
			return nil
		}

		if filled < len(buf) {
			clear(buf[filled:])
			d.paddedBytes.Add(uint64(len(buf) - filled))
		}
		if err := d.sink.WriteFrame(buf); err != nil {
			d.logger.Error("could not write frame", "err", err)
			d.flush()
			return fmt.Errorf("could not write audio frame: %w", err)
		}
		d.framesWritten.Add(1)

		if wait := deadline - time.Since(start); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
		deadline += d.frameDuration
	}
}

// Fill buf from the source until it is full, the deadline passes or ctx is
// done. Returns the number of bytes filled.
func (d *ChunkWriterDevice) fill(ctx context.Context, buf []byte, start time.Time, deadline time.Duration) int {
	filled := 0
	for filled < len(buf) {
		n := d.source.Read(buf[filled:])
		filled += n
		if n > 0 {
			continue
		}

		remaining := deadline - time.Since(start)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}
		audiodevice.WaitForData(ctx, d.source, remaining)
	}
	return filled
}

func (d *ChunkWriterDevice) flush() {
	if err := d.sink.Flush(); err != nil {
		d.logger.Debug("error while flushing sink", "err", err)
	}
}

func (d *ChunkWriterDevice) FrameBytes() int {
	return d.frameBytes
}

func (d *ChunkWriterDevice) FrameDuration() time.Duration {
	return d.frameDuration
}

func (d *ChunkWriterDevice) FramesWritten() uint64 {
	return d.framesWritten.Load()
}

// Total bytes of silence inserted because the source was short.
func (d *ChunkWriterDevice) PaddedBytes() uint64 {
	return d.paddedBytes.Load()
}
