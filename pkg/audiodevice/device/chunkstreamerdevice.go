package device

import (
	"context"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/google/uuid"
)

const (
	DefaultChunkDuration = 200 * time.Millisecond
	MinChunkDuration     = 20 * time.Millisecond
	MaxChunkDuration     = 2000 * time.Millisecond

	// Upper bound on a single wait for source data
	streamerWaitInterval = 50 * time.Millisecond
)

// Receives a completed chunk. The chunk is shared between handlers and
// must not be modified.
type ChunkHandler func(chunk []byte)

// A ChunkStreamerDevice slices a continuous PCM16 stream into chunks of
// identical size and hands each one to the registered handlers, in order,
// on the reader goroutine.
//
// Only full chunks are emitted; a partial chunk left at shutdown is dropped.
type ChunkStreamerDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	source     audiodevice.WaveReader
	chunkBytes int

	handlersMutex sync.RWMutex
	handlers      []ChunkHandler

	chunksEmitted atomic.Uint64
}

// Clamp a chunk duration to [MinChunkDuration, MaxChunkDuration],
// using DefaultChunkDuration for non-positive values.
func ClampChunkDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultChunkDuration
	}
	return min(max(d, MinChunkDuration), MaxChunkDuration)
}

func NewChunkStreamerDevice(source audiodevice.WaveReader, chunkDuration time.Duration) *ChunkStreamerDevice {
	uuid := uuid.New()
	chunkDuration = ClampChunkDuration(chunkDuration)
	return &ChunkStreamerDevice{
		logger: slog.Default().With(
			"chunk streamer uuid", uuid,
		),
		uuid:       uuid,
		source:     source,
		chunkBytes: source.GetDeviceProperties().BytesForDuration(chunkDuration),
	}
}

// Register a handler for completed chunks. Safe to call while running.
func (d *ChunkStreamerDevice) OnChunkReady(handler ChunkHandler) {
	d.handlersMutex.Lock()
	defer d.handlersMutex.Unlock()
	d.handlers = append(d.handlers, handler)
}

// Read and emit chunks until ctx is done.
func (d *ChunkStreamerDevice) Run(ctx context.Context) error {
	d.logger.Debug("streamer started", "chunkBytes", d.chunkBytes)

	buf := make([]byte, d.chunkBytes)
	filled := 0
	for ctx.Err() == nil {
		n := d.source.Read(buf[filled:])
		if n == 0 {
			audiodevice.WaitForData(ctx, d.source, streamerWaitInterval)
			continue
		}

		filled += n
		if filled < len(buf) {
			continue
		}

		chunk := slices.Clone(buf)
		filled = 0
		d.emit(chunk)
		runtime.Gosched()
	}

	if filled > 0 {
		d.logger.Debug("dropping partial chunk", "bytes", filled)
	}
	d.logger.Debug("streamer stopped", "chunksEmitted", d.chunksEmitted.Load())
	return nil
}

func (d *ChunkStreamerDevice) emit(chunk []byte) {
	d.handlersMutex.RLock()
	handlers := d.handlers
	d.handlersMutex.RUnlock()

	for _, h := range handlers {
		h(chunk)
	}
	d.chunksEmitted.Add(1)
}

func (d *ChunkStreamerDevice) ChunkBytes() int {
	return d.chunkBytes
}

func (d *ChunkStreamerDevice) ChunksEmitted() uint64 {
	return d.chunksEmitted.Load()
}
