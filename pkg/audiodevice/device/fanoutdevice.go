package device

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const DefaultFanOutQueueCapacity = 64

// A bounded FIFO of chunks. When full, pushing discards the oldest chunk.
type ChunkQueue struct {
	mu       sync.Mutex
	items    [][]byte
	capacity int

	dropped atomic.Uint64
	signal  chan struct{}
}

func NewChunkQueue(capacity int) *ChunkQueue {
	capacity = max(capacity, 1)
	return &ChunkQueue{
		items:    make([][]byte, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Append chunk, discarding the oldest queued chunk if full. Never blocks.
// Returns whether a chunk was discarded.
func (q *ChunkQueue) Push(chunk []byte) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.capacity {
		q.items[0] = nil
		q.items = append(q.items[:0], q.items[1:]...)
		dropped = true
	}
	q.items = append(q.items, chunk)
	q.mu.Unlock()

	if dropped {
		q.dropped.Add(1)
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return dropped
}

// Remove and return the oldest chunk.
func (q *ChunkQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	chunk := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return chunk, true
}

func (q *ChunkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *ChunkQueue) Cap() int {
	return q.capacity
}

func (q *ChunkQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Signalled (coalesced) after each Push.
func (q *ChunkQueue) Signal() <-chan struct{} {
	return q.signal
}

// --------------------------------------------------------------------------------
// Fan Out Device (One to Many)

type fanOutSink struct {
	name  string
	queue *ChunkQueue
	sink  audiodevice.FrameSink
}

// A FanOutDevice copies chunks to several FrameSinks without ever blocking
// the producer.
//
// Each sink has its own bounded ChunkQueue (drop oldest on overflow) and its
// own drain goroutine that writes and flushes every chunk, so one slow disk
// can not stall the live audio path or the other sinks.
type FanOutDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	queueCapacity int

	sinksMutex sync.RWMutex
	sinks      []*fanOutSink
	running    bool
}

func NewFanOutDevice(queueCapacity int) *FanOutDevice {
	uuid := uuid.New()
	if queueCapacity <= 0 {
		queueCapacity = DefaultFanOutQueueCapacity
	}
	return &FanOutDevice{
		logger: slog.Default().With(
			"fan out device uuid", uuid,
		),
		uuid:          uuid,
		queueCapacity: queueCapacity,
	}
}

// Add a sink. Must be called before Run. The sink is closed when Run returns.
func (d *FanOutDevice) AddSink(name string, sink audiodevice.FrameSink) {
	d.sinksMutex.Lock()
	defer d.sinksMutex.Unlock()
	if d.running {
		d.logger.Warn("sink added while running is ignored", "sink", name)
		return
	}
	d.sinks = append(d.sinks, &fanOutSink{
		name:  name,
		queue: NewChunkQueue(d.queueCapacity),
		sink:  sink,
	})
}

// Queue chunk for every sink. Usable as a ChunkHandler.
func (d *FanOutDevice) Push(chunk []byte) {
	d.sinksMutex.RLock()
	defer d.sinksMutex.RUnlock()
	for _, s := range d.sinks {
		if s.queue.Push(chunk) {
			d.logger.Debug("queue full, dropped oldest chunk", "sink", s.name)
		}
	}
}

// Drain every queue into its sink until ctx is done. Chunks still queued at
// that point are written, then each sink is closed. Write errors are logged
// and never stop the drain.
func (d *FanOutDevice) Run(ctx context.Context) error {
	d.sinksMutex.Lock()
	d.running = true
	sinks := d.sinks
	d.sinksMutex.Unlock()

	g := new(errgroup.Group)
	for _, s := range sinks {
		g.Go(func() error {
			d.drain(ctx, s)
			return nil
		})
	}
	return g.Wait()
}

func (d *FanOutDevice) drain(ctx context.Context, s *fanOutSink) {
	logger := d.logger.With("sink", s.name)

	writeQueued := func() {
		for {
			chunk, ok := s.queue.Pop()
			if !ok {
				return
			}
			if err := s.sink.WriteFrame(chunk); err != nil {
				logger.Warn("could not write chunk", "err", err)
				continue
			}
			if err := s.sink.Flush(); err != nil {
				logger.Warn("could not flush chunk", "err", err)
			}
		}
	}

	for {
		select {
		case <-s.queue.Signal():
			writeQueued()
		case <-ctx.Done():
			writeQueued()
			if err := s.sink.Close(); err != nil {
				logger.Debug("error while closing sink", "err", err)
			}
			return
		}
	}
}

// Total chunks discarded across all sink queues.
func (d *FanOutDevice) DroppedChunks() uint64 {
	d.sinksMutex.RLock()
	defer d.sinksMutex.RUnlock()
	var n uint64
	for _, s := range d.sinks {
		n += s.queue.Dropped()
	}
	return n
}
