package audiomanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice/device"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// The format speech recognizers expect
var StreamProperties = audiodevice.DeviceProperties{SampleRate: 16000, NumChannels: 1}

var errStreamRunning = errors.New("stream is already running")

type StreamAudioSourceOptions struct {
	Mode audiodevice.CaptureMode
	// Empty for the system default device
	DeviceID string

	// Clamped to [20ms, 2s]. 0 selects 200ms.
	ChunkDuration time.Duration

	// Also write the streamed audio to this WAV file, if set.
	RecordPath string

	// Chunks buffered per disk sink before the oldest are dropped
	QueueCapacity int

	// Level the captured audio before it is chunked, if set.
	AutoGain *device.AutoGainConfig

	// Called if the capture device stops without being asked to.
	OnCaptureStopped func()
}

// A StreamAudioSource captures a single device and delivers its audio as
// 16kHz mono PCM16 chunks of a fixed duration, e.g. to a transcriber.
//
// Chunks are handed to every OnChunkReady handler in order, on the pipeline
// goroutine; a handler must return quickly. Optionally the same chunks are
// also written to a WAV file through a FanOutDevice, off the pipeline
// goroutine.
type StreamAudioSource struct {
	logger *slog.Logger
	uuid   uuid.UUID

	api     audiodevice.CaptureOpener
	metrics *metrics.Metrics

	handlersMutex sync.RWMutex
	handlers      []device.ChunkHandler

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	capture  *device.CaptureDevice
	streamer *device.ChunkStreamerDevice
	fanOut   *device.FanOutDevice
	autoGain *device.AutoGain
}

// Create a stream opening devices through api. m may be nil.
func NewStreamAudioSource(api audiodevice.CaptureOpener, m *metrics.Metrics) *StreamAudioSource {
	uuid := uuid.New()
	return &StreamAudioSource{
		logger: slog.Default().With(
			"stream audio source uuid", uuid,
		),
		uuid:    uuid,
		api:     api,
		metrics: m,
	}
}

// Register a handler for chunks. Safe to call at any time; handlers
// registered while running receive the chunks that follow.
func (s *StreamAudioSource) OnChunkReady(handler device.ChunkHandler) {
	s.handlersMutex.Lock()
	defer s.handlersMutex.Unlock()
	s.handlers = append(s.handlers, handler)
}

func (s *StreamAudioSource) emit(chunk []byte) {
	s.handlersMutex.RLock()
	handlers := s.handlers
	s.handlersMutex.RUnlock()
	for _, h := range handlers {
		h(chunk)
	}
	s.metrics.ChunkEmitted()
}

// Open the capture and start streaming. Fails without leaving anything
// running if the device can not be opened.
func (s *StreamAudioSource) Start(ctx context.Context, opts StreamAudioSourceOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errStreamRunning
	}

	capture := device.NewCaptureDevice(s.api, opts.Mode, opts.DeviceID, device.CaptureDeviceOptions{
		OnStopped: func() {
			s.logger.Warn("capture stopped unexpectedly")
			s.metrics.CaptureStopped(opts.Mode.String())
			if opts.OnCaptureStopped != nil {
				opts.OnCaptureStopped()
			}
		},
	})
	if err := capture.Start(); err != nil {
		capture.Stop()
		return fmt.Errorf("could not start %s capture: %w", opts.Mode, err)
	}

	var samples audiodevice.SampleProvider = device.NewAudioFormatConversionDevice(capture, StreamProperties)
	var autoGain *device.AutoGain
	if opts.AutoGain != nil {
		d := device.NewAutoGainDevice(samples, *opts.AutoGain)
		autoGain = d.AutoGain()
		samples = d
	}
	pcm := device.NewPCM16Device(samples)
	streamer := device.NewChunkStreamerDevice(pcm, opts.ChunkDuration)
	streamer.OnChunkReady(s.emit)

	var fanOut *device.FanOutDevice
	if opts.RecordPath != "" {
		wav, err := device.NewWavFileDevice(opts.RecordPath, StreamProperties.SampleRate, StreamProperties.NumChannels)
		if err != nil {
			capture.Stop()
			return err
		}
		fanOut = device.NewFanOutDevice(opts.QueueCapacity)
		fanOut.AddSink("record", wav)
		streamer.OnChunkReady(fanOut.Push)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.capture = capture
	s.streamer = streamer
	s.fanOut = fanOut
	s.autoGain = autoGain

	s.logger.Info(
		"stream started",
		"mode", opts.Mode,
		"device", capture.DeviceID(),
		"chunkBytes", streamer.ChunkBytes(),
		"record", opts.RecordPath,
		"autoGain", autoGain != nil,
	)

	go s.run(runCtx, streamer, fanOut, s.done)
	return nil
}

func (s *StreamAudioSource) run(
	ctx context.Context,
	streamer *device.ChunkStreamerDevice,
	fanOut *device.FanOutDevice,
	done chan struct{},
) {
	defer close(done)

	// The fan out outlives the streamer so the last chunks reach disk
	fanCtx, fanCancel := context.WithCancel(context.Background())
	defer fanCancel()

	g := new(errgroup.Group)
	if fanOut != nil {
		g.Go(func() error {
			return fanOut.Run(fanCtx)
		})
	}
	g.Go(func() error {
		defer fanCancel()
		return streamer.Run(ctx)
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("stream failed", "err", err)
	}
	if fanOut != nil {
		s.metrics.SetDroppedChunks(fanOut.DroppedChunks())
	}
}

// Stop streaming and release the capture. Safe to call when not running.
func (s *StreamAudioSource) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	s.capture.Stop()
	s.running = false
	s.logger.Info(
		"stream stopped",
		"chunksEmitted", s.streamer.ChunksEmitted(),
		"droppedBytes", s.capture.DroppedBytes(),
	)
}

// Gain applied by the auto gain stage, 1 if the stream has none.
func (s *StreamAudioSource) CurrentGain() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoGain == nil {
		return 1
	}
	return s.autoGain.CurrentGain()
}

func (s *StreamAudioSource) IsCapturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.capture.IsRunning()
}

// Chunks emitted by the running stream
func (s *StreamAudioSource) ChunksEmitted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamer == nil {
		return 0
	}
	return s.streamer.ChunksEmitted()
}
