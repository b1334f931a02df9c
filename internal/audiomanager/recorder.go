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

const (
	SourceLoopback = "loopback"
	SourceMic      = "mic"

	// Diagnostics are never logged more often than this
	MinDiagnosticsInterval = 2 * time.Second

	DefaultFadeMs = 30
)

var (
	DefaultRecordingProperties = audiodevice.DeviceProperties{SampleRate: 48000, NumChannels: 2}

	errRecorderRunning    = errors.New("recorder is already running")
	errRecorderNotRunning = errors.New("recorder is not running")
	errNoOutputPath       = errors.New("no output path given")
)

type RecorderOptions struct {
	// The file to record to. Ignored if Sink is set.
	OutputPath string
	Format     RecordingFormat

	// Opus bitrate, clamped to [32, 320] kbps. 0 selects the default.
	BitrateKbps int

	// Write to this sink instead of a file. Closed by the recorder when the
	// recording ends; left open if Start fails.
	Sink audiodevice.FrameSink

	// The mix format. Defaults to DefaultRecordingProperties.
	Properties audiodevice.DeviceProperties

	// Size of each frame handed to the sink. Defaults to 500ms.
	FrameDuration time.Duration

	// Device ids override those from SetDevices. An empty id selects the
	// system default. A source gets a mix branch if it is enabled or has a
	// device id; only branches can be enabled later through UpdateRouting.
	LoopbackDeviceID string
	MicDeviceID      string
	EnableLoopback   bool
	EnableMic        bool

	// Gain control on the mixed output, nil to disable.
	AutoGain *device.AutoGainConfig

	DiagnosticsInterval time.Duration

	// Called with the source name when a capture device stops without
	// being asked to, e.g. because it was unplugged.
	OnCaptureStopped func(source string)
}

func (opts RecorderOptions) withDefaults() RecorderOptions {
	if !opts.Properties.IsValid() {
		opts.Properties = DefaultRecordingProperties
	}
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = device.DefaultWriterFrameDuration
	}
	if opts.Format == "" {
		opts.Format = RecordingFormatOpus
	}
	opts.BitrateKbps = device.ClampOpusBitrateKbps(opts.BitrateKbps)
	opts.DiagnosticsInterval = max(opts.DiagnosticsInterval, MinDiagnosticsInterval)
	return opts
}

// One capture source feeding the mix.
type recorderSource struct {
	name   string
	slot   *device.CaptureSlot
	branch int
}

// A point-in-time view of a running recording.
type RecorderStats struct {
	FramesWritten uint64
	PaddedBytes   uint64
	Sources       []SourceStats
}

type SourceStats struct {
	Name          string
	DeviceID      string
	Properties    audiodevice.DeviceProperties
	Capturing     bool
	Volume        float32
	CapturedBytes uint64
	DroppedBytes  uint64
}

// A Recorder mixes the system loopback and a microphone into a single
// recording.
//
// Each source is captured by its own device into its own ring buffer. The
// MixDevice converts both to the recording format, applies per-source
// volume (with fades) and automatic gain, and a ChunkWriterDevice drains the
// mix into an encoded file at a fixed real time cadence. Sources can be
// switched on and off while recording; a source that is faded out also has
// its capture device stopped.
type Recorder struct {
	logger *slog.Logger
	uuid   uuid.UUID

	api     audiodevice.CaptureOpener
	metrics *metrics.Metrics

	mu               sync.Mutex
	loopbackDeviceID string
	micDeviceID      string
	running          bool
	cancel           context.CancelFunc
	done             chan struct{}
	err              error

	mix     *device.MixDevice
	writer  *device.ChunkWriterDevice
	sources []*recorderSource
}

// Create a recorder opening devices through api. m may be nil.
func NewRecorder(api audiodevice.CaptureOpener, m *metrics.Metrics) *Recorder {
	uuid := uuid.New()
	return &Recorder{
		logger: slog.Default().With(
			"recorder uuid", uuid,
		),
		uuid:    uuid,
		api:     api,
		metrics: m,
	}
}

// Choose the devices for the next recording. Fails while recording: device
// changes require a stop and restart.
func (r *Recorder) SetDevices(loopbackDeviceID, micDeviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errRecorderRunning
	}
	r.loopbackDeviceID = loopbackDeviceID
	r.micDeviceID = micDeviceID
	return nil
}

// Start recording. Captures of enabled sources are opened before Start
// returns; any failure to do so (or to create the output) is returned and
// nothing is left running.
//
// The recording continues until Stop is called or ctx is done. Stop must be
// called in either case to release the devices.
func (r *Recorder) Start(ctx context.Context, opts RecorderOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errRecorderRunning
	}
	opts = opts.withDefaults()

	loopbackID := r.loopbackDeviceID
	if opts.LoopbackDeviceID != "" {
		loopbackID = opts.LoopbackDeviceID
	}
	micID := r.micDeviceID
	if opts.MicDeviceID != "" {
		micID = opts.MicDeviceID
	}

	hasLoopback := opts.EnableLoopback || loopbackID != ""
	hasMic := opts.EnableMic || micID != ""
	if !hasLoopback && !hasMic {
		return audiodevice.ErrNoAudioSource
	}

	mix := device.NewMixDevice(opts.Properties, device.MixDeviceOptions{
		AutoGain: opts.AutoGain,
	})

	var sources []*recorderSource
	addSource := func(name string, mode audiodevice.CaptureMode, deviceID string, enabled bool) {
		slot := device.NewCaptureSlot(r.api, mode, deviceID, device.CaptureDeviceOptions{
			OnStopped: func() { r.onCaptureStopped(name, opts.OnCaptureStopped) },
		})
		sources = append(sources, &recorderSource{
			name:   name,
			slot:   slot,
			branch: mix.AddBranch(name, slot, slot, enabled),
		})
	}
	if hasLoopback {
		addSource(SourceLoopback, audiodevice.CaptureModeLoopback, loopbackID, opts.EnableLoopback)
	}
	if hasMic {
		addSource(SourceMic, audiodevice.CaptureModeCapture, micID, opts.EnableMic)
	}

	stopAll := func() {
		mix.Close()
		for _, s := range sources {
			s.slot.StopCapture()
		}
	}
	for _, s := range sources {
		if mix.BranchTarget(s.branch) == 0 {
			continue
		}
		if err := s.slot.StartCapture(); err != nil {
			r.logger.Error("could not start capture", "source", s.name, "err", err)
			stopAll()
			return fmt.Errorf("could not start %s capture: %w", s.name, err)
		}
	}

	sink := opts.Sink
	if sink == nil {
		var err error
		sink, err = r.openSink(opts)
		if err != nil {
			stopAll()
			return err
		}
	}

	writer := device.NewChunkWriterDevice(device.NewPCM16Device(mix), sink, opts.FrameDuration)

	runCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.err = nil
	r.mix = mix
	r.writer = writer
	r.sources = sources

	r.logger.Info(
		"recording started",
		"output", opts.OutputPath,
		"format", opts.Format,
		"sampleRate", opts.Properties.SampleRate,
		"channels", opts.Properties.NumChannels,
		"loopback", hasLoopback,
		"mic", hasMic,
	)

	go r.run(runCtx, writer, sink, opts.DiagnosticsInterval, r.done)
	return nil
}

func (r *Recorder) openSink(opts RecorderOptions) (audiodevice.FrameSink, error) {
	if opts.OutputPath == "" {
		return nil, errNoOutputPath
	}
	switch opts.Format {
	case RecordingFormatOpus:
		return device.NewOpusFileDevice(opts.OutputPath, opts.Properties, opts.BitrateKbps)
	case RecordingFormatWav:
		return device.NewWavFileDevice(opts.OutputPath, opts.Properties.SampleRate, opts.Properties.NumChannels)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownRecordingFormat, opts.Format)
	}
}

func (r *Recorder) run(
	ctx context.Context,
	writer *device.ChunkWriterDevice,
	sink audiodevice.FrameSink,
	diagnosticsInterval time.Duration,
	done chan struct{},
) {
	defer close(done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return writer.Run(gctx)
	})
	g.Go(func() error {
		r.diagnostics(gctx, diagnosticsInterval)
		return nil
	})
	err := g.Wait()

	if closeErr := sink.Close(); closeErr != nil {
		r.logger.Debug("error while closing sink", "err", closeErr)
	}

	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	if err != nil {
		r.logger.Error("recording failed", "err", err)
	}
}

func (r *Recorder) diagnostics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		mix := r.mix
		r.mu.Unlock()

		stats := r.Stats()
		peak := mix.TakePeak()
		gain := 1.0
		if a := mix.AutoGain(); a != nil {
			gain = a.CurrentGain()
		}

		attrs := []any{
			"framesWritten", stats.FramesWritten,
			"paddedBytes", stats.PaddedBytes,
			"peak", peak,
			"gain", gain,
		}
		for _, s := range stats.Sources {
			attrs = append(attrs, slog.Group(s.Name,
				"device", s.DeviceID,
				"sampleRate", s.Properties.SampleRate,
				"channels", s.Properties.NumChannels,
				"capturing", s.Capturing,
				"volume", s.Volume,
				"capturedBytes", s.CapturedBytes,
				"droppedBytes", s.DroppedBytes,
			))
			r.metrics.SetCapture(s.Name, s.CapturedBytes, s.DroppedBytes, s.Capturing, s.Volume)
		}
		r.metrics.SetWriter(stats.FramesWritten, stats.PaddedBytes)
		r.metrics.SetLevels(peak, gain)
		r.logger.Info("recorder diagnostics", attrs...)
	}
}

func (r *Recorder) onCaptureStopped(source string, callback func(string)) {
	r.logger.Warn("capture stopped unexpectedly", "source", source)
	r.metrics.CaptureStopped(source)
	if callback != nil {
		callback(source)
	}
}

// Fade sources in or out over fadeMs (clamped to [10, 50]). Sources
// without a mix branch are ignored. A newer call replaces a fade in flight.
func (r *Recorder) UpdateRouting(enableLoopback, enableMic bool, fadeMs int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return errRecorderNotRunning
	}

	enabled := make([]bool, r.mix.NumBranches())
	for _, s := range r.sources {
		switch s.name {
		case SourceLoopback:
			enabled[s.branch] = enableLoopback
		case SourceMic:
			enabled[s.branch] = enableMic
		}
	}
	r.logger.Debug("routing update", "loopback", enableLoopback, "mic", enableMic, "fadeMs", fadeMs)
	r.mix.UpdateRouting(enabled, fadeMs)
	return nil
}

// Stop recording: the writer pads and writes its last frame, the output is
// finalized, then the captures are stopped.
//
// Returns the error that ended the recording early, if any. Errors while
// shutting down are only logged.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	r.mix.Close()
	for _, s := range r.sources {
		s.slot.StopCapture()
	}
	r.running = false
	r.logger.Info("recording stopped", "framesWritten", r.writer.FramesWritten())
	return r.err
}

// Closed when the recording ends, whether stopped or failed. Nil when not
// running.
func (r *Recorder) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	return r.done
}

// The error that ended the recording, nil while it is healthy.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Recorder) source(name string) *recorderSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	for _, s := range r.sources {
		if s.name == name {
			return s
		}
	}
	return nil
}

// Whether the running recording has a loopback branch.
func (r *Recorder) HasLoopbackCapture() bool {
	return r.source(SourceLoopback) != nil
}

// Whether the running recording has a microphone branch.
func (r *Recorder) HasMicCapture() bool {
	return r.source(SourceMic) != nil
}

func (r *Recorder) IsLoopbackCapturing() bool {
	s := r.source(SourceLoopback)
	return s != nil && s.slot.IsCapturing()
}

func (r *Recorder) IsMicCapturing() bool {
	s := r.source(SourceMic)
	return s != nil && s.slot.IsCapturing()
}

// Counters of the running recording. Zero valued when not running.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return RecorderStats{}
	}

	stats := RecorderStats{
		FramesWritten: r.writer.FramesWritten(),
		PaddedBytes:   r.writer.PaddedBytes(),
	}
	for _, s := range r.sources {
		stats.Sources = append(stats.Sources, SourceStats{
			Name:          s.name,
			DeviceID:      s.slot.DeviceID(),
			Properties:    s.slot.GetDeviceProperties(),
			Capturing:     s.slot.IsCapturing(),
			Volume:        r.mix.BranchVolume(s.branch),
			CapturedBytes: s.slot.CapturedBytes(),
			DroppedBytes:  s.slot.DroppedBytes(),
		})
	}
	return stats
}
