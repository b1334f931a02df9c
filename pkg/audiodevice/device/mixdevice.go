package device

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
	"github.com/google/uuid"
)

const (
	MinFadeDuration = 10 * time.Millisecond
	MaxFadeDuration = 50 * time.Millisecond
	fadeStep        = 10 * time.Millisecond

	// Volumes at or below this count as muted
	silentVolume = 1e-3

	// The poll interval when waiting on several branches at once
	mixPollInterval = 5 * time.Millisecond
)

// Controls the hardware behind a mix branch, e.g. a CaptureSlot.
type CaptureController interface {
	StartCapture() error
	StopCapture()
	IsCapturing() bool
}

type MixDeviceOptions struct {
	// Apply an AutoGain stage to the mixed output
	AutoGain *AutoGainConfig

	// Called from the fade goroutine after each applied volume step
	OnVolumeStep func(branch int, volume float32)
}

type mixBranch struct {
	name    string
	capture CaptureController
	volume  *AudioAugmentationDevice
	target  float32
	buf     frame.PCMFrame
}

// A MixDevice sums several sources into one stream of the given format.
//
// Every branch is converted to the mix format first, then scaled by its own
// volume. Volumes are changed with UpdateRouting, which fades them over a
// few milliseconds on a background goroutine and starts or stops the
// branch's capture as it becomes audible or silent.
//
// Read is driven by a single pipeline goroutine. Routing may be changed
// concurrently from any goroutine.
type MixDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	properties   audiodevice.DeviceProperties
	autoGain     *AutoGain
	onVolumeStep func(int, float32)

	// Guards branch targets and the fade task
	mu         sync.Mutex
	branches   []*mixBranch
	fadeCancel context.CancelFunc
	fadeDone   chan struct{}

	// float32 bits of the largest absolute output sample since TakePeak
	peak atomic.Uint32
}

func NewMixDevice(properties audiodevice.DeviceProperties, opts MixDeviceOptions) *MixDevice {
	uuid := uuid.New()
	m := &MixDevice{
		logger: slog.Default().With(
			"mix device uuid", uuid,
		),
		uuid:         uuid,
		properties:   properties,
		onVolumeStep: opts.OnVolumeStep,
	}
	if opts.AutoGain != nil {
		m.autoGain = NewAutoGain(*opts.AutoGain)
	}
	return m
}

// Add a branch reading from source, converted to the mix format.
// capture may be nil for sources without hardware behind them.
//
// The branch starts at full volume if enabled, muted otherwise. Starting the
// capture of an initially enabled branch is up to the caller.
// Returns the branch index used by UpdateRouting.
func (m *MixDevice) AddBranch(
	name string,
	source audiodevice.PCMByteSource,
	capture CaptureController,
	enabled bool,
) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversion := NewAudioFormatConversionDevice(source, m.properties)
	b := &mixBranch{
		name:    name,
		capture: capture,
		volume:  NewAudioAugmentationDevice(conversion),
	}
	if enabled {
		b.target = 1.0
	}
	b.volume.SetVolumeAdjustMagnitude(b.target)

	m.branches = append(m.branches, b)
	m.logger.Debug("added mix branch", "name", name, "enabled", enabled)
	return len(m.branches) - 1
}

// Mix up to len(dst) samples from all branches into dst.
//
// Branches with less data than the fullest branch contribute silence for the
// rest of this call. Returns 0 only when no branch had any data.
func (m *MixDevice) Read(dst frame.PCMFrame) int {
	m.mu.Lock()
	branches := m.branches
	m.mu.Unlock()

	clear(dst)
	filled := 0
	for _, b := range branches {
		b.buf = growFrame(b.buf, len(dst))
		n := b.volume.Read(b.buf)
		for i, v := range b.buf[:n] {
			dst[i] += v
		}
		filled = max(filled, n)
	}
	if filled == 0 {
		return 0
	}

	mixed := dst[:filled]
	mixed.Clip()
	if m.autoGain != nil {
		m.autoGain.ProcessFloat(mixed)
	}
	m.recordPeak(mixed.Peak())
	return filled
}

func (m *MixDevice) recordPeak(p float32) {
	for {
		old := m.peak.Load()
		if p <= math.Float32frombits(old) {
			return
		}
		if m.peak.CompareAndSwap(old, math.Float32bits(p)) {
			return
		}
	}
}

// The largest absolute output sample since the previous call.
func (m *MixDevice) TakePeak() float32 {
	return math.Float32frombits(m.peak.Swap(0))
}

// Wait until a branch may have data. A single capturing branch is waited on
// directly, otherwise this polls.
func (m *MixDevice) WaitForData(ctx context.Context, timeout time.Duration) {
	m.mu.Lock()
	var live []*mixBranch
	for _, b := range m.branches {
		if b.capture == nil || b.capture.IsCapturing() {
			live = append(live, b)
		}
	}
	m.mu.Unlock()

	if len(live) == 1 {
		live[0].volume.WaitForData(ctx, timeout)
		return
	}

	t := time.NewTimer(min(timeout, mixPollInterval))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (m *MixDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return m.properties
}

// Set which branches are audible, fading to the new volumes over fadeMs
// milliseconds (clamped to [10, 50]).
//
// Branches not named in enabled keep their current target. Any fade still in
// flight is cancelled and replaced; only the latest routing is applied.
// Returns immediately; the fade runs in the background.
func (m *MixDevice) UpdateRouting(enabled []bool, fadeMs int) {
	fadeDuration := min(max(time.Duration(fadeMs)*time.Millisecond, MinFadeDuration), MaxFadeDuration)

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range enabled {
		if i >= len(m.branches) {
			break
		}
		if e {
			m.branches[i].target = 1.0
		} else {
			m.branches[i].target = 0.0
		}
	}

	if m.fadeCancel != nil {
		m.fadeCancel()
	}
	prevDone := m.fadeDone

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.fadeCancel = cancel
	m.fadeDone = done

	m.logger.Debug("routing updated", "enabled", enabled, "fade", fadeDuration)
	go m.fade(ctx, prevDone, done, fadeDuration)
}

type fadePlan struct {
	branch     *mixBranch
	index      int
	start, end float32
}

func (m *MixDevice) fade(ctx context.Context, prevDone <-chan struct{}, done chan<- struct{}, fadeDuration time.Duration) {
	defer close(done)

	// The previous fade is already cancelled; wait for it to let go of the volumes
	if prevDone != nil {
		<-prevDone
	}
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	plans := make([]fadePlan, len(m.branches))
	for i, b := range m.branches {
		plans[i] = fadePlan{
			branch: b,
			index:  i,
			start:  b.volume.GetVolumeAdjustMagnitude(),
			end:    b.target,
		}
	}
	m.mu.Unlock()

	// Becoming audible: bring the hardware up while still muted
	for i := range plans {
		p := &plans[i]
		if p.end <= silentVolume || p.branch.capture == nil || p.branch.capture.IsCapturing() {
			continue
		}
		p.start = 0
		p.branch.volume.SetVolumeAdjustMagnitude(0)
		if err := p.branch.capture.StartCapture(); err != nil {
			m.logger.Warn("could not start capture for branch", "branch", p.branch.name, "err", err)
			p.end = 0
			m.mu.Lock()
			p.branch.target = 0
			m.mu.Unlock()
		}
	}

	steps := max(int(fadeDuration/fadeStep), 1)
	ticker := time.NewTicker(fadeStep)
	defer ticker.Stop()
	for step := 1; step <= steps; step++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, p := range plans {
			v := p.end
			if step < steps {
				v = p.start + (p.end-p.start)*float32(step)/float32(steps)
			}
			p.branch.volume.SetVolumeAdjustMagnitude(v)
			if m.onVolumeStep != nil {
				m.onVolumeStep(p.index, v)
			}
		}
	}

	// Silent branches release their hardware
	for _, p := range plans {
		if p.end <= silentVolume && p.branch.capture != nil && p.branch.capture.IsCapturing() {
			m.logger.Debug("stopping capture of muted branch", "branch", p.branch.name)
			p.branch.capture.StopCapture()
		}
	}
}

// Block until the current fade (if any) has finished or was cancelled.
func (m *MixDevice) WaitForFade() {
	m.mu.Lock()
	done := m.fadeDone
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Cancel any fade in flight and wait for it to exit.
func (m *MixDevice) Close() {
	m.mu.Lock()
	if m.fadeCancel != nil {
		m.fadeCancel()
	}
	done := m.fadeDone
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *MixDevice) NumBranches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.branches)
}

// The volume currently applied to a branch.
func (m *MixDevice) BranchVolume(branch int) float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if branch < 0 || branch >= len(m.branches) {
		return 0
	}
	return m.branches[branch].volume.GetVolumeAdjustMagnitude()
}

// The volume a branch is fading toward.
func (m *MixDevice) BranchTarget(branch int) float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if branch < 0 || branch >= len(m.branches) {
		return 0
	}
	return m.branches[branch].target
}

func (m *MixDevice) AutoGain() *AutoGain {
	return m.autoGain
}
