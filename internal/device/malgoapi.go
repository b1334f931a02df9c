//go:build cgo && !noaudio

package device

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
)

// PulseAudio and PipeWire expose what a sink plays as a capture device with
// this name prefix.
const monitorPrefix = "Monitor of "

var (
	errMalformedDeviceID = errors.New("malformed device id")
	errNoSuchDevice      = errors.New("no device with specified ID")
)

var (
	malgoOnce sync.Once
	malgoAPI  *MalgoAudioAPI
	malgoErr  error
)

// Query and open audio endpoints through miniaudio.
//
// One malgo context is shared by the whole process; it is created on the
// first call to InitMalgo and never released.
type MalgoAudioAPI struct {
	logger *slog.Logger
	uuid   uuid.UUID

	ctx *malgo.AllocatedContext
}

// Initialize the audio subsystem. Safe to call more than once; every call
// returns the same API (or the same initialization error).
func InitMalgo() (*MalgoAudioAPI, error) {
	malgoOnce.Do(func() {
		uuid := uuid.New()
		logger := slog.Default().With(
			"malgo api uuid", uuid,
		)

		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
			logger.Debug("miniaudio", "message", strings.TrimSpace(message))
		})
		if err != nil {
			logger.Error("failed to create malgo context", "err", err)
			malgoErr = fmt.Errorf("failed to create audio context: %w", err)
			return
		}

		malgoAPI = &MalgoAudioAPI{
			logger: logger,
			uuid:   uuid,
			ctx:    ctx,
		}
	})
	return malgoAPI, malgoErr
}

func encodeDeviceID(id malgo.DeviceID) string {
	return hex.EncodeToString(bytes.TrimRight(id[:], "\x00"))
}

func decodeDeviceID(s string) (malgo.DeviceID, error) {
	var id malgo.DeviceID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 || len(b) > len(id) {
		return id, fmt.Errorf("%w: %q", errMalformedDeviceID, s)
	}
	copy(id[:], b)
	return id, nil
}

func malgoDeviceType(direction audiodevice.Direction) malgo.DeviceType {
	if direction == audiodevice.DirectionRender {
		return malgo.Playback
	}
	return malgo.Capture
}

// All active endpoints of a direction. Empty if enumeration fails.
func (api *MalgoAudioAPI) ListDevices(direction audiodevice.Direction) []audiodevice.DeviceInfo {
	typ := malgoDeviceType(direction)
	devices, err := api.ctx.Devices(typ)
	if err != nil {
		api.logger.Error("failed to list devices", "direction", direction, "err", err)
		return nil
	}

	res := make([]audiodevice.DeviceInfo, 0, len(devices))
	seen := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		full, err := api.ctx.DeviceInfo(typ, d.ID, malgo.Shared)
		if err != nil {
			api.logger.Warn("unable to get audio device info", "device", d.Name(), "err", err)
			full = d
		}

		id := encodeDeviceID(full.ID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		res = append(res, audiodevice.DeviceInfo{
			ID:        id,
			Name:      full.Name(),
			Direction: direction,
			IsDefault: full.IsDefault == 1,
		})
	}
	return res
}

// The id of the system default endpoint, or "" if there is none.
func (api *MalgoAudioAPI) DefaultDeviceID(direction audiodevice.Direction) string {
	for _, d := range api.ListDevices(direction) {
		if d.IsDefault {
			return d.ID
		}
	}
	return ""
}

// The name of the endpoint with the given id, in either direction, or the
// id itself if no such endpoint exists.
func (api *MalgoAudioAPI) DisplayName(id string) string {
	for _, direction := range []audiodevice.Direction{audiodevice.DirectionCapture, audiodevice.DirectionRender} {
		if d, ok := api.find(direction, id); ok {
			return d.Name
		}
	}
	return id
}

func (api *MalgoAudioAPI) find(direction audiodevice.Direction, id string) (audiodevice.DeviceInfo, bool) {
	for _, d := range api.ListDevices(direction) {
		if d.ID == id {
			return d, true
		}
	}
	return audiodevice.DeviceInfo{}, false
}

// Open a capture stream. For loopback, deviceID names a render endpoint.
func (api *MalgoAudioAPI) OpenCapture(
	mode audiodevice.CaptureMode,
	deviceID string,
	callbacks audiodevice.CaptureCallbacks,
) (audiodevice.CaptureBackend, error) {
	if mode == audiodevice.CaptureModeLoopback {
		if runtime.GOOS == "windows" {
			return api.openMalgoCapture(malgo.Loopback, deviceID, callbacks)
		}
		monitorID, err := api.resolveMonitor(deviceID)
		if err != nil {
			return nil, err
		}
		return api.openMalgoCapture(malgo.Capture, monitorID, callbacks)
	}
	return api.openMalgoCapture(malgo.Capture, deviceID, callbacks)
}

// Find the capture device monitoring the render endpoint renderID
// (the default endpoint if empty).
func (api *MalgoAudioAPI) resolveMonitor(renderID string) (string, error) {
	var monitors []audiodevice.DeviceInfo
	for _, d := range api.ListDevices(audiodevice.DirectionCapture) {
		if strings.HasPrefix(d.Name, monitorPrefix) {
			monitors = append(monitors, d)
		}
	}
	if len(monitors) == 0 {
		return "", audiodevice.ErrUnsupportedPlatform
	}

	var render audiodevice.DeviceInfo
	if renderID != "" {
		d, ok := api.find(audiodevice.DirectionRender, renderID)
		if !ok {
			return "", fmt.Errorf("%w: %q", errNoSuchDevice, renderID)
		}
		render = d
	} else if id := api.DefaultDeviceID(audiodevice.DirectionRender); id != "" {
		render, _ = api.find(audiodevice.DirectionRender, id)
	}

	for _, m := range monitors {
		if render.Name != "" && m.Name == monitorPrefix+render.Name {
			return m.ID, nil
		}
	}
	if renderID != "" {
		return "", fmt.Errorf("%w: no monitor for %q", errNoSuchDevice, render.Name)
	}
	return monitors[0].ID, nil
}

func (api *MalgoAudioAPI) openMalgoCapture(
	typ malgo.DeviceType,
	deviceID string,
	callbacks audiodevice.CaptureCallbacks,
) (*MalgoCaptureBackend, error) {
	var malgoID *malgo.DeviceID
	if deviceID != "" {
		id, err := decodeDeviceID(deviceID)
		if err != nil {
			return nil, err
		}
		malgoID = &id
	}

	// Open at the native format first, then again if it has more
	// channels than we handle.
	backend, err := newMalgoCaptureBackend(api.ctx, typ, malgoID, 0, callbacks)
	if err != nil {
		return nil, err
	}
	if backend.properties.NumChannels > 2 {
		backend.Close()
		backend, err = newMalgoCaptureBackend(api.ctx, typ, malgoID, 2, callbacks)
		if err != nil {
			return nil, err
		}
	}

	if deviceID == "" {
		backend.id = api.DefaultDeviceID(audiodevice.DirectionCapture)
		if typ == malgo.Loopback {
			backend.id = api.DefaultDeviceID(audiodevice.DirectionRender)
		}
	} else {
		backend.id = deviceID
	}
	return backend, nil
}
