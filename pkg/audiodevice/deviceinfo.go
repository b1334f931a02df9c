package audiodevice

import (
	"errors"
	"fmt"
	"strings"
)

type Direction int

const (
	DirectionCapture Direction = iota
	DirectionRender
)

func (d Direction) String() string {
	switch d {
	case DirectionCapture:
		return "capture"
	case DirectionRender:
		return "render"
	default:
		return "unknown"
	}
}

// What a capture device records from.
type CaptureMode int

const (
	// Record an input endpoint, e.g. a microphone.
	CaptureModeCapture CaptureMode = iota

	// Record what a render endpoint is playing, e.g. system audio.
	CaptureModeLoopback
)

func (m CaptureMode) String() string {
	if m == CaptureModeLoopback {
		return "loopback"
	}
	return "capture"
}

// Parse "loopback" or "capture" (also "mic", "microphone").
func ParseCaptureMode(s string) (CaptureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "loopback", "system":
		return CaptureModeLoopback, nil
	case "capture", "mic", "microphone", "":
		return CaptureModeCapture, nil
	default:
		return CaptureModeCapture, fmt.Errorf("unknown capture mode %q", s)
	}
}

// Loopback records from a render endpoint, so device ids for loopback
// refer to render devices.
func (m CaptureMode) Direction() Direction {
	if m == CaptureModeLoopback {
		return DirectionRender
	}
	return DirectionCapture
}

// An immutable snapshot of a system audio endpoint.
// Enumerate fresh on each query rather than caching.
type DeviceInfo struct {
	// Opaque identifier from the underlying audio API.
	ID string

	// A human-readable name, not canonical.
	Name string

	Direction Direction
	IsDefault bool
}

func (d DeviceInfo) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "ID:        %s\n", d.ID)
	fmt.Fprintf(&sb, "Name:      %s\n", d.Name)
	fmt.Fprintf(&sb, "Direction: %s\n", d.Direction)
	fmt.Fprintf(&sb, "Default:   %t\n", d.IsDefault)
	return sb.String()
}

var (
	ErrDeviceResolution    = errors.New("could not resolve audio device")
	ErrUnsupportedPlatform = errors.New("audio capture is not supported on this platform")
	ErrNoAudioSource       = errors.New("no audio source enabled")
)

// Returned when neither the requested device nor the system default device
// could be opened.
type DeviceResolutionError struct {
	Mode     CaptureMode
	DeviceID string

	// The error opening the requested device (nil if none was requested)
	RequestedErr error
	// The error opening the default device
	DefaultErr error
}

func (e *DeviceResolutionError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("could not open default %s device: %v", e.Mode, e.DefaultErr)
	}
	return fmt.Sprintf("could not open %s device %q (%v) or the default device (%v)",
		e.Mode, e.DeviceID, e.RequestedErr, e.DefaultErr)
}

func (e *DeviceResolutionError) Unwrap() []error {
	return []error{ErrDeviceResolution, e.RequestedErr, e.DefaultErr}
}
