package audioapi

import (
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
)

// Define an API to interface with hardware devices.
// Intended to be an abstract way to:
// - Query existing endpoints (capture and render)
// - Open an endpoint, or a render endpoint in loopback, as a capture stream
//
// Queries never cache: every call enumerates the system afresh.
type AudioIODeviceAPI interface {
	audiodevice.CaptureOpener

	// All active endpoints of a direction. Empty if there are none or the
	// platform is unsupported.
	ListDevices(direction audiodevice.Direction) []audiodevice.DeviceInfo

	// The id of the system default endpoint of a direction, or "".
	DefaultDeviceID(direction audiodevice.Direction) string

	// A human-readable name for an endpoint id.
	DisplayName(id string) string
}

var (
	initOnce    sync.Once
	hardware    AudioIODeviceAPI
	hardwareErr error
)

// Initialize the hardware audio API. The audio subsystem is brought up on
// the first call only; later calls return the same API and error.
//
// If the platform is unsupported, the returned API is still usable: it lists
// no devices and fails to open any.
func Init() (AudioIODeviceAPI, error) {
	initOnce.Do(func() {
		hardware, hardwareErr = newHardwareAPI()
		if hardwareErr != nil {
			slog.Warn("audio hardware unavailable", "err", hardwareErr)
			hardware = UnsupportedAudioIODeviceAPI{}
		}
	})
	return hardware, hardwareErr
}

// The API used when no audio backend could be initialized.
type UnsupportedAudioIODeviceAPI struct{}

func (UnsupportedAudioIODeviceAPI) ListDevices(audiodevice.Direction) []audiodevice.DeviceInfo {
	return nil
}

func (UnsupportedAudioIODeviceAPI) DefaultDeviceID(audiodevice.Direction) string {
	return ""
}

func (UnsupportedAudioIODeviceAPI) DisplayName(id string) string {
	return id
}

func (UnsupportedAudioIODeviceAPI) OpenCapture(
	audiodevice.CaptureMode,
	string,
	audiodevice.CaptureCallbacks,
) (audiodevice.CaptureBackend, error) {
	return nil, audiodevice.ErrUnsupportedPlatform
}

// Find the endpoint of a direction with the given id.
func FindDevice(api AudioIODeviceAPI, direction audiodevice.Direction, id string) (audiodevice.DeviceInfo, bool) {
	for _, d := range api.ListDevices(direction) {
		if d.ID == id {
			return d, true
		}
	}
	return audiodevice.DeviceInfo{}, false
}
