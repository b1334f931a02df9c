package audioapi

import (
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice/device"
)

// A dummy API whose endpoints are synthetic:
// - a default capture endpoint and a default render endpoint
// - any extra ids registered on the underlying DummyCaptureOpener
//
// Every capture produces the opener's tone (or silence).
// This API is intended to be used in testing only!
type DummyAudioIODeviceAPI struct {
	*device.DummyCaptureOpener
}

func NewDummyAudioIODeviceAPI(properties audiodevice.DeviceProperties, toneHz float64) DummyAudioIODeviceAPI {
	return DummyAudioIODeviceAPI{
		DummyCaptureOpener: device.NewDummyCaptureOpener(properties, toneHz),
	}
}

func captureModeFor(direction audiodevice.Direction) audiodevice.CaptureMode {
	if direction == audiodevice.DirectionRender {
		return audiodevice.CaptureModeLoopback
	}
	return audiodevice.CaptureModeCapture
}

func (api DummyAudioIODeviceAPI) ListDevices(direction audiodevice.Direction) []audiodevice.DeviceInfo {
	mode := captureModeFor(direction)
	devices := []audiodevice.DeviceInfo{
		{
			ID:        api.DefaultDeviceID(direction),
			Name:      "Dummy " + direction.String(),
			Direction: direction,
			IsDefault: true,
		},
	}
	for _, id := range api.DeviceIDs[mode] {
		devices = append(devices, audiodevice.DeviceInfo{
			ID:        id,
			Name:      id,
			Direction: direction,
		})
	}
	return devices
}

func (api DummyAudioIODeviceAPI) DefaultDeviceID(direction audiodevice.Direction) string {
	return "default-" + captureModeFor(direction).String()
}

func (api DummyAudioIODeviceAPI) DisplayName(id string) string {
	for _, direction := range []audiodevice.Direction{audiodevice.DirectionCapture, audiodevice.DirectionRender} {
		if d, ok := FindDevice(api, direction, id); ok {
			return d.Name
		}
	}
	return id
}
