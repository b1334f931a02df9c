package audioapi

import (
	"testing"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/assert"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
)

var testProperties = audiodevice.DeviceProperties{SampleRate: 16000, NumChannels: 1}

// TestDummyAPIListsDevices tests enumeration and default resolution of the
// dummy API.
func TestDummyAPIListsDevices(t *testing.T) {
	t.Parallel()

	api := NewDummyAudioIODeviceAPI(testProperties, 440)
	api.DeviceIDs[audiodevice.CaptureModeCapture] = []string{"usb-mic"}

	captures := api.ListDevices(audiodevice.DirectionCapture)
	assert.DeepEqual(t, len(captures), 2)
	assert.DeepEqual(t, captures[0].ID, api.DefaultDeviceID(audiodevice.DirectionCapture))
	assert.BoolIs(t, captures[0].IsDefault, true)
	assert.DeepEqual(t, captures[1].ID, "usb-mic")

	renders := api.ListDevices(audiodevice.DirectionRender)
	assert.DeepEqual(t, len(renders), 1)
	assert.DeepEqual(t, renders[0].Direction, audiodevice.DirectionRender)

	assert.DeepEqual(t, api.DisplayName(renders[0].ID), "Dummy render")
	assert.DeepEqual(t, api.DisplayName("unknown"), "unknown")

	_, ok := FindDevice(api, audiodevice.DirectionRender, "usb-mic")
	assert.BoolIs(t, ok, false)
}

// TestDummyAPIOpensListedDevices tests that every listed device can be
// opened.
func TestDummyAPIOpensListedDevices(t *testing.T) {
	t.Parallel()

	api := NewDummyAudioIODeviceAPI(testProperties, 0)
	for _, direction := range []audiodevice.Direction{audiodevice.DirectionCapture, audiodevice.DirectionRender} {
		for _, d := range api.ListDevices(direction) {
			b, err := api.OpenCapture(captureModeFor(direction), d.ID, audiodevice.CaptureCallbacks{})
			assert.NilErr(t, err)
			assert.DeepEqual(t, b.DeviceID(), d.ID)
			assert.DeepEqual(t, b.GetDeviceProperties(), testProperties)
			b.Close()
		}
	}
}

// TestUnsupportedAPI tests the API used without an audio backend.
func TestUnsupportedAPI(t *testing.T) {
	t.Parallel()

	var api AudioIODeviceAPI = UnsupportedAudioIODeviceAPI{}
	assert.DeepEqual(t, len(api.ListDevices(audiodevice.DirectionCapture)), 0)
	assert.DeepEqual(t, api.DefaultDeviceID(audiodevice.DirectionRender), "")
	_, err := api.OpenCapture(audiodevice.CaptureModeLoopback, "", audiodevice.CaptureCallbacks{})
	assert.ErrorIs(t, err, audiodevice.ErrUnsupportedPlatform)
}
