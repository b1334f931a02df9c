//go:build !cgo || noaudio

package audioapi

import (
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
)

func newHardwareAPI() (AudioIODeviceAPI, error) {
	return nil, audiodevice.ErrUnsupportedPlatform
}
