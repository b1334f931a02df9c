//go:build cgo && !noaudio

package audioapi

import (
	internaldevice "github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/device"
)

func newHardwareAPI() (AudioIODeviceAPI, error) {
	api, err := internaldevice.InitMalgo()
	if err != nil {
		return nil, err
	}
	return api, nil
}
