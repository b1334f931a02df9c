package audiodevice

// Callbacks invoked by a capture backend from the audio driver thread.
// Neither callback may block.
type CaptureCallbacks struct {
	// Receives interleaved PCM16 bytes. The slice is only valid for the
	// duration of the call.
	Data func(pcm []byte)

	// Called once the hardware stream stops, whether requested or not.
	Stopped func()
}

// A single opened hardware stream.
type CaptureBackend interface {
	Start() error
	Stop() error

	// Release all native handles. The backend can not be used afterwards.
	Close()

	// The resolved device identifier.
	DeviceID() string

	// The native format of the opened stream.
	GetDeviceProperties() DeviceProperties
}

// Opens capture backends. An empty deviceID selects the system default
// device for the mode.
type CaptureOpener interface {
	OpenCapture(mode CaptureMode, deviceID string, callbacks CaptureCallbacks) (CaptureBackend, error)
}
