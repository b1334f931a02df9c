package device

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

var errSinkClosed = errors.New("sink is closed")

// --------------------------------------------------------------------------------
// FileAudioInputDevice

// A CaptureOpener that plays a .WAV file in real time instead of capturing
// from hardware. Every mode and device id resolves to the same file.
//
// The file must be 16 bit PCM, mono or stereo.
type FileCaptureOpener struct {
	AudioFilePath string

	// Restart from the beginning at the end of the file instead of stopping.
	Loop bool

	// The interval between callbacks, 10ms if zero.
	Period time.Duration
}

func (o FileCaptureOpener) OpenCapture(
	mode audiodevice.CaptureMode,
	deviceID string,
	callbacks audiodevice.CaptureCallbacks,
) (audiodevice.CaptureBackend, error) {
	period := o.Period
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	return NewFileAudioInputDevice(o.AudioFilePath, period, o.Loop, callbacks)
}

// An input device that reads from a .WAV file and delivers the samples
// through capture callbacks at the file's real time rate.
type FileAudioInputDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	audioFilePath string
	properties    audiodevice.DeviceProperties
	pcm           []byte
	frameDuration time.Duration
	bytesPerFrame int
	loop          bool
	callbacks     audiodevice.CaptureCallbacks

	mu           sync.Mutex
	running      bool
	done         chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// Load a .WAV file (on the audioFilePath) for playback through callbacks,
// one callback per frameDuration.
func NewFileAudioInputDevice(
	audioFilePath string,
	frameDuration time.Duration,
	loop bool,
	callbacks audiodevice.CaptureCallbacks,
) (*FileAudioInputDevice, error) {
	uuid := uuid.New()
	logger := slog.Default().With(
		"file input device uuid", uuid,
	)

	f, err := os.Open(audioFilePath)
	if err != nil {
		logger.Error(
			"could not open audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		logger.Error(
			"could not decode audio file",
			"audioFile", audioFilePath,
			"err", decoder.Err(),
		)
		return nil, fmt.Errorf("%q is not a valid wav file", audioFilePath)
	}
	if decoder.BitDepth != 16 || (decoder.NumChans != 1 && decoder.NumChans != 2) {
		return nil, fmt.Errorf("unsupported wav format in %q: %d bit, %d channels",
			audioFilePath, decoder.BitDepth, decoder.NumChans)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		logger.Error(
			"could not get full PCM buffer from audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}

	properties := audiodevice.DeviceProperties{
		SampleRate:  int(decoder.SampleRate),
		NumChannels: int(decoder.NumChans),
	}
	pcm := make([]byte, 0, 2*len(buf.Data))
	for _, s := range buf.Data {
		pcm = append(pcm, byte(s), byte(uint16(s)>>8))
	}
	pcm = pcm[:len(pcm)-len(pcm)%properties.BlockAlign()]

	bytesPerFrame := properties.BytesForDuration(frameDuration)
	logger.Debug(
		"loaded audio file",
		"audioFile", audioFilePath,
		"sampleRate", properties.SampleRate,
		"channels", properties.NumChannels,
		"bytesPerFrame", bytesPerFrame,
	)

	return &FileAudioInputDevice{
		logger:        logger,
		uuid:          uuid,
		audioFilePath: audioFilePath,
		properties:    properties,
		pcm:           pcm,
		frameDuration: frameDuration,
		bytesPerFrame: bytesPerFrame,
		loop:          loop,
		callbacks:     callbacks,
		done:          make(chan struct{}),
	}, nil
}

func (d *FileAudioInputDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.running = true

	d.wg.Add(1)
	go d.play()
	return nil
}

func (d *FileAudioInputDevice) play() {
	defer d.wg.Done()
	d.logger.Debug("playing audio")

	ticker := time.NewTicker(d.frameDuration)
	defer ticker.Stop()

	offset := 0
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		if offset >= len(d.pcm) {
			if !d.loop || len(d.pcm) == 0 {
				d.logger.Debug("finished playing")
				// Behaves like a device that went away
				go d.halt()
				return
			}
			offset = 0
		}

		end := min(offset+d.bytesPerFrame, len(d.pcm))
		d.callbacks.Data(d.pcm[offset:end])
		offset = end
	}
}

func (d *FileAudioInputDevice) halt() {
	d.mu.Lock()
	wasRunning := d.running
	d.running = false
	d.mu.Unlock()

	d.shutdownOnce.Do(func() { close(d.done) })
	d.wg.Wait()

	if wasRunning && d.callbacks.Stopped != nil {
		d.callbacks.Stopped()
	}
}

func (d *FileAudioInputDevice) Stop() error {
	d.halt()
	return nil
}

func (d *FileAudioInputDevice) Close() {
	d.logger.Debug("shutdown called")
	d.halt()
}

func (d *FileAudioInputDevice) DeviceID() string {
	return "file:" + d.audioFilePath
}

func (d *FileAudioInputDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}

// --------------------------------------------------------------------------------
// WavFileDevice

// A FrameSink writing PCM16 frames to a .WAV file.
// The file is only valid once closed, as the header holds the data length.
type WavFileDevice struct {
	logger     *slog.Logger
	uuid       uuid.UUID
	encoder    *wav.Encoder
	fileHandle *os.File
	format     *goaudio.Format
	buf        *goaudio.IntBuffer
	samples    []int16

	mu     sync.Mutex
	closed bool
}

// Create a new WavFileDevice that writes incoming PCM16 frames to a .WAV
// file at the specified path.
func NewWavFileDevice(
	audioFilePath string,
	sampleRate int,
	numChannels int,
) (*WavFileDevice, error) {
	uuid := uuid.New()
	logger := slog.Default().With(
		"wav file device uuid", uuid,
	)

	f, err := os.Create(audioFilePath)
	if err != nil {
		logger.Error(
			"could not open audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}

	encoder := wav.NewEncoder(f, sampleRate, 16, numChannels, 1)

	logger.Debug(
		"created audio file",
		"audioFile", audioFilePath,
		"sampleRate", encoder.SampleRate,
		"channels", encoder.NumChans,
	)

	format := &goaudio.Format{
		SampleRate:  sampleRate,
		NumChannels: numChannels,
	}
	return &WavFileDevice{
		logger:     logger,
		uuid:       uuid,
		encoder:    encoder,
		fileHandle: f,
		format:     format,
		buf: &goaudio.IntBuffer{
			Format:         format,
			SourceBitDepth: 16,
		},
	}, nil
}

func (d *WavFileDevice) WriteFrame(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errSinkClosed
	}

	d.samples = frame.PCM16ToInt16(p, d.samples[:0])
	d.buf.Data = d.buf.Data[:0]
	for _, v := range d.samples {
		d.buf.Data = append(d.buf.Data, int(v))
	}
	return d.encoder.Write(d.buf)
}

func (d *WavFileDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errSinkClosed
	}
	return d.fileHandle.Sync()
}

// Finalize the header and close the file.
func (d *WavFileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	return errors.Join(
		d.encoder.Close(),
		d.fileHandle.Sync(),
		d.fileHandle.Close(),
	)
}

func (d *WavFileDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{
		SampleRate:  d.format.SampleRate,
		NumChannels: d.format.NumChannels,
	}
}
