package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/encoderdecoder"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const (
	MinOpusBitrateKbps     = 32
	MaxOpusBitrateKbps     = 320
	DefaultOpusBitrateKbps = 96

	opusPacketDuration = 20 * time.Millisecond

	// Ogg granule positions for opus always count 48kHz samples
	opusGranuleRate = 48000
)

func ClampOpusBitrateKbps(kbps int) int {
	if kbps <= 0 {
		return DefaultOpusBitrateKbps
	}
	return min(max(kbps, MinOpusBitrateKbps), MaxOpusBitrateKbps)
}

// A FrameSink encoding PCM16 frames to an Ogg/Opus file.
//
// Frames of any whole-sample length are accepted; they are cut into 20ms
// opus packets, and a remainder is held until the next frame (or padded
// with silence on Close). Packets are written to disk as they are encoded.
type OpusFileDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	properties audiodevice.DeviceProperties
	encoder    encoderdecoder.EncoderDecoder
	ogg        *oggwriter.OggWriter

	packetBytes  int
	packetTicks  uint32
	pending      []byte
	samples      frame.PCMFrame
	sequence     uint16
	timestamp    uint32
	packetsTotal uint64

	mu     sync.Mutex
	closed bool
}

// Create an Ogg/Opus file at audioFilePath. The sample rate must be one opus
// supports (8000, 12000, 16000, 24000 or 48000) and the bitrate is clamped
// to [32, 320] kbps.
func NewOpusFileDevice(
	audioFilePath string,
	properties audiodevice.DeviceProperties,
	bitrateKbps int,
) (*OpusFileDevice, error) {
	uuid := uuid.New()
	logger := slog.Default().With(
		"opus file device uuid", uuid,
	)

	encoder, err := encoderdecoder.NewEncoderDecoder(
		encoderdecoder.EncoderDecoderTypeOpus,
		properties.SampleRate,
		properties.NumChannels,
	)
	if err != nil {
		logger.Error("could not create opus encoder", "err", err)
		return nil, err
	}

	bitrateKbps = ClampOpusBitrateKbps(bitrateKbps)
	if s, ok := encoder.(encoderdecoder.BitrateSetter); ok {
		s.SetBitrate(bitrateKbps * 1000)
	}

	ogg, err := oggwriter.New(audioFilePath, uint32(properties.SampleRate), uint16(properties.NumChannels))
	if err != nil {
		logger.Error(
			"could not create audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, fmt.Errorf("could not create ogg file: %w", err)
	}

	logger.Debug(
		"created audio file",
		"audioFile", audioFilePath,
		"sampleRate", properties.SampleRate,
		"channels", properties.NumChannels,
		"bitrateKbps", bitrateKbps,
	)

	return &OpusFileDevice{
		logger:      logger,
		uuid:        uuid,
		properties:  properties,
		encoder:     encoder,
		ogg:         ogg,
		packetBytes: properties.BytesForDuration(opusPacketDuration),
		packetTicks: uint32(opusGranuleRate * opusPacketDuration / time.Second),
	}, nil
}

func (d *OpusFileDevice) WriteFrame(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errSinkClosed
	}

	d.pending = append(d.pending, p...)
	consumed := 0
	for len(d.pending)-consumed >= d.packetBytes {
		if err := d.writePacket(d.pending[consumed : consumed+d.packetBytes]); err != nil {
			return err
		}
		consumed += d.packetBytes
	}
	d.pending = d.pending[:copy(d.pending, d.pending[consumed:])]
	return nil
}

// Must hold mu
func (d *OpusFileDevice) writePacket(pcm []byte) error {
	d.samples = frame.PCM16ToFrame(pcm, d.samples[:0])
	encoded, err := d.encoder.Encode(d.samples)
	if err != nil {
		return fmt.Errorf("could not encode opus packet: %w", err)
	}

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: d.sequence,
			Timestamp:      d.timestamp,
		},
		Payload: encoded,
	}
	if err := d.ogg.WriteRTP(packet); err != nil {
		return fmt.Errorf("could not write ogg page: %w", err)
	}

	d.sequence++
	d.timestamp += d.packetTicks
	d.packetsTotal++
	return nil
}

// Pages are written straight to the file, so there is nothing to flush.
func (d *OpusFileDevice) Flush() error {
	return nil
}

// Pad and encode any buffered remainder, then finalize the file.
func (d *OpusFileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var writeErr error
	if len(d.pending) > 0 {
		packet := make([]byte, d.packetBytes)
		copy(packet, d.pending)
		d.pending = d.pending[:0]
		writeErr = d.writePacket(packet)
	}

	closeErr := d.ogg.Close()
	d.logger.Debug("closed audio file", "packets", d.packetsTotal)
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

func (d *OpusFileDevice) PacketsWritten() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.packetsTotal
}

func (d *OpusFileDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}
