package encoderdecoder

import (
	"errors"
	"fmt"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
)

type EncoderDecoderTypeEnum string

var EncoderDecoderTypeOpus EncoderDecoderTypeEnum = "opus"

var (
	errEncoderDecoderTypeNotImplemented = errors.New("specified encoderdecoder type is not implemented")

	// Returned when the binary was built without the opus codec (no cgo).
	ErrOpusUnavailable = errors.New("opus support was not compiled in")
)

// Audio encoder/decoder interface.
// Used to encode raw PCM Frames to an encoded frame,
// and decode those frames back to PCM frames
//
// The returned frames reuse internal buffers and are only valid until the
// next call.
type EncoderDecoder interface {
	Encode(pcmData frame.PCMFrame) (frame.EncodedFrame, error)
	Decode(encodedData frame.EncodedFrame) (frame.PCMFrame, error)
}

// Implemented by encoders with an adjustable target bitrate.
type BitrateSetter interface {
	SetBitrate(bitsPerSecond int)
}

// Create a new encoder/decoder of the given type.
// If something goes wrong during creation of an encoder/decoder
// (e.g. the type does not have an implementation) then a nil Encoder/Decoder
// and an error is returned.
func NewEncoderDecoder(
	encoderdecoderID EncoderDecoderTypeEnum,
	sampleRate int,
	numChannels int,
) (EncoderDecoder, error) {
	switch encoderdecoderID {
	case EncoderDecoderTypeOpus:
		return newOpusEncoderDecoder(sampleRate, numChannels)
	default:
		return nil, fmt.Errorf("%w: %q", errEncoderDecoderTypeNotImplemented, encoderdecoderID)
	}
}
