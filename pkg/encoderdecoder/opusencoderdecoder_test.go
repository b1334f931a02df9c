//go:build cgo

package encoderdecoder

import (
	"math"
	"testing"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/assert"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
)

// TestOpusRoundTrip tests that a 20ms frame survives encoding and decoding
// with its length and rough loudness intact.
func TestOpusRoundTrip(t *testing.T) {
	t.Parallel()

	encdec, err := NewEncoderDecoder(EncoderDecoderTypeOpus, 48000, 2)
	assert.NilErr(t, err)
	encdec.(BitrateSetter).SetBitrate(96000)

	// 20ms of a 440Hz tone, several frames so the codec settles.
	pcm := make(frame.PCMFrame, 960*2)
	var decoded frame.PCMFrame
	for n := range 10 {
		for i := range 960 {
			v := 0.5 * float32(math.Sin(2*math.Pi*440*float64(n*960+i)/48000))
			pcm[2*i], pcm[2*i+1] = v, v
		}
		encoded, err := encdec.Encode(pcm)
		assert.NilErr(t, err)
		if len(encoded) == 0 {
			t.Fatal("empty packet")
		}
		decoded, err = encdec.Decode(encoded)
		assert.NilErr(t, err)
	}
	assert.DeepEqual(t, len(decoded), len(pcm))
	assert.InDelta(t, float64(decoded.Peak()), 0.5, 0.15)
}

// TestUnknownEncoderDecoder tests that unknown types are rejected.
func TestUnknownEncoderDecoder(t *testing.T) {
	t.Parallel()

	_, err := NewEncoderDecoder("mp3", 48000, 2)
	assert.ErrorIs(t, err, errEncoderDecoderTypeNotImplemented)
}
