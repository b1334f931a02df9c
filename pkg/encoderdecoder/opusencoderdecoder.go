//go:build cgo

package encoderdecoder

import (
	"fmt"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/frame"
	"github.com/companyzero/gopus"
)

type OpusEncoderDecoder struct {
	sampleRate  int
	numChannels int

	encoder       *gopus.Encoder
	encodingPCM   []int16
	encodingFrame frame.EncodedFrame
	decoder       *gopus.Decoder
	decodingPCM   []int16
	decodedFrame  frame.PCMFrame
}

// The longest frame opus accepts is 120ms
const maxOpusFrameMs = 120

func newOpusEncoderDecoder(sampleRate int, numChannels int) (EncoderDecoder, error) {
	encoder, err := gopus.NewEncoder(sampleRate, numChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("could not create opus encoder: %w", err)
	}
	decoder, err := gopus.NewDecoder(sampleRate, numChannels)
	if err != nil {
		return nil, fmt.Errorf("could not create opus decoder: %w", err)
	}

	bufferSize := sampleRate * numChannels * maxOpusFrameMs / 1000
	return &OpusEncoderDecoder{
		sampleRate:    sampleRate,
		numChannels:   numChannels,
		encoder:       encoder,
		encodingPCM:   make([]int16, 0, bufferSize),
		encodingFrame: make(frame.EncodedFrame, 4000),
		decoder:       decoder,
		decodingPCM:   make([]int16, bufferSize),
		decodedFrame:  make(frame.PCMFrame, 0, bufferSize),
	}, nil
}

// Encode a single opus frame. pcmData must hold exactly one valid opus
// frame duration (2.5, 5, 10, 20, 40 or 60ms) of interleaved samples.
func (encdec *OpusEncoderDecoder) Encode(pcmData frame.PCMFrame) (frame.EncodedFrame, error) {
	encdec.encodingPCM = encdec.encodingPCM[:0]
	for _, v := range pcmData {
		encdec.encodingPCM = append(encdec.encodingPCM, frame.Float32ToInt16(v))
	}

	frameSize := len(pcmData) / encdec.numChannels
	encoded, err := encdec.encoder.Encode(encdec.encodingPCM, frameSize, encdec.encodingFrame)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func (encdec *OpusEncoderDecoder) Decode(encodedData frame.EncodedFrame) (frame.PCMFrame, error) {
	frameSize := len(encdec.decodingPCM) / encdec.numChannels
	decoded, err := encdec.decoder.Decode(encodedData, frameSize, false, encdec.decodingPCM)
	if err != nil {
		return nil, err
	}

	encdec.decodedFrame = encdec.decodedFrame[:0]
	for _, s := range decoded {
		encdec.decodedFrame = append(encdec.decodedFrame, float32(s)/32768)
	}
	return encdec.decodedFrame, nil
}

func (encdec *OpusEncoderDecoder) SetBitrate(bitsPerSecond int) {
	encdec.encoder.SetBitrate(bitsPerSecond)
}
