//go:build !cgo

package encoderdecoder

func newOpusEncoderDecoder(sampleRate int, numChannels int) (EncoderDecoder, error) {
	return nil, ErrOpusUnavailable
}
