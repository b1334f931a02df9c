// Package audiomanager assembles capture, mixing and output devices into
// the two pipelines the application runs: a Recorder, which mixes loopback
// and microphone audio into a file, and a StreamAudioSource, which slices a
// single capture into fixed size chunks for speech recognition.
package audiomanager

import (
	"errors"
	"fmt"
	"strings"
)

var errUnknownRecordingFormat = errors.New("unknown recording format")

// The container and codec of a recording.
type RecordingFormat string

const (
	RecordingFormatOpus RecordingFormat = "opus"
	RecordingFormatWav  RecordingFormat = "wav"
)

func ParseRecordingFormat(s string) (RecordingFormat, error) {
	switch f := RecordingFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case RecordingFormatOpus, RecordingFormatWav:
		return f, nil
	case "":
		return RecordingFormatOpus, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownRecordingFormat, s)
	}
}

func (f RecordingFormat) String() string {
	return string(f)
}
