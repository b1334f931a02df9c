package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/assert"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/audiomanager"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/utils"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice/device"
	"github.com/spf13/viper"
)

// TestRecorderOptions tests that configuration maps onto recorder options.
// Not parallel: viper is process wide.
func TestRecorderOptions(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	utils.SetViperDefaults()
	viper.Set("encoder", "wav")
	viper.Set("enablemic", false)
	viper.Set("autogain.maxgain", 100.0)

	opts, err := recorderOptions()
	assert.NilErr(t, err)
	assert.DeepEqual(t, opts.Format, audiomanager.RecordingFormatWav)
	assert.DeepEqual(t, opts.Properties, audiodevice.DeviceProperties{SampleRate: 48000, NumChannels: 2})
	assert.DeepEqual(t, opts.FrameDuration, 500*time.Millisecond)
	assert.BoolIs(t, opts.EnableLoopback, true)
	assert.BoolIs(t, opts.EnableMic, false)
	if opts.AutoGain == nil {
		t.Fatal("autogain not configured")
	}
	assert.DeepEqual(t, opts.AutoGain.MaxGain, 12.0)
	assert.DeepEqual(t, opts.AutoGain.TargetRms, 0.12)

	viper.Set("autogain.enabled", false)
	opts, err = recorderOptions()
	assert.NilErr(t, err)
	assert.BoolIs(t, opts.AutoGain == nil, true)

	viper.Set("encoder", "flac")
	_, err = recorderOptions()
	assert.NonNilErr(t, err)
}

// TestRecordRoutingCommands tests the interactive routing commands.
func TestRecordRoutingCommands(t *testing.T) {
	t.Parallel()

	opener := device.NewDummyCaptureOpener(dummyProperties, 0)
	recorder := audiomanager.NewRecorder(opener, nil)
	err := recorder.Start(context.Background(), audiomanager.RecorderOptions{
		OutputPath:     t.TempDir() + "/out.wav",
		Format:         audiomanager.RecordingFormatWav,
		EnableLoopback: true,
		EnableMic:      true,
	})
	assert.NilErr(t, err)
	defer recorder.Stop()

	rr := &recordRouting{recorder: recorder, loopback: true, mic: true, fadeMs: 10}
	var out bytes.Buffer
	stop := make(chan struct{})
	rr.readCommands(strings.NewReader("m\nx\nq\nl\n"), &out, stop)

	assert.ChanWritten(t, stop)
	assert.BoolIs(t, rr.mic, false)
	assert.BoolIs(t, rr.loopback, true)
	assert.Contains(t, strings.Split(strings.TrimSpace(out.String()), "\n"), "loopback: true, mic: false")
	assert.Eventually(t, func() bool { return !recorder.IsMicCapturing() }, time.Second)
	assert.BoolIs(t, recorder.IsLoopbackCapturing(), true)
}

var errFullDisk = errors.New("no space left on device")

type fullDiskSink struct{}

func (fullDiskSink) WriteFrame(p []byte) error { return errFullDisk }
func (fullDiskSink) Flush() error              { return nil }
func (fullDiskSink) Close() error              { return nil }

// TestWaitRecordingSinkFailure tests that the record command stops waiting
// once the output fails, without an interrupt or a quit command.
func TestWaitRecordingSinkFailure(t *testing.T) {
	t.Parallel()

	opener := device.NewDummyCaptureOpener(dummyProperties, 0)
	recorder := audiomanager.NewRecorder(opener, nil)
	err := recorder.Start(context.Background(), audiomanager.RecorderOptions{
		Sink:          fullDiskSink{},
		FrameDuration: 20 * time.Millisecond,
		EnableMic:     true,
	})
	assert.NilErr(t, err)

	done := make(chan struct{})
	go func() {
		waitRecording(context.Background(), recorder, make(chan struct{}))
		close(done)
	}()
	assert.ChanClosed(t, done)
	assert.ErrorIs(t, recorder.Stop(), errFullDisk)
}
