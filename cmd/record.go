package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/audiomanager"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice/device"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var recordDuration time.Duration

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the mix of loopback and microphone to a file",
	Long: `Record the system output and the microphone, mixed, to an Opus or WAV file.

While recording, type a line on stdin to change the routing:
  l    toggle the loopback source
  m    toggle the microphone
  q    stop recording`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

func init() {
	flags := recordCmd.Flags()
	flags.StringP("output", "o", "recording.opus", "The file to record to.")
	flags.String("encoder", "opus", "The recording format: opus or wav.")
	flags.Int("bitrate", 96, "Opus bitrate in kbps, clamped to [32, 320].")
	flags.String("loopback-device", "", "Render endpoint to capture in loopback. Default endpoint if empty.")
	flags.String("mic-device", "", "Capture endpoint to record. Default endpoint if empty.")
	flags.Bool("loopback", true, "Record the loopback source from the start.")
	flags.Bool("mic", true, "Record the microphone from the start.")
	flags.DurationVar(&recordDuration, "duration", 0, "Stop after this long. Record until interrupted if 0.")
	bindFlags(flags, map[string]string{
		"output":         "output",
		"encoder":        "encoder",
		"bitrate":        "bitrate",
		"loopbackdevice": "loopback-device",
		"micdevice":      "mic-device",
		"enableloopback": "loopback",
		"enablemic":      "mic",
	})
}

// Recorder options from configuration.
func recorderOptions() (audiomanager.RecorderOptions, error) {
	format, err := audiomanager.ParseRecordingFormat(viper.GetString("encoder"))
	if err != nil {
		return audiomanager.RecorderOptions{}, err
	}

	opts := audiomanager.RecorderOptions{
		OutputPath:  viper.GetString("output"),
		Format:      format,
		BitrateKbps: viper.GetInt("bitrate"),
		Properties: audiodevice.DeviceProperties{
			SampleRate:  viper.GetInt("samplerate"),
			NumChannels: viper.GetInt("channels"),
		},
		FrameDuration:       time.Duration(viper.GetInt("framedurationms")) * time.Millisecond,
		LoopbackDeviceID:    viper.GetString("loopbackdevice"),
		MicDeviceID:         viper.GetString("micdevice"),
		EnableLoopback:      viper.GetBool("enableloopback"),
		EnableMic:           viper.GetBool("enablemic"),
		DiagnosticsInterval: time.Duration(viper.GetInt("diagnosticsintervalseconds")) * time.Second,
		OnCaptureStopped: func(source string) {
			slog.Warn("capture device lost, recording continues without it", "source", source)
		},
	}

	opts.AutoGain, err = autoGainConfig()
	return opts, err
}

// Auto gain settings from configuration, nil if auto gain is disabled.
func autoGainConfig() (*device.AutoGainConfig, error) {
	if !viper.GetBool("autogain.enabled") {
		return nil, nil
	}
	var autoGain device.AutoGainConfig
	if err := viper.UnmarshalKey("autogain", &autoGain); err != nil {
		return nil, fmt.Errorf("invalid autogain configuration: %w", err)
	}
	autoGain = autoGain.Normalize()
	return &autoGain, nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	opener, err := captureOpener()
	if err != nil {
		return err
	}
	opts, err := recorderOptions()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if recordDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, recordDuration)
		defer cancel()
	}

	recorder := audiomanager.NewRecorder(opener, appMetrics)
	if err := recorder.Start(ctx, opts); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recording to %s, interrupt or type q to stop\n", opts.OutputPath)

	g, gctx := errgroup.WithContext(ctx)
	if addr := viper.GetString("metricsaddr"); addr != "" {
		g.Go(func() error {
			return appMetrics.Serve(gctx, addr)
		})
	}

	routing := &recordRouting{
		recorder: recorder,
		loopback: opts.EnableLoopback,
		mic:      opts.EnableMic,
		fadeMs:   viper.GetInt("fadems"),
	}
	stop := make(chan struct{})
	go routing.readCommands(cmd.InOrStdin(), cmd.OutOrStdout(), stop)

	waitRecording(gctx, recorder, stop)
	recordErr := recorder.Stop()
	cancel()
	if err := g.Wait(); err != nil {
		slog.Warn("metrics endpoint failed", "err", err)
	}
	if recordErr != nil {
		return recordErr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recording saved to %s\n", opts.OutputPath)
	return nil
}

// Block until ctx is done, stop is closed or the recording ends by itself,
// e.g. because the output can no longer be written.
func waitRecording(ctx context.Context, recorder *audiomanager.Recorder, stop <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-stop:
	case <-recorder.Done():
		slog.Error("recording ended early", "err", recorder.Err())
	}
}

// Interactive routing of a running recording.
type recordRouting struct {
	recorder *audiomanager.Recorder
	loopback bool
	mic      bool
	fadeMs   int
}

// Apply routing commands read from r until r is exhausted or a quit command
// is read, then close stop.
func (rr *recordRouting) readCommands(r io.Reader, w io.Writer, stop chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "l":
			rr.loopback = !rr.loopback
		case "m":
			rr.mic = !rr.mic
		case "q":
			close(stop)
			return
		default:
			fmt.Fprintln(w, "unknown command, use l, m or q")
			continue
		}

		if err := rr.recorder.UpdateRouting(rr.loopback, rr.mic, rr.fadeMs); err != nil {
			slog.Warn("could not update routing", "err", err)
			continue
		}
		if (rr.loopback && !rr.recorder.HasLoopbackCapture()) || (rr.mic && !rr.recorder.HasMicCapture()) {
			fmt.Fprintln(w, "source was not configured at start and stays off")
		}
		fmt.Fprintf(w, "loopback: %t, mic: %t\n", rr.loopback, rr.mic)
	}
}
