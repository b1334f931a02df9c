package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/cmd/config"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/metrics"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/utils"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice/device"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	configFilePath string

	logFile    io.Closer
	appMetrics *metrics.Metrics
)

// The format of the synthetic devices of --dummy
var dummyProperties = audiodevice.DeviceProperties{SampleRate: 48000, NumChannels: 2}

var rootCmd = &cobra.Command{
	Use:   "livecaption",
	Short: "Capture, mix and record system audio and microphone",
	Long: `livecaption captures the system output (loopback) and a microphone,
records the mix to an Opus or WAV file, and streams audio in chunks to a
speech recognizer.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadConfig(configFilePath); err != nil {
			return err
		}

		var err error
		logFile, err = utils.ConfigureDefaultLogger(
			viper.GetString("loglevel"),
			viper.GetString("logfile"),
			viper.GetInt("logmaxrolls"),
			slog.HandlerOptions{},
		)
		if err != nil {
			return fmt.Errorf("could not configure logger: %w", err)
		}

		appMetrics = metrics.New()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFilePath, "config", "config.yaml", "Set the file path to the config file.")

	flags := rootCmd.PersistentFlags()
	flags.String("loglevel", "info", "Log level: none, error, warn, info or debug.")
	flags.String("logfile", "", "Write logs to this rotated file instead of stdout.")
	flags.String("metricsaddr", "", "Serve Prometheus metrics on this address, e.g. :9090.")
	flags.Bool("dummy", false, "Use synthetic devices instead of audio hardware.")
	flags.String("simulate", "", "Capture from this WAV file, looped, instead of audio hardware.")
	bindFlags(flags, map[string]string{
		"loglevel":     "loglevel",
		"logfile":      "logfile",
		"metricsaddr":  "metricsaddr",
		"dummyaudio":   "dummy",
		"simulatefile": "simulate",
	})

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(transcribeCmd)
}

// Bind viper keys to the flags with the given names.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// The device API selected by configuration.
func deviceAPI() (audioapi.AudioIODeviceAPI, error) {
	if viper.GetBool("dummyaudio") {
		return audioapi.NewDummyAudioIODeviceAPI(dummyProperties, 440), nil
	}
	return audioapi.Init()
}

// The capture opener selected by configuration.
func captureOpener() (audiodevice.CaptureOpener, error) {
	if path := viper.GetString("simulatefile"); path != "" {
		slog.Info("simulating capture from file", "path", path)
		return device.FileCaptureOpener{AudioFilePath: path, Loop: true}, nil
	}
	return deviceAPI()
}

// A context cancelled on interrupt or termination.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
