package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/audiomanager"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/networking"
	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe",
	Short: "Stream 16kHz mono audio chunks to a speech recognizer",
	Long: `Capture a single source and slice it into 16kHz mono PCM16 chunks.

Chunks are sent as binary websocket messages to the relay URL, if one is
configured, and optionally recorded to a WAV file.`,
	Args: cobra.NoArgs,
	RunE: runTranscribe,
}

func init() {
	flags := transcribeCmd.Flags()
	flags.String("mode", "loopback", "The source to capture: loopback or capture.")
	flags.String("device", "", "The endpoint to capture. Default endpoint if empty.")
	flags.Int("chunk-ms", 200, "Chunk duration in milliseconds, clamped to [20, 2000].")
	flags.String("relay", "", "Websocket URL of the recognizer, e.g. ws://localhost:8080/audio.")
	flags.String("record", "", "Also record the streamed audio to this WAV file.")
	bindFlags(flags, map[string]string{
		"capturemode":     "mode",
		"capturedevice":   "device",
		"chunkdurationms": "chunk-ms",
		"relayurl":        "relay",
		"recordpath":      "record",
	})
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	mode, err := audiodevice.ParseCaptureMode(viper.GetString("capturemode"))
	if err != nil {
		return err
	}
	opener, err := captureOpener()
	if err != nil {
		return err
	}
	autoGain, err := autoGainConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	source := audiomanager.NewStreamAudioSource(opener, appMetrics)
	if url := viper.GetString("relayurl"); url != "" {
		relay := networking.NewChunkRelay(url, nil, 0, appMetrics)
		source.OnChunkReady(relay.Push)
		g.Go(func() error {
			return relay.Run(gctx)
		})
	} else {
		slog.Info("no relay configured, chunks are only counted")
	}
	if addr := viper.GetString("metricsaddr"); addr != "" {
		g.Go(func() error {
			return appMetrics.Serve(gctx, addr)
		})
	}

	err = source.Start(gctx, audiomanager.StreamAudioSourceOptions{
		Mode:          mode,
		DeviceID:      viper.GetString("capturedevice"),
		ChunkDuration: time.Duration(viper.GetInt("chunkdurationms")) * time.Millisecond,
		RecordPath:    viper.GetString("recordpath"),
		AutoGain:      autoGain,
		OnCaptureStopped: func() {
			slog.Error("capture device lost, stopping")
			cancel()
		},
	})
	if err != nil {
		cancel()
		g.Wait()
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "streaming, interrupt to stop")

	<-gctx.Done()
	source.Stop()
	cancel()
	if err := g.Wait(); err != nil {
		slog.Warn("transcribe service failed", "err", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "streamed %d chunks\n", source.ChunksEmitted())
	if autoGain != nil {
		slog.Info("final auto gain", "gain", source.CurrentGain())
	}
	return nil
}
