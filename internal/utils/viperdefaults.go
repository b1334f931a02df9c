package utils

import "github.com/spf13/viper"

// Set the viper defaults for a livecaption process.
// For use in cmd, as well as tests that read configuration.
func SetViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("logmaxrolls", 5)
	viper.SetDefault("metricsaddr", "")
	viper.SetDefault("diagnosticsintervalseconds", 2)

	// Audio backend: hardware, unless a dummy or file source is selected
	viper.SetDefault("dummyaudio", false)
	viper.SetDefault("simulatefile", "")

	// Recording
	viper.SetDefault("output", "recording.opus")
	viper.SetDefault("encoder", "opus")
	viper.SetDefault("bitrate", 96)
	viper.SetDefault("framedurationms", 500)
	viper.SetDefault("samplerate", 48000)
	viper.SetDefault("channels", 2)
	viper.SetDefault("loopbackdevice", "")
	viper.SetDefault("micdevice", "")
	viper.SetDefault("enableloopback", true)
	viper.SetDefault("enablemic", true)
	viper.SetDefault("fadems", 30)
	viper.SetDefault("autogain.enabled", true)
	viper.SetDefault("autogain.targetrms", 0.12)
	viper.SetDefault("autogain.mingain", 0.5)
	viper.SetDefault("autogain.maxgain", 6.0)
	viper.SetDefault("autogain.smoothing", 0.08)

	// Streaming
	viper.SetDefault("chunkdurationms", 200)
	viper.SetDefault("capturemode", "loopback")
	viper.SetDefault("capturedevice", "")
	viper.SetDefault("relayurl", "")
	viper.SetDefault("recordpath", "")
}
