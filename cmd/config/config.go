package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/internal/utils"
	"github.com/spf13/viper"
)

const EnvPrefix = "LIVECAPTION"

// Load configuration from the defaults, the config file (if it exists) and
// LIVECAPTION_* environment variables, in increasing order of precedence.
// A missing config file is not an error.
func LoadConfig(configFilePath string) error {
	utils.SetViperDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configFilePath == "" {
		return nil
	}
	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			slog.Info("no config file found", "configFilePath", configFilePath)
			return nil
		}
		return fmt.Errorf("error during config read: %w", err)
	}
	return nil
}
