package utils

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
)

// Log files roll over at this size
const logRotateThresholdKB = 10 * 1024

var errUnexpectedLogLevel = errors.New("unexpected log level")

// Parse a log level name. Valid log levels are "error", "warn", "info" and
// "debug".
func ParseLogLevel(logLevel string) (slog.Level, error) {
	switch logLevel {
	case "error":
		return slog.LevelError, nil
	case "warn":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", errUnexpectedLogLevel, logLevel)
	}
}

// Configure the slog logger with a specific log level and potential output file.
//
// Valid log levels are "none", "error", "warn", "info", "debug". Any other value returns an error.
// logFile may either specify a file path (an error is returned if the path cannot be opened) or none,
// in which case the logger points to stdout. Log files are written as JSON and
// rotated by size, keeping at most maxRolls old files (0 keeps all).
//
// Returns the log file writer, so it may be gracefully shut:
// ```
// logFile, err := utils.ConfigureDefaultLogger(...)
//
//	if logFile != nil{
//		defer logFile.Close()
//	}
//
// ```
func ConfigureDefaultLogger(logLevel string, logFile string, maxRolls int, loggerOptions slog.HandlerOptions) (io.Closer, error) {
	if logLevel == "none" {
		// No logging is required, disable the logger and return
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil, nil
	}

	level, err := ParseLogLevel(logLevel)
	if err != nil {
		return nil, err
	}
	loggerOptions.Level = level

	// --------------------------------------------------------------------------------

	if logFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &loggerOptions)))
		return nil, nil
	}

	if logDir := filepath.Dir(logFile); logDir != "." {
		if err := os.MkdirAll(logDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	logRotator, err := rotator.New(logFile, logRotateThresholdKB, false, maxRolls)
	if err != nil {
		return nil, fmt.Errorf("failed to create file rotator: %w", err)
	}

	// --------------------------------------------------------------------------------

	slog.SetDefault(slog.New(slog.NewJSONHandler(logRotator, &loggerOptions)))
	return logRotator, nil
}
