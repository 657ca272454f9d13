package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger returns a logger writing to stdout and, if configured, to a rotated log file.
// The returned closer closes the log file.
func newLogger(config LogConfig, stdout io.Writer, trace bool) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	if trace {
		level = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: stdout}}
	var closer io.Closer = io.NopCloser(nil)
	if config.File != "" {
		if err := os.MkdirAll(filepath.Dir(config.File), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("log: create directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    100,
			MaxBackups: 5,
			Compress:   true,
			LocalTime:  true,
		}
		logOutputs = append(logOutputs, rotator)
		closer = rotator
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	logger := zerolog.New(multiWriter).Level(level).
		With().Timestamp().Str("build", buildVersion).Logger()
	return logger, closer, nil
}
