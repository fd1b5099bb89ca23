// control/logging.go
// Author: momentics <momentics@gmail.com>
//
// Logger setup: level, format and optional rotating file output.

package control

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging applies cfg to the logrus standard logger. The returned closer
// releases the log file, if one was opened.
func SetupLogging(cfg LogConfig) (io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("log format: unknown format %q", cfg.Format)
	}

	if cfg.File.Path == "" {
		logrus.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File.Path,
		MaxSize:    cfg.File.MaxSizeMB,  // megabytes
		MaxBackups: cfg.File.MaxBackups, // number of backups
		MaxAge:     cfg.File.MaxAgeDays, // days
		Compress:   cfg.File.Compress,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, file))
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
