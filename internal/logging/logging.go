// Package logging configures logrus output and provides Gin middleware for
// HTTP request logging and panic recovery.
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/router-for-me/KiroProxyAPI/internal/config"
)

// Configure applies the logging section of the config to the global logrus
// logger. With a file configured, output goes to a rotating file and stderr.
func Configure(cfg config.LoggingConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
		log.Warnf("unknown log level %q, falling back to info", cfg.Level)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
}
