package logging

import (
	"io"
	"os"
	"strings"

	"github.com/metergate/metergate/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global logrus logger from config.
//
// When a log file is configured, output goes to both stdout and a
// size-rotated file; otherwise stdout only.
func Setup(cfg config.LoggingConfig) {
	level, errParse := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if errParse != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if strings.TrimSpace(cfg.File) == "" {
		log.SetOutput(os.Stdout)
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
		MaxAge:     orDefault(cfg.MaxAgeDays, 30),
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
}

func orDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
