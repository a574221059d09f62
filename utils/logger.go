package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a zerolog.Logger tagged with the service name, writing to
// stderr. Callers inject it; there is no package-level logger.
func NewLogger(serviceName string) zerolog.Logger {
	return zerolog.New(os.Stderr).With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}

// NewFileLogger writes to the given log file in addition to stderr.
func NewFileLogger(serviceName, logPath string) (zerolog.Logger, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to open log file: %w", err)
	}

	w := io.MultiWriter(os.Stderr, file)
	return zerolog.New(w).With().
		Str("service", serviceName).
		Timestamp().
		Logger(), nil
}

// GetLogPath returns the default log path
func GetLogPath() string {
	return filepath.Join(".", "logs", fmt.Sprintf("app-%s.log", time.Now().Format("2006-01-02")))
}
