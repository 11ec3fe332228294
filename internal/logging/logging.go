// Package logging builds the process log writer and per-component loggers.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steveyegge/beadsboard/internal/config"
)

// Output returns the writer all component loggers share: stderr, or a
// rotating file when cfg.File is set. The returned closer must be closed on
// shutdown.
func Output(cfg config.LogConfig) (io.Writer, io.Closer) {
	if cfg.File == "" {
		return os.Stderr, io.NopCloser(nil)
	}
	_ = os.MkdirAll(filepath.Dir(cfg.File), 0755)
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	if cfg.Verbose {
		return io.MultiWriter(os.Stderr, lj), lj
	}
	return lj, lj
}

// For returns a logger prefixed with "[component] ".
func For(w io.Writer, component string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

// Default returns the stderr logger used when a component is built without
// one.
func Default(component string) *log.Logger {
	return For(os.Stderr, component)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
