// Package logging builds the per-component loggers used across readsync.
//
// Every component logs through a *log.Logger prefixed with "[component] ".
// When a log file is configured, output goes to a lumberjack-rotated file
// instead of stderr.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File is the log file path; empty logs to stderr
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Verbose enables Debug loggers
	Verbose bool
}

// Logging hands out component loggers sharing one output.
type Logging struct {
	out     io.Writer
	rotator *lumberjack.Logger
	verbose bool

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New opens the configured output.
func New(opts Options) (*Logging, error) {
	l := &Logging{
		out:     os.Stderr,
		verbose: opts.Verbose,
		loggers: make(map[string]*log.Logger),
	}
	if opts.File == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	l.rotator = &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	l.out = l.rotator
	return l, nil
}

// Writer returns the shared output.
func (l *Logging) Writer() io.Writer {
	return l.out
}

// Logger returns the logger for a component, creating it on first use.
func (l *Logging) Logger(component string) *log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lg, ok := l.loggers[component]; ok {
		return lg
	}
	lg := log.New(l.out, "["+component+"] ", log.LstdFlags)
	l.loggers[component] = lg
	return lg
}

// Debug returns a logger that only writes when Verbose is set.
func (l *Logging) Debug(component string) *log.Logger {
	if !l.verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(l.out, "["+component+"] DEBUG ", log.LstdFlags|log.Lmicroseconds)
}

// Rotate closes the current log file and starts a new one.
func (l *Logging) Rotate() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Rotate()
}

// Close closes the log file, if any.
func (l *Logging) Close() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}
