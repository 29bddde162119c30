// Package log provides the logging backend shared by the EchoTrace server,
// client and supporting services. It is built on go-logging with one
// leveled backend and per-module loggers.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Backend is a leveled log backend writing to stdout, a file, or nowhere
type Backend struct {
	sync.RWMutex

	leveled logging.LeveledBackend
	w       io.WriteCloser

	file    string
	level   string
	disable bool
}

// New initializes a logging backend. An empty file logs to stdout.
func New(file, level string, disable bool) (*Backend, error) {
	b := &Backend{
		file:    file,
		level:   level,
		disable: disable,
	}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// Discard returns a backend that drops everything. Library types fall back
// to it when the caller does not supply a logger.
func Discard() *Backend {
	b, err := New("", "ERROR", true)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Backend) open() error {
	lvl, err := ParseLevel(b.level)
	if err != nil {
		return err
	}

	switch {
	case b.disable:
		b.w = nopCloser{io.Discard}
	case b.file == "":
		b.w = nopCloser{os.Stdout}
	default:
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("log: failed to open log file: %w", err)
		}
		b.w = f
	}

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(logFormat))
	b.leveled = logging.AddModuleLevel(formatted)
	b.leveled.SetLevel(lvl, "")
	return nil
}

// Log implements logging.Backend
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.Log(level, calldepth, record)
}

// GetLevel implements logging.Leveled
func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.GetLevel(module)
}

// SetLevel implements logging.Leveled
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.leveled.SetLevel(level, module)
}

// IsEnabledFor implements logging.Leveled
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// GetLogWriter returns an io.Writer that logs each written line to the
// module logger at the given level. It is meant for libraries that only
// accept a writer.
func (b *Backend) GetLogWriter(module, level string) io.Writer {
	lvl, err := ParseLevel(level)
	if err != nil {
		panic("log: GetLogWriter(): " + err.Error())
	}
	return &logWriter{m: b.GetLogger(module), lvl: lvl}
}

// Rotate reopens the log file. It is a no-op for stdout and disabled backends.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	return b.open()
}

// Close releases the log file, if any
func (b *Backend) Close() error {
	b.Lock()
	defer b.Unlock()
	return b.w.Close()
}

// ParseLevel maps a level name to a go-logging level
func ParseLevel(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}

type logWriter struct {
	m   *logging.Logger
	lvl logging.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		s := strings.TrimSpace(line)
		if s == "" {
			continue
		}
		switch w.lvl {
		case logging.ERROR:
			w.m.Error(s)
		case logging.WARNING:
			w.m.Warning(s)
		case logging.NOTICE:
			w.m.Notice(s)
		case logging.INFO:
			w.m.Info(s)
		default:
			w.m.Debug(s)
		}
	}
	return len(p), nil
}
