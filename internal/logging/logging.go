// Package logging builds the process logger. Output is composed from up to
// three cores: a console core on stdout (suppressed by quiet mode), a
// syslog core used by unattended runs, and a capture core that buffers
// formatted entries in memory so a failure notification can carry the full
// run log.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects which cores to build and at which level.
type Options struct {
	// Quiet suppresses the console core.
	Quiet bool

	// Verbose lowers the level to debug and annotates logged errors with
	// stack traces.
	Verbose bool

	// SyslogIdent enables the syslog core with the given ident. Empty
	// disables syslog.
	SyslogIdent string

	// Capture enables the in-memory buffer core.
	Capture bool
}

// Buffer accumulates formatted log lines for later delivery by mail.
type Buffer struct {
	mu    sync.Mutex
	lines []string
}

// String returns the buffered lines joined with newlines.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// Empty reports whether nothing has been captured.
func (b *Buffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines) == 0
}

func (b *Buffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
}

// New builds the logger. The returned Buffer is nil unless capture was
// requested; the close function flushes and releases the syslog connection.
func New(opts Options) (*zap.Logger, *Buffer, func()) {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	var cores []zapcore.Core

	if !opts.Quiet {
		consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level))
	}

	closeSyslog := func() {}
	if opts.SyslogIdent != "" {
		if core, closer, err := newSyslogCore(opts.SyslogIdent, level, encoderConfig); err == nil {
			cores = append(cores, core)
			closeSyslog = closer
		}
		// A host without a syslog socket simply logs to the other cores.
	}

	var buffer *Buffer
	if opts.Capture {
		buffer = &Buffer{}
		captureEncoder := zapcore.NewConsoleEncoder(encoderConfig)
		cores = append(cores, zapcore.NewCore(captureEncoder, zapcore.AddSync(&bufferSink{buffer: buffer}), level))
	}

	if len(cores) == 0 {
		cores = append(cores, zapcore.NewNopCore())
	}

	zapOpts := []zap.Option{}
	if opts.Verbose {
		zapOpts = append(zapOpts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zapOpts...)

	closer := func() {
		_ = logger.Sync()
		closeSyslog()
	}
	return logger, buffer, closer
}

// bufferSink adapts a Buffer to zapcore's WriteSyncer.
type bufferSink struct {
	buffer *Buffer
}

func (s *bufferSink) Write(p []byte) (int, error) {
	s.buffer.append(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (s *bufferSink) Sync() error { return nil }
