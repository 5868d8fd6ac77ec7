//go:build !windows

package logging

import (
	"log/syslog"

	"go.uber.org/zap/zapcore"
)

// newSyslogCore connects to the local syslog socket with the given ident
// and returns a core that maps zap levels onto syslog severities.
func newSyslogCore(ident string, enab zapcore.LevelEnabler, cfg zapcore.EncoderConfig) (zapcore.Core, func(), error) {
	// The syslog severity carries the level and the writer stamps the
	// time, so the syslog line itself is message-only.
	cfg.TimeKey = ""
	cfg.LevelKey = ""

	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, ident)
	if err != nil {
		return nil, nil, err
	}

	core := &syslogCore{
		LevelEnabler: enab,
		encoder:      zapcore.NewConsoleEncoder(cfg),
		writer:       w,
	}
	return core, func() { _ = w.Close() }, nil
}

type syslogCore struct {
	zapcore.LevelEnabler
	encoder zapcore.Encoder
	writer  *syslog.Writer
}

func (c *syslogCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.encoder = c.encoder.Clone()
	for _, f := range fields {
		f.AddTo(clone.encoder)
	}
	return &clone
}

func (c *syslogCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *syslogCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.encoder.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	msg := buf.String()
	buf.Free()

	switch {
	case ent.Level >= zapcore.ErrorLevel:
		return c.writer.Err(msg)
	case ent.Level == zapcore.WarnLevel:
		return c.writer.Warning(msg)
	case ent.Level == zapcore.DebugLevel:
		return c.writer.Debug(msg)
	default:
		return c.writer.Info(msg)
	}
}

func (c *syslogCore) Sync() error { return nil }
