// Package log provides the structured logger used throughout vism,
// backed by zerolog and shaped like boulder's blog.Logger calling
// convention (Debug/Info/Warning/Audit). Secret redaction is applied
// at the pipeline layer: every logger writes through a redacting
// writer that scrubs openssl -pass/-passin secrets from each line
// before it reaches the sink, so no call site can leak one.
package log

import (
	"io"
	"os"
	"regexp"

	"github.com/rs/zerolog"
)

// Logger is the calling convention the rest of vism codes against.
type Logger interface {
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warning(msg string, kv ...interface{})
	Err(msg string, kv ...interface{})
	// Audit records a message at a level that must never be filtered
	// out by verbosity configuration, mirroring blog.AuditLogger.
	Audit(msg string, kv ...interface{})
}

// sensitivePattern mirrors modules/openssl/config.py's
// LOGGING_SENSITIVE_PATTERNS 'openssl_pass' rule. It is the single
// definition of the rule; callers that need to scrub a string before
// it reaches any log (e.g. crypto/openssl's command logging) use
// Redact.
var sensitivePattern = regexp.MustCompile(`(-pass(?:in)?\s(?:pass|env):)\S+`)

// Redact replaces any -pass/-passin secret in s with [REDACTED].
func Redact(s string) string {
	return sensitivePattern.ReplaceAllString(s, "$1[REDACTED]")
}

// redactingWriter scrubs secrets from every log line on its way to
// the underlying sink.
type redactingWriter struct {
	w io.Writer
}

func (rw redactingWriter) Write(p []byte) (int, error) {
	if _, err := rw.w.Write(sensitivePattern.ReplaceAll(p, []byte("$1[REDACTED]"))); err != nil {
		return 0, err
	}
	// Report the caller's length: redaction may shrink the line, and a
	// short write would make zerolog treat the event as failed.
	return len(p), nil
}

type zlogger struct {
	z zerolog.Logger
}

// New builds a Logger writing to w (os.Stderr in production), tagged
// with component. Output passes through the redacting writer.
func New(w io.Writer, component string) Logger {
	if w == nil {
		w = os.Stderr
	}
	z := zerolog.New(redactingWriter{w: w}).With().Timestamp().Str("component", component).Logger()
	return &zlogger{z: z}
}

func (l *zlogger) with(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		switch v := kv[i+1].(type) {
		case string:
			e = e.Str(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}

func (l *zlogger) Debug(msg string, kv ...interface{}) {
	l.with(l.z.Debug(), kv).Msg(msg)
}

func (l *zlogger) Info(msg string, kv ...interface{}) {
	l.with(l.z.Info(), kv).Msg(msg)
}

func (l *zlogger) Warning(msg string, kv ...interface{}) {
	l.with(l.z.Warn(), kv).Msg(msg)
}

func (l *zlogger) Err(msg string, kv ...interface{}) {
	l.with(l.z.Error(), kv).Msg(msg)
}

func (l *zlogger) Audit(msg string, kv ...interface{}) {
	l.with(l.z.Log(), kv).Str("level", "audit").Msg(msg)
}

// Nop is a Logger that discards everything, used in tests.
var Nop Logger = &zlogger{z: zerolog.Nop()}
