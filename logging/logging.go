// Package logging provides the engine's structured logging setup: intelligent
// stdout/stderr stream routing, a Verbose level below Debug for wire-level
// tracing, and a redaction hook that keeps credentials and tokens out of
// logs even when a caller accidentally logs a whole request.
package logging

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// Verbose sits below logrus.DebugLevel and is used for per-record tracing
// of the pull/push protocol, the kind of logging that is useful when
// diagnosing a sync issue in the field but far too noisy for normal debug
// output.
const Verbose = logrus.TraceLevel

// outputSplitter routes error-level log lines to stderr and everything else
// to stdout, so container log collectors can apply different handling to
// each stream without parsing log bodies.
type outputSplitter struct{}

func (outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) ||
		bytes.Contains(p, []byte(`"level":"error"`)) || bytes.Contains(p, []byte(`"level":"fatal"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Config configures a logger built by New.
type Config struct {
	Level  string // debug, info, warn, error, or verbose
	Format string // "json" or "text"
}

// New builds a logrus.Logger configured the way the engine expects:
// output split by level, optional JSON formatting for production, and a
// redaction hook that masks known-sensitive field values before they reach
// either stream.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(outputSplitter{})
	logger.SetLevel(parseLevel(cfg.Level))

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger.AddHook(redactHook{})

	return logger
}

// For returns a log entry pre-scoped to a component, e.g. logging.For(logger, "sync").
func For(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "verbose", "trace":
		return Verbose
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// sensitiveFields are redacted from every log entry regardless of level.
var sensitiveFields = []string{"password", "token", "accessToken", "refreshToken", "authorization", "apiKey"}

// redactHook masks sensitive field values on every log entry before it is
// formatted, so a call site that does `log.WithField("password", pw)` by
// mistake never leaks the value into a log stream.
type redactHook struct{}

func (redactHook) Levels() []logrus.Level { return logrus.AllLevels }

func (redactHook) Fire(entry *logrus.Entry) error {
	for _, field := range sensitiveFields {
		if _, ok := entry.Data[field]; ok {
			entry.Data[field] = Mask(fieldString(entry.Data[field]))
		}
	}
	return nil
}

func fieldString(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// Mask shows only the first and last four characters of a secret, the same
// scheme used across the rest of the stack for logging credentials safely.
func Mask(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
