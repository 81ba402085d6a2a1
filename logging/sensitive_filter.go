package logging

import (
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

// RedactedPlaceholder replaces secrets in log output.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sk-[a-z0-9_-]{16,}`),
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]{16,}`),
	regexp.MustCompile(`(?i)(password|secret|token|api_?key)\s*[:=]\s*[^\s,;&]{6,}`),
	regexp.MustCompile(`\$2[aby]\$\d{2}\$[./A-Za-z0-9]{53}`), // bcrypt hashes
}

// Field names whose values are never logged.
var sensitiveFieldNames = []string{
	"API_KEY",
	"APIKEY",
	"PASSWORD",
	"SECRET",
	"TOKEN",
	"AUTHORIZATION",
	"COOKIE",
}

// RedactSensitiveData replaces every secret-looking substring of value.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	for _, p := range sensitivePatterns {
		value = p.ReplaceAllString(value, RedactedPlaceholder)
	}
	return value
}

// IsSensitiveField reports whether a field of this name must be redacted
// regardless of its value.
func IsSensitiveField(name string) bool {
	upper := strings.ToUpper(name)
	for _, s := range sensitiveFieldNames {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}

// RedactField returns the loggable form of a named string value.
func RedactField(name, value string) string {
	if IsSensitiveField(name) {
		return RedactedPlaceholder
	}
	return RedactSensitiveData(value)
}

// redactCore filters string fields and messages before they reach the
// wrapped core. Components receive plain *zap.Logger values built on top
// of it, so redaction holds even outside the Logger wrapper.
type redactCore struct {
	zapcore.Core
}

func newRedactCore(c zapcore.Core) zapcore.Core {
	return &redactCore{Core: c}
}

func (c *redactCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = RedactSensitiveData(ent.Message)
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		redacted, changed := redactField(f)
		if !changed {
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, len(fields))
			copy(out, fields)
		}
		out[i] = redacted
	}
	if out == nil {
		return fields
	}
	return out
}

func redactField(f zapcore.Field) (zapcore.Field, bool) {
	switch f.Type {
	case zapcore.StringType:
		v := RedactField(f.Key, f.String)
		if v == f.String {
			return f, false
		}
		f.String = v
		return f, true
	case zapcore.ErrorType:
		err, ok := f.Interface.(error)
		if !ok || err == nil {
			return f, false
		}
		msg := err.Error()
		if v := RedactSensitiveData(msg); v != msg {
			return zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: v}, true
		}
		return f, false
	default:
		if IsSensitiveField(f.Key) {
			return zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: RedactedPlaceholder}, true
		}
		return f, false
	}
}
