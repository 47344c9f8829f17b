package logger

import (
	"io"
	"regexp"
)

// Redactor redacts credentials from log output before it reaches any sink.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor covering the credential shapes this server
// handles: per-agent secrets, application privacy keys, wallet addresses,
// and bearer tokens.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Agent secrets and privacy keys in connection URLs
			regexp.MustCompile(`secret=[a-zA-Z0-9_-]+`),
			regexp.MustCompile(`privacyKey=[a-zA-Z0-9_-]+`),

			// JSON credential fields
			regexp.MustCompile(`"privacy_key"\s*:\s*"[^"]*"`),
			regexp.MustCompile(`"secret"\s*:\s*"[^"]*"`),

			// Reserved env assignments passed to runtimes
			regexp.MustCompile(`CORAL_CONNECTION_URL=\S+`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Wallet addresses
			regexp.MustCompile(`0x[0-9a-fA-F]{40}`),

			// Generic secret/password assignments
			regexp.MustCompile(`password["\s:=]+[^\s"]+`),
			regexp.MustCompile(`token["\s:=]+[a-zA-Z0-9._-]{20,}`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	return w.writer.Write([]byte(redacted))
}
