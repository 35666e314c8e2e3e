// Package log provides logging helpers shared across the server packages.
package log

import (
	"context"
	"log/slog"
	"strings"
)

// Redacted replaces the value of any sensitive attribute before a record
// reaches a sink.
const Redacted = "[REDACTED]"

// secretAttrs are attribute names redacted outright: protocol key material
// and the staging nonce. These are the fields the agent protocol handles as
// secrets and must never appear in an operator log.
var secretAttrs = map[string]struct{}{
	"session_key": {},
	"staging_key": {},
	"key":         {},
	"nonce":       {},
}

// secretSuffixes catch credential-shaped attributes by role, so names like
// "client_password", "ntlm_hash", or "webhook_token" are covered without
// blanking benign fields such as "session_id" or "task_name".
var secretSuffixes = []string{
	"_key",
	"_nonce",
	"password",
	"secret",
	"token",
	"hash",
	"credential",
}

func sensitive(name string) bool {
	name = strings.ToLower(name)
	if _, ok := secretAttrs[name]; ok {
		return true
	}
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// SecretFilter is a slog.Handler that blanks key material, nonces, and
// credential-shaped attributes before forwarding records to the wrapped
// handler.
type SecretFilter struct {
	next slog.Handler
}

// NewSecretFilter wraps next with secret redaction.
func NewSecretFilter(next slog.Handler) *SecretFilter {
	return &SecretFilter{next: next}
}

// Enabled implements slog.Handler.
func (f *SecretFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.next.Enabled(ctx, level)
}

// Handle implements slog.Handler, rebuilding the record with sensitive
// attributes blanked.
func (f *SecretFilter) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(scrub(a))
		return true
	})
	return f.next.Handle(ctx, clean)
}

// WithAttrs implements slog.Handler.
func (f *SecretFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		scrubbed = append(scrubbed, scrub(a))
	}
	return &SecretFilter{next: f.next.WithAttrs(scrubbed)}
}

// WithGroup implements slog.Handler.
func (f *SecretFilter) WithGroup(name string) slog.Handler {
	return &SecretFilter{next: f.next.WithGroup(name)}
}

// scrub blanks a sensitive attribute, descending into groups so a secret
// nested under e.g. a "listener" group is still caught.
func scrub(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		scrubbed := make([]any, 0, len(members))
		for _, member := range members {
			scrubbed = append(scrubbed, scrub(member))
		}
		return slog.Group(a.Key, scrubbed...)
	}
	if sensitive(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	return a
}
