// Package trace generates and propagates the 8-hex request trace id that
// correlates every log line and event belonging to one request.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type ctxKey struct{}

// New returns a fresh 8-hex-character trace id.
func New() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// fixed id rather than aborting the request.
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}

// WithID stores a trace id on the context, generating one if id is empty.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = New()
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the trace id bound to ctx, or "" when absent.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}
