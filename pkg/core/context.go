package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type dispatchIDKey struct{}

// WithDispatchID attaches a dispatch id to the context.
func WithDispatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, dispatchIDKey{}, id)
}

// DispatchID returns the dispatch id if present.
func DispatchID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(dispatchIDKey{}).(string)
	return id, ok
}

// EnsureDispatchID ensures a dispatch id exists in the context.
func EnsureDispatchID(ctx context.Context) (context.Context, string) {
	if id, ok := DispatchID(ctx); ok {
		return ctx, id
	}
	id := newDispatchID()
	return WithDispatchID(ctx, id), id
}

func newDispatchID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "dispatch-unknown"
	}
	return "dispatch-" + hex.EncodeToString(buf)
}
