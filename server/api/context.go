package api

import "context"

type contextKey int

const ctxKeyCaller contextKey = 0

// WithCaller returns a context carrying the authenticated caller identity.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, ctxKeyCaller, caller)
}

// CallerFrom returns the caller identity stored by WithCaller, or "".
func CallerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(ctxKeyCaller).(string)
	return caller
}
