package coverage

import "context"

type keyCtxKey struct{}

// WithKey returns a copy of ctx carrying key. Probe lookups made with the
// returned context are attributed to key.
func WithKey(ctx context.Context, key ContextKey) context.Context {
	return context.WithValue(ctx, keyCtxKey{}, key)
}

// KeyFromContext returns the key stored by WithKey.
func KeyFromContext(ctx context.Context) (ContextKey, bool) {
	if ctx == nil {
		return ContextKey{}, false
	}
	key, ok := ctx.Value(keyCtxKey{}).(ContextKey)
	return key, ok
}
