package auth

import "context"

type sessionKey struct{}

// WithSession attaches a session to the context. The session travels with
// the request through every call boundary; nothing reads identity from
// globals.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom extracts the session from the context.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}
