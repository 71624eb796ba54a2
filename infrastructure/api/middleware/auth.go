package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/lightspeed-dms/cidx/domain/auth"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// TokenParser validates a bearer token into a session.
type TokenParser interface {
	ParseToken(token string) (auth.Session, error)
}

// Auth returns a middleware that requires a valid bearer token and
// attaches the session to the request context.
func Auth(parser TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				WriteError(w, r, errs.New(errs.KindUnauthenticated, "missing bearer token"))
				return
			}
			sess, err := parser.ParseToken(token)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			if sess.Expired(time.Now().UTC()) {
				WriteError(w, r, errs.New(errs.KindUnauthenticated, "session expired"))
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), sess)))
		})
	}
}

// MaintenanceState reports whether the server is draining for
// maintenance, and the operator's message when it is.
type MaintenanceState interface {
	InMaintenance() bool
	MaintenanceMessage() string
}

// MaintenanceGate rejects requests while the server is in maintenance.
// Reads get 503 so clients retry; writes get 403 so nothing mutates
// state mid-drain. The maintenance admin endpoints stay open so an
// operator can always exit the mode.
func MaintenanceGate(state MaintenanceState) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if state.InMaintenance() && !strings.Contains(r.URL.Path, "/admin/maintenance") {
				reason := "server is in maintenance mode"
				if msg := state.MaintenanceMessage(); msg != "" {
					reason += ": " + msg
				}
				if r.Method == http.MethodGet || r.Method == http.MethodHead {
					WriteError(w, r, errs.New(errs.KindMaintenance, reason+"; retry shortly"))
				} else {
					WriteError(w, r, errs.New(errs.KindPermissionDenied, reason+"; writes are disabled"))
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
