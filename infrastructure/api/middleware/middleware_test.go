package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeed-dms/cidx/domain/auth"
	"github.com/lightspeed-dms/cidx/internal/errs"
	"github.com/lightspeed-dms/cidx/internal/log"
)

type fakeParser struct {
	sess auth.Session
	err  error
}

func (p fakeParser) ParseToken(token string) (auth.Session, error) {
	return p.sess, p.err
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestAuthMissingHeader(t *testing.T) {
	handler := Auth(fakeParser{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run")
	}))

	cases := map[string]string{
		"no header":    "",
		"wrong scheme": "Basic dXNlcjpwYXNz",
		"empty token":  "Bearer ",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/repos", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			body := decodeErrorBody(t, rec)
			assert.Equal(t, "missing bearer token", body.Error)
			assert.Equal(t, string(errs.KindUnauthenticated), body.Kind)
		})
	}
}

func TestAuthInvalidToken(t *testing.T) {
	parser := fakeParser{err: errs.New(errs.KindUnauthenticated, "invalid token")}
	handler := Auth(parser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/repos", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid token", decodeErrorBody(t, rec).Error)
}

func TestAuthExpiredSession(t *testing.T) {
	parser := fakeParser{
		sess: auth.NewSession("sess-1", "alice", time.Now().UTC().Add(-time.Minute)),
	}
	handler := Auth(parser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/repos", nil)
	req.Header.Set("Authorization", "Bearer stale")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session expired", decodeErrorBody(t, rec).Error)
}

func TestAuthAttachesSession(t *testing.T) {
	parser := fakeParser{
		sess: auth.NewSession("sess-1", "alice", time.Now().UTC().Add(time.Hour)),
	}
	var got auth.Session
	handler := Auth(parser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := auth.SessionFrom(r.Context())
		require.True(t, ok)
		got = sess
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/repos", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alice", got.Username())
	assert.Equal(t, "sess-1", got.ID())
}

type fakeMaintenance struct {
	active  bool
	message string
}

func (m fakeMaintenance) InMaintenance() bool        { return m.active }
func (m fakeMaintenance) MaintenanceMessage() string { return m.message }

func TestMaintenanceGate(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	cases := []struct {
		name       string
		active     bool
		method     string
		path       string
		wantStatus int
		wantKind   errs.Kind
	}{
		{"inactive passes writes", false, http.MethodPost, "/api/v1/repos", http.StatusNoContent, ""},
		{"active read retries later", true, http.MethodGet, "/api/v1/repos", http.StatusServiceUnavailable, errs.KindMaintenance},
		{"active head retries later", true, http.MethodHead, "/api/v1/repos", http.StatusServiceUnavailable, errs.KindMaintenance},
		{"active write refused", true, http.MethodPost, "/api/v1/repos", http.StatusForbidden, errs.KindPermissionDenied},
		{"active delete refused", true, http.MethodDelete, "/api/v1/repos/backend", http.StatusForbidden, errs.KindPermissionDenied},
		{"maintenance exit stays open", true, http.MethodPost, "/api/v1/admin/maintenance/exit", http.StatusNoContent, ""},
		{"maintenance status stays open", true, http.MethodGet, "/api/v1/admin/maintenance", http.StatusNoContent, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := MaintenanceGate(fakeMaintenance{active: tc.active})(next)
			req := httptest.NewRequest(tc.method, tc.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantKind != "" {
				assert.Equal(t, string(tc.wantKind), decodeErrorBody(t, rec).Kind)
			}
		})
	}
}

func TestMaintenanceGateSurfacesOperatorMessage(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	state := fakeMaintenance{active: true, message: "migrating storage"}
	handler := MaintenanceGate(state)(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/repos", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decodeErrorBody(t, rec).Error, "migrating storage")
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   ErrorBody
	}{
		{
			name:       "classified",
			err:        errs.New(errs.KindNotFound, "repository not found"),
			wantStatus: http.StatusNotFound,
			wantBody:   ErrorBody{Error: "repository not found", Kind: string(errs.KindNotFound)},
		},
		{
			name:       "unclassified hides internals",
			err:        assert.AnError,
			wantStatus: http.StatusInternalServerError,
			wantBody:   ErrorBody{Error: "internal error", Kind: string(errs.KindInternal)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/repos", nil)
			WriteError(rec, req, tc.err)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tc.wantBody, decodeErrorBody(t, rec))
		})
	}
}

func TestWriteErrorCarriesCorrelationID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/repos", nil)
	req = req.WithContext(log.WithCorrelationID(req.Context(), "req-42"))

	WriteError(rec, req, errs.New(errs.KindNotFound, "repository not found"))

	body := decodeErrorBody(t, rec)
	assert.Equal(t, "req-42", body.CorrelationID)
	assert.Equal(t, "repository not found", body.Error)
}

func TestLoggingAttachesCorrelationID(t *testing.T) {
	var fromCtx string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = log.CorrelationID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := chimiddleware.RequestID(Logging(nil)(next))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/repos", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.NotEmpty(t, fromCtx)
	assert.Equal(t, fromCtx, rec.Header().Get("X-Correlation-ID"))
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"status": "queued"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"status":"queued"}`, rec.Body.String())
}
