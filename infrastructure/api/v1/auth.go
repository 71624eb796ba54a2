// Package v1 provides the REST route handlers.
package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lightspeed-dms/cidx/application/service"
	"github.com/lightspeed-dms/cidx/domain/auth"
	"github.com/lightspeed-dms/cidx/infrastructure/api/middleware"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// AuthRouter serves login and impersonation.
type AuthRouter struct {
	access *service.AccessService
}

// NewAuthRouter creates the auth router.
func NewAuthRouter(access *service.AccessService) *AuthRouter {
	return &AuthRouter{access: access}
}

// PublicRoutes returns the unauthenticated routes (login).
func (a *AuthRouter) PublicRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", a.login)
	return r
}

// Routes returns the authenticated routes (impersonation).
func (a *AuthRouter) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/impersonate", a.impersonate)
	r.Post("/impersonate/clear", a.clearImpersonation)
	return r
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	ExpiresAt string `json:"expires_at"`
}

func (a *AuthRouter) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "invalid JSON body"))
		return
	}
	token, sess, err := a.access.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		Username:  sess.Username(),
		ExpiresAt: sess.ExpiresAt().Format("2006-01-02T15:04:05Z07:00"),
	})
}

type impersonateRequest struct {
	Username string `json:"username"`
}

func (a *AuthRouter) impersonate(w http.ResponseWriter, r *http.Request) {
	sess, ok := auth.SessionFrom(r.Context())
	if !ok {
		middleware.WriteError(w, r, errs.New(errs.KindUnauthenticated, "no session"))
		return
	}
	var req impersonateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "username is required"))
		return
	}
	token, err := a.access.Impersonate(r.Context(), sess, req.Username)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		Username:  sess.Username(),
		ExpiresAt: sess.ExpiresAt().Format("2006-01-02T15:04:05Z07:00"),
	})
}

func (a *AuthRouter) clearImpersonation(w http.ResponseWriter, r *http.Request) {
	sess, ok := auth.SessionFrom(r.Context())
	if !ok {
		middleware.WriteError(w, r, errs.New(errs.KindUnauthenticated, "no session"))
		return
	}
	token, err := a.access.ClearImpersonation(r.Context(), sess)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		Username:  sess.Username(),
		ExpiresAt: sess.ExpiresAt().Format("2006-01-02T15:04:05Z07:00"),
	})
}
