package v1

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lightspeed-dms/cidx/application/service"
	"github.com/lightspeed-dms/cidx/domain/auth"
	"github.com/lightspeed-dms/cidx/infrastructure/api/middleware"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// AdminRouter serves user, group, maintenance, audit and metrics
// endpoints. Every route requires the manage_users permission except
// metrics, which any authenticated user may read.
type AdminRouter struct {
	access *service.AccessService
	queue  *service.Queue
	status *service.StatusService
}

// NewAdminRouter creates the admin router.
func NewAdminRouter(access *service.AccessService, queue *service.Queue, status *service.StatusService) *AdminRouter {
	return &AdminRouter{access: access, queue: queue, status: status}
}

// Routes returns the admin routes.
func (h *AdminRouter) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/metrics", h.metrics)
	r.Group(func(r chi.Router) {
		r.Use(h.requireManageUsers)
		r.Get("/users", h.listUsers)
		r.Post("/users", h.createUser)
		r.Delete("/users/{username}", h.deleteUser)
		r.Put("/users/{username}/group", h.setUserGroup)
		r.Put("/users/{username}/password", h.setPassword)
		r.Get("/groups", h.listGroups)
		r.Put("/groups/{name}", h.upsertGroup)
		r.Delete("/groups/{name}", h.deleteGroup)
		r.Get("/audit", h.auditLog)
		r.Post("/maintenance/enter", h.enterMaintenance)
		r.Post("/maintenance/exit", h.exitMaintenance)
	})
	return r
}

func (h *AdminRouter) requireManageUsers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := requireSession(w, r)
		if !ok {
			return
		}
		if err := h.access.RequirePermission(r.Context(), sess, auth.PermManageUsers); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type userDTO struct {
	Username string `json:"username"`
	Group    string `json:"group"`
}

func (h *AdminRouter) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.access.ListUsers(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	dtos := make([]userDTO, 0, len(users))
	for _, u := range users {
		dtos = append(dtos, userDTO{Username: u.Username(), Group: u.GroupName()})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"users": dtos})
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Group    string `json:"group"`
}

func (h *AdminRouter) createUser(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "invalid JSON body"))
		return
	}
	u, err := h.access.CreateUser(r.Context(), sess.Username(), req.Username, req.Password, req.Group)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, userDTO{Username: u.Username(), Group: u.GroupName()})
}

func (h *AdminRouter) deleteUser(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	if err := h.access.DeleteUser(r.Context(), sess.Username(), chi.URLParam(r, "username")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *AdminRouter) setUserGroup(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	var req struct {
		Group string `json:"group"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Group == "" {
		middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "group is required"))
		return
	}
	u, err := h.access.SetUserGroup(r.Context(), sess.Username(), chi.URLParam(r, "username"), req.Group)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, userDTO{Username: u.Username(), Group: u.GroupName()})
}

func (h *AdminRouter) setPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "invalid JSON body"))
		return
	}
	if err := h.access.ChangePassword(r.Context(), chi.URLParam(r, "username"), req.Password); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"updated": true})
}

type groupDTO struct {
	Name        string   `json:"name"`
	Repos       []string `json:"repos"`
	Permissions []string `json:"permissions"`
}

func (h *AdminRouter) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.access.ListGroups(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	dtos := make([]groupDTO, 0, len(groups))
	for _, g := range groups {
		perms := make([]string, 0, len(g.Permissions()))
		for _, p := range g.Permissions() {
			perms = append(perms, string(p))
		}
		dtos = append(dtos, groupDTO{Name: g.Name(), Repos: g.Repos(), Permissions: perms})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"groups": dtos})
}

func (h *AdminRouter) upsertGroup(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	var req groupDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "invalid JSON body"))
		return
	}
	perms := make([]auth.Permission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		perms = append(perms, auth.Permission(p))
	}
	g, err := h.access.UpsertGroup(r.Context(), sess.Username(),
		auth.NewGroup(chi.URLParam(r, "name"), req.Repos, perms))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	outPerms := make([]string, 0, len(g.Permissions()))
	for _, p := range g.Permissions() {
		outPerms = append(outPerms, string(p))
	}
	middleware.WriteJSON(w, http.StatusOK, groupDTO{Name: g.Name(), Repos: g.Repos(), Permissions: outPerms})
}

func (h *AdminRouter) deleteGroup(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	if err := h.access.DeleteGroup(r.Context(), sess.Username(), chi.URLParam(r, "name")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *AdminRouter) auditLog(w http.ResponseWriter, r *http.Request) {
	var since, until time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "since must be RFC3339"))
			return
		}
		since = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "until must be RFC3339"))
			return
		}
		until = t
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.access.AuditLog(r.Context(), since, until, limit)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *AdminRouter) enterMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if r.Body != nil {
		// The body is optional; a missing message means no operator note.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	running, err := h.queue.EnterMaintenance(r.Context(), req.Message)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	// The drain continues in the background, so this is an accepted
	// transition rather than a completed one.
	middleware.WriteJSON(w, http.StatusAccepted, map[string]any{
		"maintenance":  true,
		"message":      req.Message,
		"jobs_running": running,
	})
}

func (h *AdminRouter) exitMaintenance(w http.ResponseWriter, r *http.Request) {
	h.queue.ExitMaintenance()
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"maintenance": false})
}

func (h *AdminRouter) metrics(w http.ResponseWriter, r *http.Request) {
	includeRepos := r.URL.Query().Get("repos") == "true"
	m, err := h.status.Metrics(r.Context(), includeRepos)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, m)
}
