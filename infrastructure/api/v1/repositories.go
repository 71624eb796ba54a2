package v1

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lightspeed-dms/cidx/application/service"
	"github.com/lightspeed-dms/cidx/domain/auth"
	"github.com/lightspeed-dms/cidx/domain/job"
	"github.com/lightspeed-dms/cidx/domain/repo"
	"github.com/lightspeed-dms/cidx/infrastructure/api/middleware"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// RepositoriesRouter serves golden and activated repository endpoints.
type RepositoriesRouter struct {
	repos  *service.RepositoryService
	access *service.AccessService
}

// NewRepositoriesRouter creates the repositories router.
func NewRepositoriesRouter(repos *service.RepositoryService, access *service.AccessService) *RepositoriesRouter {
	return &RepositoriesRouter{repos: repos, access: access}
}

// Routes returns the repository routes.
func (h *RepositoriesRouter) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Post("/", h.add)
	r.Get("/{name}", h.get)
	r.Delete("/{name}", h.remove)
	r.Post("/{name}/refresh", h.refresh)
	r.Post("/{name}/indexes", h.addIndex)
	r.Post("/{name}/activate", h.activate)
	return r
}

// ActivatedRoutes returns the activated-repository routes.
func (h *RepositoriesRouter) ActivatedRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.listActivated)
	r.Delete("/{alias}", h.deactivate)
	return r
}

type repositoryDTO struct {
	Name              string   `json:"name"`
	PublicAlias       string   `json:"public_alias"`
	RemoteURL         string   `json:"remote_url"`
	DefaultBranch     string   `json:"default_branch"`
	Description       string   `json:"description,omitempty"`
	IndexKinds        []string `json:"index_kinds"`
	LastIndexedCommit string   `json:"last_indexed_commit,omitempty"`
	LastRefresh       string   `json:"last_refresh,omitempty"`
	RefreshEnabled    bool     `json:"refresh_enabled"`
}

func toRepositoryDTO(r repo.Repository) repositoryDTO {
	var kinds []string
	f := r.Flags()
	if f.Semantic {
		kinds = append(kinds, "semantic")
	}
	if f.FTS {
		kinds = append(kinds, "fts")
	}
	if f.Temporal {
		kinds = append(kinds, "temporal")
	}
	if f.SCIP {
		kinds = append(kinds, "scip")
	}
	dto := repositoryDTO{
		Name:              r.Name(),
		PublicAlias:       r.PublicAlias(),
		RemoteURL:         r.RemoteURL(),
		DefaultBranch:     r.DefaultBranch(),
		Description:       r.Description(),
		IndexKinds:        kinds,
		LastIndexedCommit: r.LastIndexedCommit(),
		RefreshEnabled:    r.RefreshEnabled(),
	}
	if !r.LastRefresh().IsZero() {
		dto.LastRefresh = r.LastRefresh().UTC().Format(time.RFC3339)
	}
	return dto
}

type jobDTO struct {
	ID            string `json:"job_id"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	Result        string `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toJobDTO(j job.Job) jobDTO {
	return jobDTO{
		ID:            j.ID(),
		Kind:          j.Kind().String(),
		Status:        string(j.Status()),
		Progress:      j.Progress(),
		Result:        j.Result(),
		Error:         j.ErrMessage(),
		CorrelationID: j.CorrelationID(),
		CreatedAt:     j.CreatedAt().UTC().Format(time.RFC3339),
	}
}

func requireSession(w http.ResponseWriter, r *http.Request) (auth.Session, bool) {
	sess, ok := auth.SessionFrom(r.Context())
	if !ok {
		middleware.WriteError(w, r, errs.New(errs.KindUnauthenticated, "no session"))
	}
	return sess, ok
}

func (h *RepositoriesRouter) list(w http.ResponseWriter, r *http.Request) {
	repos, err := h.repos.ListGolden(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	dtos := make([]repositoryDTO, 0, len(repos))
	for _, rep := range repos {
		dtos = append(dtos, toRepositoryDTO(rep))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"repositories": dtos})
}

func (h *RepositoriesRouter) get(w http.ResponseWriter, r *http.Request) {
	rep, err := h.repos.Golden(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toRepositoryDTO(rep))
}

type addRepoRequest struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Branch      string   `json:"branch,omitempty"`
	Description string   `json:"description,omitempty"`
	IndexKinds  []string `json:"index_kinds,omitempty"`
	CallbackURL string   `json:"callback_url,omitempty"`
}

func (h *RepositoriesRouter) add(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	if err := h.access.RequirePermission(r.Context(), sess, auth.PermManageGoldenRepo); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	var req addRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "invalid JSON body"))
		return
	}
	j, err := h.repos.AddGolden(r.Context(), sess.Username(), service.GoldenAddParams{
		Name:          req.Name,
		RemoteURL:     req.URL,
		DefaultBranch: req.Branch,
		Description:   req.Description,
		IndexKinds:    req.IndexKinds,
		CallbackURL:   req.CallbackURL,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, toJobDTO(j))
}

func (h *RepositoriesRouter) remove(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	if err := h.access.RequirePermission(r.Context(), sess, auth.PermManageGoldenRepo); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	j, err := h.repos.RemoveGolden(r.Context(), sess.Username(), chi.URLParam(r, "name"), r.URL.Query().Get("callback_url"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, toJobDTO(j))
}

func (h *RepositoriesRouter) refresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	if err := h.access.RequirePermission(r.Context(), sess, auth.PermManageGoldenRepo); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	j, err := h.repos.RefreshGolden(r.Context(), sess.Username(), chi.URLParam(r, "name"), r.URL.Query().Get("callback_url"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, toJobDTO(j))
}

type addIndexRequest struct {
	Kind        string `json:"kind"`
	CallbackURL string `json:"callback_url,omitempty"`
}

func (h *RepositoriesRouter) addIndex(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	if err := h.access.RequirePermission(r.Context(), sess, auth.PermManageGoldenRepo); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	var req addIndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "invalid JSON body"))
		return
	}
	j, err := h.repos.AddIndex(r.Context(), sess.Username(), chi.URLParam(r, "name"), req.Kind, req.CallbackURL)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, toJobDTO(j))
}

type activateRequest struct {
	Alias       string `json:"alias"`
	Branch      string `json:"branch,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

func (h *RepositoriesRouter) activate(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	if err := h.access.RequirePermission(r.Context(), sess, auth.PermActivateRepos); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "invalid JSON body"))
		return
	}
	j, err := h.repos.Activate(r.Context(), sess.EffectiveUser(), chi.URLParam(r, "name"), req.Alias, req.Branch, req.CallbackURL)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, toJobDTO(j))
}

func (h *RepositoriesRouter) listActivated(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	activated, err := h.repos.ListActivated(r.Context(), sess.EffectiveUser())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	type activatedDTO struct {
		Alias  string `json:"alias"`
		Golden string `json:"golden_repo"`
		Branch string `json:"branch"`
	}
	dtos := make([]activatedDTO, 0, len(activated))
	for _, a := range activated {
		dtos = append(dtos, activatedDTO{Alias: a.UserAlias(), Golden: a.GoldenName(), Branch: a.Branch()})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"activated": dtos})
}

func (h *RepositoriesRouter) deactivate(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	j, err := h.repos.Deactivate(r.Context(), sess.EffectiveUser(), chi.URLParam(r, "alias"), r.URL.Query().Get("callback_url"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, toJobDTO(j))
}
