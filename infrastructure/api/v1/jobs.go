package v1

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lightspeed-dms/cidx/application/service"
	"github.com/lightspeed-dms/cidx/domain/job"
	"github.com/lightspeed-dms/cidx/infrastructure/api/middleware"
)

// JobsRouter serves job status and cancellation.
type JobsRouter struct {
	queue *service.Queue
}

// NewJobsRouter creates the jobs router.
func NewJobsRouter(queue *service.Queue) *JobsRouter {
	return &JobsRouter{queue: queue}
}

// Routes returns the job routes.
func (h *JobsRouter) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/{id}/cancel", h.cancel)
	return r
}

func (h *JobsRouter) list(w http.ResponseWriter, r *http.Request) {
	status := job.Status(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 50
	}
	jobs, err := h.queue.List(r.Context(), status, limit, offset)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	dtos := make([]jobDTO, 0, len(jobs))
	for _, j := range jobs {
		dtos = append(dtos, toJobDTO(j))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"jobs": dtos})
}

func (h *JobsRouter) get(w http.ResponseWriter, r *http.Request) {
	j, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toJobDTO(j))
}

func (h *JobsRouter) cancel(w http.ResponseWriter, r *http.Request) {
	j, err := h.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toJobDTO(j))
}
