package api

import (
	"context"
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lightspeed-dms/cidx/application/service"
	apimiddleware "github.com/lightspeed-dms/cidx/infrastructure/api/middleware"
	v1 "github.com/lightspeed-dms/cidx/infrastructure/api/v1"
	"github.com/lightspeed-dms/cidx/infrastructure/mcp"
)

// APIServer owns the full HTTP surface: REST routes under /api/v1, the
// authenticated MCP endpoint at /mcp and the anonymous one at /mcp-public.
type APIServer struct {
	access    *service.AccessService
	engine    *service.Engine
	navigator *service.Navigator
	repos     *service.RepositoryService
	queue     *service.Queue
	status    *service.StatusService
	version   string
	server    *Server
	logger    *slog.Logger
}

// NewAPIServer wires the application services into an HTTP server.
func NewAPIServer(access *service.AccessService, engine *service.Engine,
	navigator *service.Navigator, repos *service.RepositoryService,
	queue *service.Queue, status *service.StatusService,
	version string, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIServer{
		access:    access,
		engine:    engine,
		navigator: navigator,
		repos:     repos,
		queue:     queue,
		status:    status,
		version:   version,
		logger:    logger,
	}
}

func (a *APIServer) mountRoutes(router chi.Router) {
	authRouter := v1.NewAuthRouter(a.access)
	searchRouter := v1.NewSearchRouter(a.engine, a.access, a.status)
	reposRouter := v1.NewRepositoriesRouter(a.repos, a.access)
	jobsRouter := v1.NewJobsRouter(a.queue)
	adminRouter := v1.NewAdminRouter(a.access, a.queue, a.status)

	router.Use(apimiddleware.Logging(a.logger))

	// Unauthenticated surface. /auth is the documented short alias for
	// the login endpoint.
	router.Get("/health", a.handleHealth)
	router.Mount("/api/v1/auth", authRouter.PublicRoutes())
	router.Mount("/auth", authRouter.PublicRoutes())

	protect := func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))
		r.Use(apimiddleware.Auth(a.access))
		r.Use(apimiddleware.MaintenanceGate(a.queue))
	}

	router.Route("/api/v1", func(r chi.Router) {
		protect(r)
		r.Mount("/auth/session", authRouter.Routes())
		r.Mount("/search", searchRouter.Routes())
		r.Mount("/repositories", reposRouter.Routes())
		r.Mount("/activated", reposRouter.ActivatedRoutes())
		r.Mount("/jobs", jobsRouter.Routes())
		r.Mount("/admin", adminRouter.Routes())
	})

	// /api/admin mirrors the admin and jobs surfaces without the
	// version prefix.
	router.Route("/api/admin", func(r chi.Router) {
		protect(r)
		r.Mount("/jobs", jobsRouter.Routes())
		r.Mount("/", adminRouter.Routes())
	})

	// MCP endpoints run outside the Timeout middleware: the protocol
	// streams and manages its own session state via response headers,
	// which a wrapped ResponseWriter breaks.
	authed := mcp.NewServer(a.engine, a.navigator, a.status, a.version, false, a.logger)
	router.Group(func(r chi.Router) {
		r.Use(apimiddleware.Auth(a.access))
		r.Mount("/mcp", server.NewStreamableHTTPServer(authed.MCPServer()))
	})

	public := mcp.NewServer(a.engine, a.navigator, a.status, a.version, true, a.logger)
	router.Mount("/mcp-public", server.NewStreamableHTTPServer(public.MCPServer()))
}

func (a *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := a.status.Health(r.Context())
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	apimiddleware.WriteJSON(w, code, h)
}

// ListenAndServe starts the HTTP server on the given address and
// blocks until Shutdown or failure.
func (a *APIServer) ListenAndServe(addr string) error {
	srv := NewServer(addr, a.logger)
	a.server = srv
	a.mountRoutes(srv.Router())
	return srv.Start()
}

// Shutdown drains in-flight requests and stops the server.
func (a *APIServer) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// Handler builds the full route tree without binding a listener.
func (a *APIServer) Handler() http.Handler {
	router := chi.NewRouter()
	a.mountRoutes(router)
	return router
}
