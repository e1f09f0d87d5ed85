// Package server provides the debug package-repository server used to run
// and scrape the metrics plugin standalone. It exposes a minimal PyPI-style
// surface (simple index, package downloads, uploads, an XML-RPC stub) on a
// chi router with the plugin installed, plus lifecycle handling with
// graceful shutdown.
package server

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/giygas/pypiserver-metrics/backend"
	"github.com/giygas/pypiserver-metrics/config"
	"github.com/giygas/pypiserver-metrics/logging"
	"github.com/giygas/pypiserver-metrics/pkgnames"
	"github.com/giygas/pypiserver-metrics/plugin"
)

// Version is the server version reported in the pypiserver_info metric.
const Version = "0.1.0"

// Server represents the HTTP server
type Server struct {
	server  *http.Server
	router  chi.Router
	backend *backend.FSBackend
	config  *config.Config
	metrics *plugin.Plugin
}

// NewServer creates a new server instance with the metrics plugin
// installed. Plugin setup failures (for example a scrape path colliding
// with a repository route) are returned and must abort startup.
func NewServer(cfg *config.Config, be *backend.FSBackend) (*Server, error) {
	router := chi.NewRouter()

	metrics, err := plugin.New(plugin.Config{
		Endpoint:    cfg.MetricsEndpoint,
		Backend:     be,
		Version:     Version,
		FallbackURL: cfg.FallbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("installing metrics plugin: %w", err)
	}

	s := &Server{
		server: &http.Server{
			Handler:      router,
			Addr:         cfg.Address + ":" + cfg.Port,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router:  router,
		backend: be,
		config:  cfg,
		metrics: metrics,
	}

	s.setupMiddleware()
	s.setupRoutes()

	if err := metrics.Install(router); err != nil {
		return nil, fmt.Errorf("installing metrics plugin: %w", err)
	}

	return s, nil
}

// Metrics returns the installed metrics plugin.
func (s *Server) Metrics() *plugin.Plugin {
	return s.metrics
}

// Router returns the underlying chi router, mainly for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// setupMiddleware configures all middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.RedirectSlashes)
	s.router.Use(logging.LoggingMiddleware(logging.Logger(),
		"/health", s.metrics.Endpoint()))
	s.router.Use(middleware.Recoverer)
	s.router.Use(RateLimitHandler(s.metrics.Endpoint()))
	s.router.Use(s.metrics.Middleware)
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/", s.handleIndex)
	s.router.Post("/", s.handleUpload)
	s.router.Get("/simple", s.handleSimpleIndex)
	s.router.Get("/simple/{project}", s.handleSimpleProject)
	s.router.Get("/packages/{filename}", s.handleDownload)
	s.router.Post("/RPC2", s.handleRPC)
	s.router.Get("/health", s.handleHealth)
}

// handleIndex serves a minimal landing page pointing at the simple index.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><body><a href="/simple/">simple index</a></body></html>`)
}

// handleSimpleIndex lists every project, PEP 503 normalized.
func (s *Server) handleSimpleIndex(w http.ResponseWriter, r *http.Request) {
	packages, err := s.backend.AllPackages()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to list packages")
		return
	}

	seen := make(map[string]bool)
	var projects []string
	for _, pkg := range packages {
		name := pkgnames.Normalize(pkg.Name)
		if !seen[name] {
			seen[name] = true
			projects = append(projects, name)
		}
	}
	sort.Strings(projects)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body>\n")
	for _, name := range projects {
		fmt.Fprintf(w, "<a href=%q>%s</a><br>\n", "/simple/"+name+"/", html.EscapeString(name))
	}
	fmt.Fprint(w, "</body></html>")
}

// handleSimpleProject lists the files of one project.
func (s *Server) handleSimpleProject(w http.ResponseWriter, r *http.Request) {
	project := pkgnames.Normalize(chi.URLParam(r, "project"))

	packages, err := s.backend.AllPackages()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to list packages")
		return
	}

	var files []string
	for _, pkg := range packages {
		if pkgnames.Normalize(pkg.Name) == project {
			files = append(files, pkg.Filename)
		}
	}
	if len(files) == 0 {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("project %s not found", project))
		return
	}
	sort.Strings(files)

	s.metrics.Collector().RecordSimpleIndexRequest(project)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body>\n")
	for _, f := range files {
		fmt.Fprintf(w, "<a href=%q>%s</a><br>\n", "/packages/"+f, html.EscapeString(f))
	}
	fmt.Fprint(w, "</body></html>")
}

// handleDownload serves a package file from the backend.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	f, err := s.backend.Open(filename)
	if err != nil {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("package %s not found", filename))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to read package")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, filename, info.ModTime(), f)
}

// handleUpload accepts a twine-style multipart upload: a POST to / with
// form field ":action" = "file_upload" and the distribution in a part
// named "content".
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	collector := s.metrics.Collector()

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		collector.RecordUploadFailure("bad_multipart")
		respondWithError(w, http.StatusBadRequest, "expected a multipart form")
		return
	}

	if action := r.FormValue(":action"); action != "file_upload" {
		collector.RecordUploadFailure("unsupported_action")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("unsupported action %q", action))
		return
	}

	file, header, err := r.FormFile("content")
	if err != nil {
		collector.RecordUploadFailure("missing_content")
		respondWithError(w, http.StatusBadRequest, "missing file part 'content'")
		return
	}
	defer file.Close()

	if _, _, ok := pkgnames.Parse(header.Filename); !ok {
		collector.RecordUploadFailure("bad_filename")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("unrecognized distribution filename %q", header.Filename))
		return
	}

	if user, _, ok := r.BasicAuth(); ok {
		// The debug server has no password database; any supplied
		// credentials are accepted.
		collector.RecordAuthAttempt("update", true)
		logging.Debug("Upload authenticated", "user", user)
	}

	if err := s.backend.Save(header.Filename, file); err != nil {
		collector.RecordUploadFailure("storage_error")
		logging.Error("Failed to store upload", "filename", header.Filename, "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to store package")
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// handleRPC is a stub XML-RPC endpoint; it acknowledges any call with an
// empty result so search clients get a well-formed response.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	fmt.Fprint(w, `<?xml version="1.0"?><methodResponse><params><param><value><array><data></data></array></value></param></params></methodResponse>`)
}

// handleHealth returns current server health statistics.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	packages, err := s.backend.AllPackages()
	if err != nil {
		respondWithJSON(w, http.StatusOK, map[string]any{
			"status": "degraded",
			"error":  "failed to list packages",
		})
		return
	}

	projects := make(map[string]bool, len(packages))
	for _, pkg := range packages {
		projects[pkg.Name] = true
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"package_count": len(packages),
		"project_count": len(projects),
		"packages_dir":  s.backend.Root(),
	})
}

// Start starts the server
func (s *Server) Start() error {
	logging.Info(fmt.Sprintf("Starting server at: %s:%s", s.config.Address, s.config.Port))
	logging.Info(fmt.Sprintf("Metrics available at: %s", s.metrics.Endpoint()))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down server...")

	if err := s.server.Shutdown(ctx); err != nil {
		logging.Error("Server forced to shutdown", "error", err)
		if err := s.server.Close(); err != nil {
			logging.Error("Server close error", "error", err)
			return err
		}
	}

	logging.Info("Server shutdown complete")
	return nil
}
