// Package plugin instruments a chi-based package repository server with
// Prometheus metrics without any cooperation from its route handlers. It
// times every request, infers repository events (downloads, uploads,
// searches) from raw traffic, and serves the scrape endpoint.
package plugin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/giygas/pypiserver-metrics/backend"
	"github.com/giygas/pypiserver-metrics/collector"
	"github.com/giygas/pypiserver-metrics/logging"
	"github.com/giygas/pypiserver-metrics/pkgnames"
)

const (
	// DefaultEndpoint is the scrape path used unless overridden by the
	// METRICS_ENDPOINT environment variable or the plugin config.
	DefaultEndpoint = "/metrics"

	// DefaultPackagesPrefix is the download path prefix watched by the
	// classifier.
	DefaultPackagesPrefix = "/packages/"

	// DefaultRPCPath is the XML-RPC endpoint watched by the classifier.
	DefaultRPCPath = "/RPC2"

	// maxClassifyFormMemory bounds multipart parsing done purely for
	// classification when the handler never touched the body.
	maxClassifyFormMemory = 1 << 20
)

// ErrRouteConflict is returned by Install when the scrape endpoint collides
// with a route already registered on the host router.
var ErrRouteConflict = fmt.Errorf("metrics endpoint conflicts with an existing route")

// Config carries the host application state the plugin reads once at setup.
type Config struct {
	// Endpoint is the scrape path. The METRICS_ENDPOINT environment
	// variable takes precedence when set; otherwise an empty value falls
	// back to DefaultEndpoint.
	Endpoint string

	// Backend is queried for the package list on every scrape. Required.
	Backend backend.Backend

	// Version is the host server version reported in the info metric.
	Version string

	// FallbackURL is reported in the info metric, "none" when empty.
	FallbackURL string

	// PackagesPrefix and RPCPath override the classifier's default paths.
	PackagesPrefix string
	RPCPath        string

	// Parse overrides the distribution filename parser. Defaults to
	// pkgnames.Parse.
	Parse ParseFunc
}

// Plugin observes the host server's requests and exposes the collected
// metrics. Create it once at startup with New and wire it in with Install
// and Middleware.
type Plugin struct {
	endpoint       string
	packagesPrefix string
	rpcPath        string
	parse          ParseFunc
	backend        backend.Backend
	collector      *collector.Collector
}

// startTimeKey carries the request start timestamp in the request context.
type startTimeKey struct{}

// New builds a plugin and its collector and records the server info
// snapshot. It fails when the host config is incomplete.
func New(cfg Config) (*Plugin, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("metrics plugin setup: no storage backend configured")
	}

	endpoint := cfg.Endpoint
	if env := os.Getenv("METRICS_ENDPOINT"); env != "" {
		endpoint = env
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		return nil, fmt.Errorf("metrics plugin setup: endpoint %q must start with /", endpoint)
	}

	p := &Plugin{
		endpoint:       endpoint,
		packagesPrefix: cfg.PackagesPrefix,
		rpcPath:        cfg.RPCPath,
		parse:          cfg.Parse,
		backend:        cfg.Backend,
		collector:      collector.New(),
	}
	if p.packagesPrefix == "" {
		p.packagesPrefix = DefaultPackagesPrefix
	}
	if p.rpcPath == "" {
		p.rpcPath = DefaultRPCPath
	}
	if p.parse == nil {
		p.parse = pkgnames.Parse
	}

	fallback := cfg.FallbackURL
	if fallback == "" {
		fallback = "none"
	}
	p.collector.SetServerInfo(cfg.Version, fmt.Sprintf("%T", cfg.Backend), fallback)

	return p, nil
}

// Endpoint returns the scrape path the plugin serves on.
func (p *Plugin) Endpoint() string {
	return p.endpoint
}

// Collector returns the plugin's metrics collector, for hosts that want to
// record operations the classifier cannot see (removals, auth attempts,
// upload failures).
func (p *Plugin) Collector() *collector.Collector {
	return p.collector
}

// Install registers the scrape endpoint on the host router. It fails with
// ErrRouteConflict when the endpoint path is already routed, so a bad
// configuration aborts startup instead of shadowing a repository route.
func (p *Plugin) Install(r chi.Router) error {
	for _, route := range r.Routes() {
		if route.Pattern == p.endpoint {
			return fmt.Errorf("%w: %s", ErrRouteConflict, p.endpoint)
		}
	}

	r.Get(p.endpoint, p.handleMetrics)
	logging.Info("Metrics endpoint registered", "endpoint", p.endpoint)
	return nil
}

// Middleware wraps the host's handlers, timing each request and recording
// its metrics once the response is written. It must sit outside any
// middleware that rewrites the URL path.
func (p *Plugin) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = p.beforeRequest(r)

		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		p.afterRequest(r, ww.status)
	})
}

// beforeRequest stamps the start time into the request context.
func (p *Plugin) beforeRequest(r *http.Request) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), startTimeKey{}, time.Now()))
}

// afterRequest records the generic HTTP metrics and runs classification.
// A missing start stamp yields a zero duration rather than a failure.
func (p *Plugin) afterRequest(r *http.Request, status int) {
	var duration float64
	if start, ok := r.Context().Value(startTimeKey{}).(time.Time); ok {
		if elapsed := time.Since(start); elapsed > 0 {
			duration = elapsed.Seconds()
		}
	}

	statusCode := strconv.Itoa(status)
	p.collector.RecordHTTPRequest(r.Method, r.URL.Path, statusCode, duration)

	p.recordApplicationMetrics(r, statusCode)
}

// recordApplicationMetrics classifies the request into a repository event
// and records it. Classification is advisory: any failure, including a
// panic while reading the request, is logged and swallowed so it can never
// affect the response or the generic HTTP metrics.
func (p *Plugin) recordApplicationMetrics(r *http.Request, statusCode string) {
	defer func() {
		if v := recover(); v != nil {
			logging.Warn("Metrics classification failed",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", v)
		}
	}()

	event := Classify(p.snapshotRequest(r, statusCode), p.packagesPrefix, p.rpcPath, p.parse)

	switch event.Kind {
	case EventDownload:
		p.collector.RecordDownload(event.Project, event.Filename)
	case EventUpload:
		p.collector.RecordUpload(event.Project, event.User)
	case EventSearch:
		p.collector.RecordSearch(event.SearchType)
	}
}

// snapshotRequest reduces an *http.Request to the framework-free view the
// classifier works on. For POSTs it reuses the multipart form the handler
// already parsed; if the handler never touched the body a best-effort parse
// is attempted and its failure ignored.
func (p *Plugin) snapshotRequest(r *http.Request, statusCode string) RequestInfo {
	info := RequestInfo{
		Method: r.Method,
		Path:   r.URL.Path,
		Status: statusCode,
	}

	if r.Method == http.MethodPost {
		if r.MultipartForm == nil {
			_ = r.ParseMultipartForm(maxClassifyFormMemory)
		}
		if r.MultipartForm != nil {
			info.Form = url.Values(r.MultipartForm.Value)
			info.Files = make(map[string]string, len(r.MultipartForm.File))
			for name, headers := range r.MultipartForm.File {
				if len(headers) > 0 {
					info.Files[name] = headers[0].Filename
				}
			}
		} else if r.PostForm != nil {
			info.Form = r.PostForm
		}
	}

	if user, _, ok := r.BasicAuth(); ok {
		info.User = user
	}

	return info
}

// handleMetrics serves a scrape: refresh the repository gauges, render the
// registry, and never let either crash the host.
func (p *Plugin) handleMetrics(w http.ResponseWriter, r *http.Request) {
	p.updateRepositoryStats()

	body, contentType, err := p.collector.Generate()
	if err != nil {
		logging.Error("Metrics rendering failed", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "Error generating metrics: %v\n", err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// updateRepositoryStats refreshes packages_total and projects_total from
// the backend. A failing backend leaves the previous gauge values in place;
// the scrape still succeeds with stale numbers.
func (p *Plugin) updateRepositoryStats() {
	defer func() {
		if v := recover(); v != nil {
			logging.Warn("Failed to update repository stats", "panic", v)
		}
	}()

	packages, err := p.backend.AllPackages()
	if err != nil {
		logging.Warn("Failed to update repository stats", "error", err)
		return
	}

	projects := make(map[string]struct{}, len(packages))
	for _, pkg := range packages {
		projects[pkg.Name] = struct{}{}
	}

	p.collector.UpdatePackageCounts(len(packages), len(projects))
}

// statusRecorder captures the response status code for the after hook.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
