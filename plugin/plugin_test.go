package plugin

import (
	"bytes"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/giygas/pypiserver-metrics/backend"
)

// stubBackend is a controllable in-memory backend.
type stubBackend struct {
	packages []backend.Package
	err      error
}

func (b *stubBackend) AllPackages() ([]backend.Package, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.packages, nil
}

func newTestPlugin(t *testing.T, be backend.Backend) *Plugin {
	t.Helper()
	t.Setenv("METRICS_ENDPOINT", "")

	p, err := New(Config{Backend: be, Version: "test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

// scrape returns the body of a metrics scrape through the full handler.
func scrape(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewRequiresBackend(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("Expected setup error without a backend, got nil")
	}
}

func TestEndpointResolution(t *testing.T) {
	be := &stubBackend{}

	t.Run("default", func(t *testing.T) {
		t.Setenv("METRICS_ENDPOINT", "")
		p, err := New(Config{Backend: be})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if p.Endpoint() != DefaultEndpoint {
			t.Errorf("Expected %s, got %s", DefaultEndpoint, p.Endpoint())
		}
	})

	t.Run("config value", func(t *testing.T) {
		t.Setenv("METRICS_ENDPOINT", "")
		p, err := New(Config{Backend: be, Endpoint: "/internal/metrics"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if p.Endpoint() != "/internal/metrics" {
			t.Errorf("Expected /internal/metrics, got %s", p.Endpoint())
		}
	})

	t.Run("environment wins over config", func(t *testing.T) {
		t.Setenv("METRICS_ENDPOINT", "/custom-metrics")
		p, err := New(Config{Backend: be, Endpoint: "/internal/metrics"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if p.Endpoint() != "/custom-metrics" {
			t.Errorf("Expected /custom-metrics, got %s", p.Endpoint())
		}
	})

	t.Run("invalid endpoint", func(t *testing.T) {
		t.Setenv("METRICS_ENDPOINT", "metrics")
		if _, err := New(Config{Backend: be}); err == nil {
			t.Error("Expected error for endpoint without leading slash, got nil")
		}
	})
}

func TestInstallRouteConflict(t *testing.T) {
	p := newTestPlugin(t, &stubBackend{})

	router := chi.NewRouter()
	router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {})

	err := p.Install(router)
	if !errors.Is(err, ErrRouteConflict) {
		t.Fatalf("Expected ErrRouteConflict, got %v", err)
	}
}

func TestScrapeSucceedsBeforeAnyTraffic(t *testing.T) {
	// A fresh plugin has labeled instruments with zero series; the very
	// first scrape must still render them as headers and return 200
	p := newTestPlugin(t, &stubBackend{})

	router := chi.NewRouter()
	if err := p.Install(router); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	rec := scrape(t, router, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from first scrape, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Expected text exposition content type, got %q", ct)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"pypiserver_auth_attempts_total",
		"pypiserver_package_removals_total",
		"pypiserver_errors_total",
	} {
		if !strings.Contains(body, "# HELP "+name+" ") {
			t.Errorf("Expected HELP header for unobserved %s:\n%s", name, body)
		}
		if strings.Contains(body, name+"{") {
			t.Errorf("Unexpected series for unobserved %s:\n%s", name, body)
		}
	}
}

func TestScrapeEndpoint(t *testing.T) {
	be := &stubBackend{packages: []backend.Package{
		{Name: "foo", Version: "1.0.0", Filename: "foo-1.0.0.tar.gz"},
		{Name: "foo", Version: "1.1.0", Filename: "foo-1.1.0.tar.gz"},
		{Name: "bar", Version: "2.0", Filename: "bar-2.0.zip"},
	}}
	p := newTestPlugin(t, be)

	router := chi.NewRouter()
	if err := p.Install(router); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	rec := scrape(t, router, "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Expected text exposition content type, got %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "pypiserver_packages_total 3") {
		t.Errorf("Expected packages_total 3 in scrape:\n%s", body)
	}
	if !strings.Contains(body, "pypiserver_projects_total 2") {
		t.Errorf("Expected projects_total 2 in scrape:\n%s", body)
	}
	if !strings.Contains(body, `pypiserver_info{backend_type="*plugin.stubBackend",fallback_url="none",version="test"} 1`) {
		t.Errorf("Expected info series in scrape:\n%s", body)
	}
}

func TestScrapeKeepsStaleGaugesOnBackendFailure(t *testing.T) {
	be := &stubBackend{packages: []backend.Package{
		{Name: "foo", Version: "1.0.0", Filename: "foo-1.0.0.tar.gz"},
	}}
	p := newTestPlugin(t, be)

	router := chi.NewRouter()
	if err := p.Install(router); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	// First scrape populates the gauges
	if rec := scrape(t, router, "/metrics"); !strings.Contains(rec.Body.String(), "pypiserver_packages_total 1") {
		t.Fatalf("Expected packages_total 1 after first scrape:\n%s", rec.Body.String())
	}

	// Backend starts failing; the scrape still succeeds with stale values
	be.err = fmt.Errorf("backend exploded")

	rec := scrape(t, router, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200 despite backend failure, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "pypiserver_packages_total 1") {
		t.Errorf("Expected stale packages_total 1:\n%s", body)
	}
	if !strings.Contains(body, "pypiserver_projects_total 1") {
		t.Errorf("Expected stale projects_total 1:\n%s", body)
	}
}

func TestMiddlewareRecordsHTTPAndDownloadMetrics(t *testing.T) {
	p := newTestPlugin(t, &stubBackend{})

	router := chi.NewRouter()
	router.Use(p.Middleware)
	router.Get("/packages/{filename}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "filename") == "missing-1.0.tar.gz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("package bytes"))
	})
	if err := p.Install(router); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	download := scrape(t, router, "/packages/foo-1.0.0.tar.gz")
	if download.Code != http.StatusOK {
		t.Fatalf("Expected 200 download, got %d", download.Code)
	}
	scrape(t, router, "/packages/missing-1.0.tar.gz")

	body := scrape(t, router, "/metrics").Body.String()

	if !strings.Contains(body, `pypiserver_package_downloads_total{filename="foo-1.0.0.tar.gz",package_name="foo"} 1`) {
		t.Errorf("Expected exactly one download event:\n%s", body)
	}
	if strings.Contains(body, `filename="missing-1.0.tar.gz"`) {
		t.Errorf("404 download must not be recorded:\n%s", body)
	}
	if !strings.Contains(body, `pypiserver_http_requests_total{endpoint="/packages/missing-1.0.tar.gz",method="GET",status_code="404"} 1`) {
		t.Errorf("Expected generic HTTP metric for the 404:\n%s", body)
	}
	if !strings.Contains(body, `pypiserver_http_requests_total{endpoint="/packages/foo-1.0.0.tar.gz",method="GET",status_code="200"} 1`) {
		t.Errorf("Expected generic HTTP metric for the 200:\n%s", body)
	}
}

func TestMiddlewareRecordsUpload(t *testing.T) {
	p := newTestPlugin(t, &stubBackend{})

	router := chi.NewRouter()
	router.Use(p.Middleware)
	router.Post("/", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := p.Install(router); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField(":action", "file_upload"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("content", "bar-2.1.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("fake distribution"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 upload, got %d", rec.Code)
	}

	body := scrape(t, router, "/metrics").Body.String()
	if !strings.Contains(body, `pypiserver_package_uploads_total{package_name="bar",user="anonymous"} 1`) {
		t.Errorf("Expected one anonymous upload event:\n%s", body)
	}
}

func TestMiddlewareRecordsSearch(t *testing.T) {
	p := newTestPlugin(t, &stubBackend{})

	router := chi.NewRouter()
	router.Use(p.Middleware)
	router.Post("/RPC2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<methodResponse/>"))
	})
	if err := p.Install(router); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/RPC2", strings.NewReader("<methodCall/>"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from RPC stub, got %d", rec.Code)
	}

	body := scrape(t, router, "/metrics").Body.String()
	if !strings.Contains(body, `pypiserver_searches_total{search_type="xmlrpc"} 1`) {
		t.Errorf("Expected one xmlrpc search event:\n%s", body)
	}
}

func TestAfterRequestWithoutStartStamp(t *testing.T) {
	p := newTestPlugin(t, &stubBackend{})

	// No before hook ran for this request; the after hook must still
	// record it with a zero duration instead of failing
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	p.afterRequest(req, http.StatusOK)

	router := chi.NewRouter()
	if err := p.Install(router); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	body := scrape(t, router, "/metrics").Body.String()

	if !strings.Contains(body, `pypiserver_http_requests_total{endpoint="/health",method="GET",status_code="200"} 1`) {
		t.Errorf("Expected request recorded despite missing stamp:\n%s", body)
	}
	if !strings.Contains(body, `pypiserver_http_request_duration_seconds_bucket{endpoint="/health",le="0.005",method="GET",status_code="200"} 1`) {
		t.Errorf("Expected zero duration in the lowest bucket:\n%s", body)
	}
}

func TestClassificationPanicDoesNotBreakRequest(t *testing.T) {
	p := newTestPlugin(t, &stubBackend{})
	p.parse = func(string) (string, string, bool) {
		panic("parser blew up")
	}

	router := chi.NewRouter()
	router.Use(p.Middleware)
	router.Get("/packages/{filename}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if err := p.Install(router); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	rec := scrape(t, router, "/packages/foo-1.0.0.tar.gz")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected the response to be unaffected, got %d", rec.Code)
	}

	body := scrape(t, router, "/metrics").Body.String()
	if !strings.Contains(body, `pypiserver_http_requests_total{endpoint="/packages/foo-1.0.0.tar.gz",method="GET",status_code="200"} 1`) {
		t.Errorf("Expected generic HTTP metric despite classification panic:\n%s", body)
	}
	if strings.Contains(body, "pypiserver_package_downloads_total{") {
		t.Errorf("Expected no download event after classification panic:\n%s", body)
	}
}
