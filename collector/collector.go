// Package collector provides Prometheus metrics collection for a package
// repository server. All instruments live in a private registry so the
// collector never interferes with the host process's default registry,
// and can be rendered on demand in the text exposition format.
//
// Exported metrics (all in the pypiserver namespace):
//   - http_requests_total / http_request_duration_seconds: per-request traffic
//   - package_downloads_total, package_uploads_total, package_removals_total
//   - packages_total / projects_total: repository state gauges
//   - searches_total, simple_index_requests_total, auth_attempts_total
//   - errors_total, pypiserver_info, uptime_seconds
package collector

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// DurationBuckets are the histogram bounds for request latency, in seconds.
var DurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1.0, 2.5, 5.0, 7.5, 10.0,
}

// familyDesc records the identity of one registered instrument so that
// rendering can emit HELP/TYPE headers even for instruments that have not
// observed any labeled series yet.
type familyDesc struct {
	name string
	help string
	typ  dto.MetricType
}

// Collector owns every metric instrument of the plugin. It is safe for
// concurrent use by any number of request-handling goroutines; a single
// instance is created at plugin setup and lives for the process lifetime.
type Collector struct {
	registry  *prometheus.Registry
	startTime time.Time
	families  []familyDesc

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	packageDownloadsTotal      *prometheus.CounterVec
	packageUploadsTotal        *prometheus.CounterVec
	packageUploadFailuresTotal *prometheus.CounterVec
	packageRemovalsTotal       *prometheus.CounterVec

	packagesTotal prometheus.Gauge
	projectsTotal prometheus.Gauge

	searchesTotal            *prometheus.CounterVec
	simpleIndexRequestsTotal *prometheus.CounterVec

	authAttemptsTotal *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec

	serverInfo    *prometheus.GaugeVec
	uptimeSeconds prometheus.Gauge
}

// New creates a collector with its own registry and registers every
// instrument on it.
func New() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.httpRequestsTotal = c.newCounterVec(
		"pypiserver_http_requests_total",
		"Total HTTP requests",
		[]string{"method", "endpoint", "status_code"},
	)

	c.httpRequestDuration = c.newHistogramVec(
		"pypiserver_http_request_duration_seconds",
		"HTTP request duration in seconds",
		[]string{"method", "endpoint", "status_code"},
		DurationBuckets,
	)

	c.packageDownloadsTotal = c.newCounterVec(
		"pypiserver_package_downloads_total",
		"Total package downloads",
		[]string{"package_name", "filename"},
	)

	c.packageUploadsTotal = c.newCounterVec(
		"pypiserver_package_uploads_total",
		"Total successful package uploads",
		[]string{"package_name", "user"},
	)

	c.packageUploadFailuresTotal = c.newCounterVec(
		"pypiserver_package_upload_failures_total",
		"Total failed package uploads",
		[]string{"reason"},
	)

	c.packageRemovalsTotal = c.newCounterVec(
		"pypiserver_package_removals_total",
		"Total package removals",
		[]string{"package_name", "user"},
	)

	c.packagesTotal = c.newGauge(
		"pypiserver_packages_total",
		"Current number of package files",
	)

	c.projectsTotal = c.newGauge(
		"pypiserver_projects_total",
		"Current number of unique projects",
	)

	c.searchesTotal = c.newCounterVec(
		"pypiserver_searches_total",
		"Total search operations",
		[]string{"search_type"},
	)

	c.simpleIndexRequestsTotal = c.newCounterVec(
		"pypiserver_simple_index_requests_total",
		"Total PEP 503 simple index requests",
		[]string{"project_name"},
	)

	c.authAttemptsTotal = c.newCounterVec(
		"pypiserver_auth_attempts_total",
		"Total authentication attempts",
		[]string{"action", "result"},
	)

	c.errorsTotal = c.newCounterVec(
		"pypiserver_errors_total",
		"Total errors",
		[]string{"endpoint", "error_type", "status_code"},
	)

	c.serverInfo = c.newGaugeVec(
		"pypiserver_info",
		"PyPI server information",
		[]string{"version", "backend_type", "fallback_url"},
	)

	c.uptimeSeconds = c.newGauge(
		"pypiserver_uptime_seconds",
		"Server uptime in seconds",
	)

	return c
}

func (c *Collector) newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	c.registry.MustRegister(v)
	c.families = append(c.families, familyDesc{name, help, dto.MetricType_COUNTER})
	return v
}

func (c *Collector) newGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	c.registry.MustRegister(g)
	c.families = append(c.families, familyDesc{name, help, dto.MetricType_GAUGE})
	return g
}

func (c *Collector) newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	c.registry.MustRegister(v)
	c.families = append(c.families, familyDesc{name, help, dto.MetricType_GAUGE})
	return v
}

func (c *Collector) newHistogramVec(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	c.registry.MustRegister(v)
	c.families = append(c.families, familyDesc{name, help, dto.MetricType_HISTOGRAM})
	return v
}

// RecordHTTPRequest records one completed HTTP request with its duration in
// seconds.
func (c *Collector) RecordHTTPRequest(method, endpoint, statusCode string, duration float64) {
	c.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	c.httpRequestDuration.WithLabelValues(method, endpoint, statusCode).Observe(duration)
}

// RecordDownload records a package download.
func (c *Collector) RecordDownload(packageName, filename string) {
	c.packageDownloadsTotal.WithLabelValues(packageName, filename).Inc()
}

// RecordUpload records a successful package upload. An empty user is
// recorded as "anonymous".
func (c *Collector) RecordUpload(packageName, user string) {
	if user == "" {
		user = "anonymous"
	}
	c.packageUploadsTotal.WithLabelValues(packageName, user).Inc()
}

// RecordUploadFailure records a failed package upload.
func (c *Collector) RecordUploadFailure(reason string) {
	c.packageUploadFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordRemoval records a package removal. An empty user is recorded as
// "anonymous".
func (c *Collector) RecordRemoval(packageName, user string) {
	if user == "" {
		user = "anonymous"
	}
	c.packageRemovalsTotal.WithLabelValues(packageName, user).Inc()
}

// UpdatePackageCounts updates the repository state gauges.
func (c *Collector) UpdatePackageCounts(packageCount, projectCount int) {
	c.packagesTotal.Set(float64(packageCount))
	c.projectsTotal.Set(float64(projectCount))
}

// RecordSearch records a search operation.
func (c *Collector) RecordSearch(searchType string) {
	c.searchesTotal.WithLabelValues(searchType).Inc()
}

// RecordSimpleIndexRequest records a PEP 503 simple index request.
func (c *Collector) RecordSimpleIndexRequest(projectName string) {
	c.simpleIndexRequestsTotal.WithLabelValues(projectName).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func (c *Collector) RecordAuthAttempt(action string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(action, result).Inc()
}

// RecordError records an error observed while serving a request.
func (c *Collector) RecordError(endpoint, errorType, statusCode string) {
	c.errorsTotal.WithLabelValues(endpoint, errorType, statusCode).Inc()
}

// SetServerInfo sets the static server information record. Calling it again
// replaces the previous snapshot; only the latest one is exposed.
func (c *Collector) SetServerInfo(version, backendType, fallbackURL string) {
	c.serverInfo.Reset()
	c.serverInfo.WithLabelValues(version, backendType, fallbackURL).Set(1)
}

// Generate renders every instrument to the Prometheus text exposition
// format and returns the body together with its content type. The uptime
// gauge is recomputed immediately before serialization. Instruments that
// have no observed series are still emitted with their HELP/TYPE headers.
func (c *Collector) Generate() ([]byte, string, error) {
	c.uptimeSeconds.Set(time.Since(c.startTime).Seconds())

	mfs, err := c.registry.Gather()
	if err != nil {
		return nil, "", fmt.Errorf("gathering metrics: %w", err)
	}

	missing := c.missingFamilies(mfs)

	// The text encoder refuses metric families without samples, so
	// instruments with no observed series get their headers written by
	// hand, merged into the gatherer's name order.
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)

	i, j := 0, 0
	for i < len(mfs) || j < len(missing) {
		if j >= len(missing) || (i < len(mfs) && mfs[i].GetName() < missing[j].name) {
			if err := enc.Encode(mfs[i]); err != nil {
				return nil, "", fmt.Errorf("encoding metric family %s: %w", mfs[i].GetName(), err)
			}
			i++
			continue
		}
		writeFamilyHeader(&buf, missing[j])
		j++
	}

	return buf.Bytes(), string(format), nil
}

// missingFamilies returns the registered instruments the gatherer skipped
// because they have no labeled series yet, sorted by name.
func (c *Collector) missingFamilies(mfs []*dto.MetricFamily) []familyDesc {
	seen := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		seen[mf.GetName()] = true
	}

	var missing []familyDesc
	for _, fam := range c.families {
		if !seen[fam.name] {
			missing = append(missing, fam)
		}
	}

	sort.Slice(missing, func(i, j int) bool {
		return missing[i].name < missing[j].name
	})

	return missing
}

// writeFamilyHeader emits the HELP/TYPE lines of an instrument that has no
// series to encode.
func writeFamilyHeader(buf *bytes.Buffer, fam familyDesc) {
	fmt.Fprintf(buf, "# HELP %s %s\n", fam.name, fam.help)
	fmt.Fprintf(buf, "# TYPE %s %s\n", fam.name, strings.ToLower(fam.typ.String()))
}

// Registry exposes the underlying Prometheus registry, mainly so tests can
// gather from it directly.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// StartTime returns the instant the collector was created, which is the
// reference point for the uptime gauge.
func (c *Collector) StartTime() time.Time {
	return c.startTime
}
