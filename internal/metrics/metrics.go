// Package metrics exposes Prometheus collectors for the harvester processes.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	upstreamRequestsTotal      *prometheus.CounterVec
	upstreamRetriesTotal       *prometheus.CounterVec
	upstreamRejectionsTotal    *prometheus.CounterVec
	workerJobsTotal            *prometheus.CounterVec
	workerPollsTotal           *prometheus.CounterVec
	workerAttachmentsTotal     prometheus.Counter
	discoveryPagesTotal        *prometheus.CounterVec
	discoveryJobsTotal         *prometheus.CounterVec
	discoveryCheckpoint        *prometheus.GaugeVec
	serverStoredTotal          *prometheus.CounterVec
	serverNoticesTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times; the Observe helpers call it lazily.
func Init() {
	once.Do(func() {
		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirr_upstream_requests_total",
				Help: "Outbound requests issued by the request executor, labeled by host and status code.",
			},
			[]string{"host", "code"},
		)

		upstreamRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirr_upstream_retries_total",
				Help: "Retries scheduled by the request executor, labeled by reason.",
			},
			[]string{"reason"},
		)

		upstreamRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirr_upstream_rejections_total",
				Help: "Requests rejected by the upstream API with 403, labeled by host.",
			},
			[]string{"host"},
		)

		workerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirr_worker_jobs_total",
				Help: "Jobs executed by the worker, labeled by job type and outcome.",
			},
			[]string{"job_type", "outcome"},
		)

		workerPollsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirr_worker_polls_total",
				Help: "Job polls issued by the worker, labeled by result.",
			},
			[]string{"result"},
		)

		workerAttachmentsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mirr_worker_attachments_total",
				Help: "Attachment files fetched by attachment jobs.",
			},
		)

		discoveryPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirr_discovery_pages_total",
				Help: "Listing pages seen by discovery, labeled by endpoint and whether they were empty.",
			},
			[]string{"endpoint", "kind"},
		)

		discoveryJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirr_discovery_jobs_total",
				Help: "Jobs enqueued by discovery, labeled by endpoint and job type.",
			},
			[]string{"endpoint", "job_type"},
		)

		discoveryCheckpoint = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mirr_discovery_checkpoint_timestamp_seconds",
				Help: "Unix time of the latest stored checkpoint per endpoint.",
			},
			[]string{"endpoint"},
		)

		serverStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirr_workserver_stored_objects_total",
				Help: "Objects written to the result store by the work server, labeled by kind.",
			},
			[]string{"kind"},
		)

		serverNoticesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirr_workserver_notices_total",
				Help: "Result notices published by the work server, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpstreamRequest counts one executor attempt that received a response.
func ObserveUpstreamRequest(rawURL string, code int) {
	Init()
	upstreamRequestsTotal.WithLabelValues(SanitizeHost(rawURL), strconv.Itoa(code)).Inc()
}

// ObserveRetry counts a retry scheduled by the executor.
func ObserveRetry(reason string) {
	Init()
	upstreamRetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveRejection counts an upstream 403.
func ObserveRejection(rawURL string) {
	Init()
	upstreamRejectionsTotal.WithLabelValues(SanitizeHost(rawURL)).Inc()
}

// ObserveJob counts a job executed by a worker.
func ObserveJob(jobType string, outcome string) {
	Init()
	workerJobsTotal.WithLabelValues(jobType, outcome).Inc()
}

// ObservePoll counts a job poll.
func ObservePoll(result string) {
	Init()
	workerPollsTotal.WithLabelValues(result).Inc()
}

// ObserveAttachments counts fetched attachment files.
func ObserveAttachments(n int) {
	Init()
	if n > 0 {
		workerAttachmentsTotal.Add(float64(n))
	}
}

// ObserveDiscoveryPage counts a listing page.
func ObserveDiscoveryPage(endpoint string, empty bool) {
	Init()
	kind := "items"
	if empty {
		kind = "empty"
	}
	discoveryPagesTotal.WithLabelValues(endpoint, kind).Inc()
}

// ObserveDiscoveredJobs counts jobs enqueued for an endpoint.
func ObserveDiscoveredJobs(endpoint string, jobType string, n int) {
	Init()
	discoveryJobsTotal.WithLabelValues(endpoint, jobType).Add(float64(n))
}

// ObserveCheckpoint records the latest checkpoint of an endpoint.
func ObserveCheckpoint(endpoint string, at time.Time) {
	Init()
	discoveryCheckpoint.WithLabelValues(endpoint).Set(float64(at.Unix()))
}

// ObserveStored counts an object written by the work server.
func ObserveStored(kind string) {
	Init()
	serverStoredTotal.WithLabelValues(kind).Inc()
}

// ObserveNotice counts a publish attempt.
func ObserveNotice(err error) {
	Init()
	outcome := "published"
	if err != nil {
		outcome = "failed"
	}
	serverNoticesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
