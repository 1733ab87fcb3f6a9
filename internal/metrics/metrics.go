package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agora"

// HTTP metrics, labelled by site (main or tenant)
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code", "site"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "site"},
	)

	HTTPRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
		[]string{"site"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Size of HTTP response bodies",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 7),
		},
		[]string{"site"},
	)
)

// Tenancy metrics
var (
	TenantResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_resolutions_total",
			Help:      "Host resolutions by outcome (main, subdomain, custom_domain, dev_override, miss, error)",
		},
		[]string{"outcome"},
	)

	TenantPoolsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tenant_pools_open",
			Help:      "Number of tenant connection pools currently held by the router",
		},
	)

	TenantPoolOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_pool_opens_total",
			Help:      "Connection pool construction attempts",
		},
		[]string{"result"},
	)

	TenantsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenants_created_total",
			Help:      "Total number of tenants registered",
		},
	)

	ProvisionStatements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_statements_total",
			Help:      "Schema statements executed during provisioning by outcome (applied, skipped, failed)",
		},
		[]string{"outcome"},
	)

	ProvisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Time taken to provision a tenant database",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)

// Cache and rate limit metrics
var (
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier (local, remote) and result (hit, miss, error)",
		},
		[]string{"tier", "result"},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_local_evictions_total",
			Help:      "Expired entries removed from the in-process cache by the sweeper",
		},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limit checks by action and outcome (allowed, rejected, fail_open)",
		},
		[]string{"action", "outcome"},
	)
)
