// Package metrics registers the Prometheus collectors for the send/verify
// engine. Collectors are package-level; callers increment them directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SendsTotal counts finalized recipient outcomes per campaign.
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailplane",
		Name:      "sends_total",
		Help:      "Finalized sends by outcome.",
	}, []string{"outcome"})

	// SendFailures counts individual attempt failures by error kind.
	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailplane",
		Name:      "send_failures_total",
		Help:      "Send attempt failures by error kind.",
	}, []string{"kind"})

	// RetriesTotal counts retry attempts across all campaigns.
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailplane",
		Name:      "retries_total",
		Help:      "Retry attempts.",
	})

	// RateLimitWaits counts times a worker had to wait out a rate limit.
	RateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailplane",
		Name:      "rate_limit_waits_total",
		Help:      "Times a worker waited on a rate limit.",
	})

	// ProxyProbeDuration observes proxy probe round-trip times.
	ProxyProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mailplane",
		Name:      "proxy_probe_duration_seconds",
		Help:      "Proxy probe round-trip time.",
		Buckets:   prometheus.DefBuckets,
	})

	// WorkingProxies tracks the size of the working proxy set per session.
	WorkingProxies = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mailplane",
		Name:      "working_proxies",
		Help:      "Working proxies per session.",
	}, []string{"session"})

	// ActiveWorkers tracks live campaign workers.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mailplane",
		Name:      "active_workers",
		Help:      "Currently running campaign workers.",
	})
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
