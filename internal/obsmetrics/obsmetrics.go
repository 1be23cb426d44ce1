// Package obsmetrics exposes Prometheus counters and gauges for sandbox
// lifecycle and credit-metering events (sandboxes created/destroyed,
// active sandboxes, pool size by runtime/version, sandbox create
// latency, credit commits, credit exhaustion events), plus a Collector
// that turns per-session resource snapshots into a live gauge.
package obsmetrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgehq/runtime-core/internal/types"
)

var (
	SandboxesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forge_sandboxes_created_total",
		Help: "Total number of sandboxes created.",
	})

	SandboxesDestroyed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_sandboxes_destroyed_total",
		Help: "Total number of sandboxes destroyed, by termination cause.",
	}, []string{"cause"})

	ActiveSandboxes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "forge_active_sandboxes",
		Help: "Number of sandboxes currently reporting resource usage.",
	})

	PoolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forge_pool_size",
		Help: "Warm pool size by runtime/version key.",
	}, []string{"runtime", "version"})

	SandboxCreateLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_sandbox_create_latency_seconds",
		Help:    "Time taken to assign a sandbox to a session.",
		Buckets: prometheus.DefBuckets,
	})

	CreditCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forge_credit_commits_total",
		Help: "Total number of usage-meter debit commits.",
	})

	CreditExhaustionEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forge_credit_exhaustion_events_total",
		Help: "Total number of sessions reaped for credit exhaustion.",
	})
)

func init() {
	prometheus.MustRegister(
		SandboxesCreated,
		SandboxesDestroyed,
		ActiveSandboxes,
		PoolSize,
		SandboxCreateLatency,
		CreditCommits,
		CreditExhaustionEvents,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Collector implements metrics.Subscriber: it turns the Sampler's
// per-session resource snapshots into the active_sandboxes gauge,
// incrementing on a session's first snapshot and left to the caller
// (Forget) to decrement on reap, since Subscriber has no session-end hook.
type Collector struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewCollector constructs a Collector ready to Subscribe to a Sampler.
func NewCollector() *Collector {
	return &Collector{seen: make(map[string]struct{})}
}

// OnSnapshot implements metrics.Subscriber.
func (c *Collector) OnSnapshot(snap types.ResourceSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[snap.SessionRef]; ok {
		return
	}
	c.seen[snap.SessionRef] = struct{}{}
	ActiveSandboxes.Inc()
}

// Forget decrements active_sandboxes for a session the orchestrator has
// just reaped; a no-op if the session was never observed.
func (c *Collector) Forget(sessionRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[sessionRef]; !ok {
		return
	}
	delete(c.seen, sessionRef)
	ActiveSandboxes.Dec()
}
