// Package metrics exposes Prometheus collectors for cache lookups, fetch
// outcomes and consumer lifecycle. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "anycache"

// Lookup results.
const (
	LookupHit     = "hit"
	LookupMiss    = "miss"
	LookupCorrupt = "corrupt"
)

// Fetch outcomes.
const (
	FetchCompleted = "completed"
	FetchNotFound  = "not_found"
	FetchFailed    = "failed"
	FetchCancelled = "cancelled"
)

// Recorder 持有所有指标，使用独立 Registry，避免测试间重复注册。
type Recorder struct {
	registry *prometheus.Registry

	Lookups         *prometheus.CounterVec
	FetchesStarted  prometheus.Counter
	FetchOutcomes   *prometheus.CounterVec
	BytesDownloaded prometheus.Counter
	ActiveConsumers prometheus.Gauge
	ActiveFetches   prometheus.Gauge
}

// New 创建 Recorder；withRuntime 为 true 时额外注册 Go/进程指标。
func New(withRuntime bool) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		Lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Cache lookups by result (hit, miss, corrupt)",
			},
			[]string{"result"},
		),
		FetchesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "started_total",
				Help:      "Total number of fetch jobs started",
			},
		),
		FetchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "outcomes_total",
				Help:      "Fetch jobs by terminal outcome",
			},
			[]string{"outcome"},
		),
		BytesDownloaded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "bytes_total",
				Help:      "Bytes written to the cache by completed fetches",
			},
		),
		ActiveConsumers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "consumers",
				Name:      "active",
				Help:      "Number of live consumers",
			},
		),
		ActiveFetches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "active",
				Help:      "Number of transfers currently running",
			},
		),
	}

	r.registry.MustRegister(
		r.Lookups,
		r.FetchesStarted,
		r.FetchOutcomes,
		r.BytesDownloaded,
		r.ActiveConsumers,
		r.ActiveFetches,
	)
	if withRuntime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Registry 返回底层 Registry，供测试直接 Gather。
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler 返回 Prometheus exposition 格式的 http.Handler。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ObserveLookup(result string) {
	if r == nil {
		return
	}
	r.Lookups.WithLabelValues(result).Inc()
}

func (r *Recorder) FetchStarted() {
	if r == nil {
		return
	}
	r.FetchesStarted.Inc()
	r.ActiveFetches.Inc()
}

// FetchFinished 记录终态；bytes 只在 completed 时累计。
func (r *Recorder) FetchFinished(outcome string, bytes int64) {
	if r == nil {
		return
	}
	r.ActiveFetches.Dec()
	r.FetchOutcomes.WithLabelValues(outcome).Inc()
	if outcome == FetchCompleted && bytes > 0 {
		r.BytesDownloaded.Add(float64(bytes))
	}
}

func (r *Recorder) ConsumerCreated() {
	if r == nil {
		return
	}
	r.ActiveConsumers.Inc()
}

func (r *Recorder) ConsumerDestroyed() {
	if r == nil {
		return
	}
	r.ActiveConsumers.Dec()
}
