// Package observability exports request, parser, cache and connection
// metrics to Prometheus and keeps a running bottleneck analysis per route.
package observability

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "h1server"

// PerformanceMonitor collects metrics for one server instance. It owns its
// registry so several servers (and tests) never collide on registration.
type PerformanceMonitor struct {
	enabled  atomic.Bool
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	parseErrors  *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	connections  prometheus.Gauge
	accepted     prometheus.Counter

	routes sync.Map // route -> *RouteMetrics

	bottlenecks  []Bottleneck
	bottleneckMu sync.RWMutex
}

// RouteMetrics stores per-route aggregates used by bottleneck detection.
type RouteMetrics struct {
	Name          string
	Count         atomic.Uint64
	Errors        atomic.Uint64
	TotalDuration atomic.Uint64
	MinDuration   atomic.Uint64
	MaxDuration   atomic.Uint64
}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type       string    `json:"type"`
	Location   string    `json:"location"`
	Severity   int       `json:"severity"`
	Impact     float64   `json:"impact"`
	DetectedAt time.Time `json:"detected_at"`
	Details    string    `json:"details"`
}

// CacheStats is the part of the cache store the monitor samples.
type CacheStats interface {
	Len() int
	Bytes() int64
}

// NewPerformanceMonitor creates a monitor with Go runtime and process
// collectors already registered.
func NewPerformanceMonitor() *PerformanceMonitor {
	pm := &PerformanceMonitor{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Responses written, by method, route, status and cache result.",
		}, []string{"method", "route", "status", "cache"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from a parsed request to its response head.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"route"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Rejected requests, by error kind.",
		}, []string{"kind"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests refused by the auth gate, by status.",
		}, []string{"status"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Client connections currently open.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted.",
		}),
	}
	pm.enabled.Store(true)
	pm.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		pm.requests, pm.duration, pm.parseErrors, pm.authFailures,
		pm.connections, pm.accepted,
	)
	return pm
}

// Registry returns the registry to expose through promhttp.
func (pm *PerformanceMonitor) Registry() *prometheus.Registry { return pm.registry }

// SetEnabled turns recording on or off.
func (pm *PerformanceMonitor) SetEnabled(on bool) { pm.enabled.Store(on) }

// RegisterCache exports entry count and resident bytes of a cache store.
func (pm *PerformanceMonitor) RegisterCache(c CacheStats) {
	pm.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries resident in the response cache.",
		}, func() float64 { return float64(c.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Bytes resident in the response cache.",
		}, func() float64 { return float64(c.Bytes()) }),
	)
}

// RegisterGauge exports an arbitrary sampled value, used for pool stats.
func (pm *PerformanceMonitor) RegisterGauge(name, help string, fn func() float64) {
	pm.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// RecordRequest records a response. Status 5xx counts as an error for
// bottleneck detection.
func (pm *PerformanceMonitor) RecordRequest(method, route string, status int, cache string, duration time.Duration) {
	if !pm.enabled.Load() {
		return
	}
	if cache == "" {
		cache = "none"
	}
	pm.requests.WithLabelValues(method, route, strconv.Itoa(status), cache).Inc()
	pm.duration.WithLabelValues(route).Observe(duration.Seconds())

	val, _ := pm.routes.LoadOrStore(route, &RouteMetrics{Name: route})
	metrics := val.(*RouteMetrics)
	metrics.Count.Add(1)
	if status >= 500 {
		metrics.Errors.Add(1)
	}
	durationNs := uint64(duration.Nanoseconds())
	metrics.TotalDuration.Add(durationNs)
	updateMinMax(metrics, durationNs)
}

// RecordParseError counts a rejected message.
func (pm *PerformanceMonitor) RecordParseError(kind string) {
	if pm.enabled.Load() {
		pm.parseErrors.WithLabelValues(kind).Inc()
	}
}

// RecordAuthFailure counts a 401 or 403.
func (pm *PerformanceMonitor) RecordAuthFailure(status int) {
	if pm.enabled.Load() {
		pm.authFailures.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}

// ConnOpened and ConnClosed track open connections.
func (pm *PerformanceMonitor) ConnOpened() {
	pm.accepted.Inc()
	pm.connections.Inc()
}

func (pm *PerformanceMonitor) ConnClosed() { pm.connections.Dec() }

// Route returns the aggregates for route, or nil.
func (pm *PerformanceMonitor) Route(route string) *RouteMetrics {
	if v, ok := pm.routes.Load(route); ok {
		return v.(*RouteMetrics)
	}
	return nil
}

func updateMinMax(m *RouteMetrics, d uint64) {
	for {
		min := m.MinDuration.Load()
		if min != 0 && d >= min {
			break
		}
		if m.MinDuration.CompareAndSwap(min, d) {
			break
		}
	}
	for {
		max := m.MaxDuration.Load()
		if d <= max {
			break
		}
		if m.MaxDuration.CompareAndSwap(max, d) {
			break
		}
	}
}

// Analyze refreshes the bottleneck list every interval until ctx is done.
func (pm *PerformanceMonitor) Analyze(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !pm.enabled.Load() {
			continue
		}
		bottlenecks := pm.detectBottlenecks()
		pm.bottleneckMu.Lock()
		pm.bottlenecks = bottlenecks
		pm.bottleneckMu.Unlock()
	}
}

func (pm *PerformanceMonitor) detectBottlenecks() []Bottleneck {
	bottlenecks := make([]Bottleneck, 0)

	pm.routes.Range(func(key, value any) bool {
		m := value.(*RouteMetrics)
		count := m.Count.Load()
		if count == 0 {
			return true
		}

		avgDuration := time.Duration(m.TotalDuration.Load() / count)

		// High latency
		if avgDuration > 100*time.Millisecond {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "latency",
				Location:   m.Name,
				Severity:   8,
				Impact:     100.0,
				DetectedAt: time.Now(),
				Details:    fmt.Sprintf("High latency (%v avg)", avgDuration),
			})
		}

		// High error rate
		errors := m.Errors.Load()
		if errors > 0 && float64(errors)/float64(count) > 0.05 {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "errors",
				Location:   m.Name,
				Severity:   10,
				Impact:     float64(errors) / float64(count) * 100,
				DetectedAt: time.Now(),
				Details:    fmt.Sprintf("%.1f%% error rate", float64(errors)/float64(count)*100),
			})
		}

		return true
	})

	return bottlenecks
}

// GetBottlenecks returns detected bottlenecks
func (pm *PerformanceMonitor) GetBottlenecks() []Bottleneck {
	pm.bottleneckMu.RLock()
	defer pm.bottleneckMu.RUnlock()
	return append([]Bottleneck{}, pm.bottlenecks...)
}
