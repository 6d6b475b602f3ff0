// Package metrics exposes Prometheus collectors for the spec index cache,
// preload runs and the proxy. A nil *Registry records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gemstash"

// 结果与缓存标签值。
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"

	OutcomeFetched = "fetched"
	OutcomeCached  = "cached"
	OutcomeFailed  = "failed"
)

// Registry 持有独立的 prometheus.Registry，避免与全局默认注册表冲突。
type Registry struct {
	reg *prometheus.Registry

	specRequests *prometheus.CounterVec
	specRebuild  prometheus.Histogram
	preloadGems  *prometheus.CounterVec
	proxyReqs    *prometheus.CounterVec
}

// New 创建并注册全部指标，同时带上 Go 运行时与进程指标。
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		specRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spec_index",
			Name:      "requests_total",
			Help:      "Spec index requests by file and cache result",
		}, []string{"file", "result"}),
		specRebuild: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "spec_index",
			Name:      "rebuild_seconds",
			Help:      "Time spent rebuilding a spec index on cache miss",
			Buckets:   prometheus.DefBuckets,
		}),
		preloadGems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preload",
			Name:      "gems_total",
			Help:      "Gems processed by preload runs by outcome",
		}, []string{"upstream", "outcome"}),
		proxyReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Proxy requests by route and cache result",
		}, []string{"route", "cache"}),
	}
	r.reg.MustRegister(
		r.specRequests,
		r.specRebuild,
		r.preloadGems,
		r.proxyReqs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) SpecIndexRequest(file, result string) {
	if r == nil {
		return
	}
	r.specRequests.WithLabelValues(file, result).Inc()
}

func (r *Registry) SpecIndexRebuild(d time.Duration) {
	if r == nil {
		return
	}
	r.specRebuild.Observe(d.Seconds())
}

func (r *Registry) PreloadGem(upstream, outcome string) {
	if r == nil {
		return
	}
	r.preloadGems.WithLabelValues(upstream, outcome).Inc()
}

func (r *Registry) ProxyRequest(route, cache string) {
	if r == nil {
		return
	}
	r.proxyReqs.WithLabelValues(route, cache).Inc()
}

// Gatherer 供测试与自定义导出使用。
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Handler 返回 text exposition 格式的 HTTP handler。
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}
