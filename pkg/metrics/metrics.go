// Package metrics exposes Prometheus collectors for the signing service.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/recovery"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signapi"

// latencyBuckets cover a fast in-process signer up to a headless browser
// that needs seconds.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
}

type Registry struct {
	reg *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	SignTotal       *prometheus.CounterVec
	SignDuration    *prometheus.HistogramVec
	SignerReady     prometheus.Gauge
	SignerLoads     *prometheus.CounterVec
	RateLimited     prometheus.Counter
	ProxyRequests   *prometheus.CounterVec
	CrashRecoveries *prometheus.CounterVec
}

// NewRegistry builds a registry with the service collectors and the Go
// runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) prometheus.Collector {
		reg.MustRegister(c)
		return c
	}
	r := &Registry{reg: reg}
	r.HTTPRequests = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})).(*prometheus.CounterVec)
	r.HTTPDuration = factory(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   latencyBuckets,
	}, []string{"method", "route"})).(*prometheus.HistogramVec)
	r.SignTotal = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sign_total",
		Help:      "Sign requests by outcome (ok, proxied or an error kind).",
	}, []string{"outcome"})).(*prometheus.CounterVec)
	r.SignDuration = factory(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sign_invocation_duration_seconds",
		Help:      "Backend invocation latency by method.",
		Buckets:   latencyBuckets,
	}, []string{"method"})).(*prometheus.HistogramVec)
	r.SignerReady = factory(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "signer_ready",
		Help:      "1 when a signing backend is loaded.",
	})).(prometheus.Gauge)
	r.SignerLoads = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signer_loads_total",
		Help:      "Signer load attempts by result.",
	}, []string{"result"})).(*prometheus.CounterVec)
	r.RateLimited = factory(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by admission control.",
	})).(prometheus.Counter)
	r.ProxyRequests = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_requests_total",
		Help:      "Sign requests delegated to the proxy fallback by result.",
	}, []string{"result"})).(*prometheus.CounterVec)
	r.CrashRecoveries = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crash_recoveries_total",
		Help:      "Crash-triggered signer reloads by result.",
	}, []string{"result"})).(*prometheus.CounterVec)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveSignerEvent keeps loader and recovery metrics in step with
// lifecycle events.
func (r *Registry) ObserveSignerEvent(evt signer.Event) {
	switch evt.Type {
	case signer.EventLoaded:
		r.SignerLoads.WithLabelValues("ok").Inc()
		r.SignerReady.Set(1)
	case signer.EventLoadFailed:
		r.SignerLoads.WithLabelValues("failed").Inc()
		r.SignerReady.Set(0)
	case signer.EventUnloaded:
		r.SignerReady.Set(0)
	case recovery.EventRecovered:
		r.CrashRecoveries.WithLabelValues("ok").Inc()
	case recovery.EventRecoveryFailed:
		r.CrashRecoveries.WithLabelValues("failed").Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack passes connection takeover through for the websocket upgrade.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Middleware records request counts and latency keyed by chi route pattern.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, req)
		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		r.HTTPRequests.WithLabelValues(req.Method, route, strconv.Itoa(rec.code)).Inc()
		r.HTTPDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}
