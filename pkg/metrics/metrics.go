// Package metrics exposes Prometheus counters for OTP traffic, gate
// outcomes and link issuance. A nil *Metrics is a valid no-op recorder.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	otpSends         *prometheus.CounterVec
	otpVerifications *prometheus.CounterVec
	gateUnlocks      *prometheus.CounterVec
	linksIssued      *prometheus.CounterVec
	viewLogFailures  prometheus.Counter
	requestDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		otpSends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "landlink_otp_sends_total",
			Help: "OTP send requests by result.",
		}, []string{"result"}),
		otpVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "landlink_otp_verifications_total",
			Help: "OTP verification attempts by result.",
		}, []string{"result"}),
		gateUnlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "landlink_gate_unlocks_total",
			Help: "Private link unlock attempts by outcome.",
		}, []string{"outcome"}),
		linksIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "landlink_links_issued_total",
			Help: "Private link requests by whether a new link was created.",
		}, []string{"result"}),
		viewLogFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "landlink_view_log_failures_total",
			Help: "Successful unlocks whose view record could not be written.",
		}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "landlink_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) OTPSend(result string) {
	if m == nil {
		return
	}
	m.otpSends.WithLabelValues(result).Inc()
}

func (m *Metrics) OTPVerification(result string) {
	if m == nil {
		return
	}
	m.otpVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) GateUnlock(outcome string) {
	if m == nil {
		return
	}
	m.gateUnlocks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LinkIssued(created bool) {
	if m == nil {
		return
	}
	result := "existing"
	if created {
		result = "created"
	}
	m.linksIssued.WithLabelValues(result).Inc()
}

func (m *Metrics) ViewLogFailure() {
	if m == nil {
		return
	}
	m.viewLogFailures.Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
