// Package metrics exposes ledger activity as Prometheus series.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mcclellann/loanledger/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry  *prometheus.Registry
	events    *prometheus.CounterVec
	amounts   *prometheus.CounterVec
	statuses  *prometheus.CounterVec
	sweeps    *prometheus.CounterVec
	sweepTime prometheus.Histogram
	requests  *prometheus.CounterVec
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "loanledger"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events published, by type.",
		}, []string{"type"}),
		amounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "amount_total",
			Help:      "Money moved by domain events, by type.",
		}, []string{"type"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loan_status_transitions_total",
			Help:      "Loan status transitions, by source and target status.",
		}, []string{"from", "to"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_loans_total",
			Help:      "Loans visited by settlement sweeps, by outcome.",
		}, []string{"outcome"}),
		sweepTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of settlement sweeps in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route, method and status.",
		}, []string{"route", "method", "status"}),
	}
	c.registry.MustRegister(c.events, c.amounts, c.statuses, c.sweeps, c.sweepTime, c.requests)
	return c
}

// Handle is an events.Handler.
func (c *Collector) Handle(e events.Event) {
	t := string(e.Type)
	c.events.WithLabelValues(t).Inc()
	if amount, _ := e.Amount.Float64(); amount > 0 {
		c.amounts.WithLabelValues(t).Add(amount)
	}
	if e.Type == events.LoanStatusChanged {
		c.statuses.WithLabelValues(string(e.PreviousStatus), string(e.Status)).Inc()
	}
}

// ObserveSweep records one settlement sweep.
func (c *Collector) ObserveSweep(settled, skipped, failed int, took time.Duration) {
	c.sweeps.WithLabelValues("settled").Add(float64(settled))
	c.sweeps.WithLabelValues("skipped").Add(float64(skipped))
	c.sweeps.WithLabelValues("failed").Add(float64(failed))
	c.sweepTime.Observe(took.Seconds())
}

// Middleware counts requests served by next under route.
func (c *Collector) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			c.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		})
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
