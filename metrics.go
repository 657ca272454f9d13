package precache

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreResult is the outcome label of a store operation.
type StoreResult string

const (
	StoreResultHit     StoreResult = "hit"
	StoreResultMiss    StoreResult = "miss"
	StoreResultOK      StoreResult = "ok"
	StoreResultSkipped StoreResult = "skipped"
	StoreResultError   StoreResult = "error"
)

// Recorder publishes Prometheus metrics for worker activity.
// A nil Recorder records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	answers     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	store       *prometheus.CounterVec
	network     prometheus.Histogram
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so several workers can coexist in one process.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	answers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "precache",
		Subsystem: "fetch",
		Name:      "answers_total",
		Help:      "Fetch events answered, by answer source.",
	}, []string{"source"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "precache",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Lifecycle phases entered by installed versions.",
	}, []string{"phase"})

	store := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "precache",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Cache store operations, by operation and result.",
	}, []string{"operation", "result"})

	network := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "precache",
		Subsystem: "network",
		Name:      "duration_seconds",
		Help:      "Latency of requests sent to the upstream.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	reg.MustRegister(answers, transitions, store, network)

	return &Recorder{
		gatherer:    reg,
		handler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		answers:     answers,
		transitions: transitions,
		store:       store,
		network:     network,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

func (r *Recorder) ObserveAnswer(source Source) {
	if r == nil {
		return
	}
	r.answers.WithLabelValues(normalizeLabel(string(source))).Inc()
}

func (r *Recorder) ObserveTransition(phase Phase) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(normalizeLabel(phase.String())).Inc()
}

func (r *Recorder) ObserveStore(operation string, result StoreResult) {
	if r == nil {
		return
	}
	r.store.WithLabelValues(normalizeLabel(operation), normalizeLabel(string(result))).Inc()
}

func (r *Recorder) ObserveNetwork(duration time.Duration) {
	if r == nil {
		return
	}
	r.network.Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
