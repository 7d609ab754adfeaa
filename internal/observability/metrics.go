package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Outcome labels recorded for fulfillment commands.
const (
	OutcomeOK       = "ok"
	OutcomeBusy     = "busy"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fulfillment_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_commands_total",
		Help: "Jumlah perintah fulfillment berdasarkan nama dan hasil.",
	}, []string{"command", "outcome"})
	commandDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fulfillment_command_duration_seconds",
		Help:    "Durasi perintah fulfillment termasuk waktu menunggu lock.",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})
	registry.MustRegister(requests, duration, commands, commandDuration)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		commandsTotal:   commands,
		commandDuration: commandDuration,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveCommand mencatat hasil satu perintah fulfillment.
func (m *Metrics) ObserveCommand(command string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command, Outcome(err)).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// Outcome classifies a command error into a metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, shared.ErrBusy):
		return OutcomeBusy
	case errors.Is(err, shared.ErrNotFound),
		errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrInsufficientRemainingQuantity),
		errors.Is(err, shared.ErrInsufficientStock),
		errors.Is(err, shared.ErrQuantityMismatch),
		errors.Is(err, shared.ErrCancellationNotAllowed),
		errors.Is(err, shared.ErrInvalidTransition),
		errors.Is(err, shared.ErrLineItemLocked):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
