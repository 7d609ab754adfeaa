package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jobs.Track("stock:audit").End(nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "fulfillment_jobs_total") {
		t.Fatalf("expected body to contain fulfillment_jobs_total, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	metricsBody := metricsRR.Body.String()
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestObserveCommandLabelsOutcome(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveCommand("create_delivery", 10*time.Millisecond, nil)
	metrics.ObserveCommand("create_delivery", time.Millisecond, &shared.RemainingQuantityError{ProductID: 1, Requested: 70, Max: 60})
	metrics.ObserveCommand("accept_delivery", time.Millisecond, &shared.BusyError{Resource: "fulfillment:order:1", Cause: errors.New("timeout")})
	metrics.ObserveCommand("accept_delivery", time.Millisecond, errors.New("connection reset"))

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	for _, want := range []string{
		`fulfillment_commands_total{command="create_delivery",outcome="ok"} 1`,
		`fulfillment_commands_total{command="create_delivery",outcome="rejected"} 1`,
		`fulfillment_commands_total{command="accept_delivery",outcome="busy"} 1`,
		`fulfillment_commands_total{command="accept_delivery",outcome="error"} 1`,
		`fulfillment_command_duration_seconds_count{command="create_delivery"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in metrics, got: %s", want, body)
		}
	}
}

func TestOutcomeWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("fulfillment: cancel delivery: %w", shared.ErrCancellationNotAllowed)
	if got := Outcome(wrapped); got != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", got)
	}
	var nilMetrics *Metrics
	nilMetrics.ObserveCommand("noop", 0, nil)
}
