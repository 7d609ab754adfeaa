package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/ledger"
	"github.com/odyssey-erp/fulfillment/internal/observability"
	"github.com/odyssey-erp/fulfillment/internal/platform/lock"
	_ "github.com/odyssey-erp/fulfillment/internal/testing/guard"
)

func testConfig() *Config {
	return &Config{
		AppEnv:             "test",
		AppRequestTimeout:  5 * time.Second,
		StoreDriver:        StoreMemory,
		LockBackend:        LockLocal,
		LockWaitTimeout:    time.Second,
		CacheTTL:           time.Minute,
		RateLimitPerMinute: 1000,
	}
}

func newTestServer(t *testing.T, withRedis bool, checks map[string]HealthCheck) *httptest.Server {
	t.Helper()
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics()
	backends := Backends{
		Store:  ledger.NewMemoryStore(time.Second),
		Locker: lock.NewLocalLocker(time.Second),
	}
	if withRedis {
		mr := miniredis.RunT(t)
		backends.Redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = backends.Redis.Close() })
	}
	container := NewContainer(cfg, backends, logger, metrics)
	params := container.RouterParams(cfg, logger, metrics)
	params.HealthChecks = checks
	srv := httptest.NewServer(NewRouter(params))
	t.Cleanup(srv.Close)
	return srv
}

func send(t *testing.T, method, url string, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestRouterServesFulfillmentFlow(t *testing.T) {
	srv := newTestServer(t, true, nil)
	actor := map[string]string{ActorHeader: "7"}

	resp, product := send(t, http.MethodPost, srv.URL+"/api/products", `{"name":"Gravel","original_price":"12.50","initial_quantity":80,"reorder_level":10}`, actor)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	productID := product["id"].(float64)

	resp, order := send(t, http.MethodPost, srv.URL+"/api/orders",
		`{"customer_name":"Quarry Rd","line_items":[{"product_id":`+jsonNumber(productID)+`,"quantity":50,"agreed_price":"15.00"}]}`, actor)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderID := order["id"].(float64)

	resp, _ = send(t, http.MethodPost, srv.URL+"/api/deliveries",
		`{"order_id":`+jsonNumber(orderID)+`,"delivery_man_id":2,"line_items":[{"product_id":`+jsonNumber(productID)+`,"quantity":20}]}`, actor)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, balance := send(t, http.MethodGet, srv.URL+"/api/orders/"+jsonNumber(orderID)+"/remaining-balance", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lines := balance["lines"].([]any)
	require.Equal(t, float64(30), lines[0].(map[string]any)["remaining"])

	resp, stock := send(t, http.MethodGet, srv.URL+"/api/products/"+jsonNumber(productID), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(60), stock["quantity_on_hand"])
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, _ = send(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestActorMiddlewareRejectsMalformedHeader(t *testing.T) {
	srv := newTestServer(t, false, nil)
	resp, _ := send(t, http.MethodPost, srv.URL+"/api/orders", `{}`, map[string]string{ActorHeader: "abc"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthzReportsDependencies(t *testing.T) {
	srv := newTestServer(t, false, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	resp, body := send(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["postgres"])

	down := newTestServer(t, false, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("refused") },
	})
	resp, body = send(t, http.MethodGet, down.URL+"/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "degraded", body["status"])
}

func TestLoadConfigValidatesBackends(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LOCK_BACKEND", "local")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, StoreMemory, cfg.StoreDriver)
	require.Equal(t, 5*time.Second, cfg.LockWaitTimeout)
	require.False(t, cfg.IsProduction())

	t.Setenv("STORE_DRIVER", "sqlite")
	_, err = LoadConfig()
	require.Error(t, err)

	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("LOCK_BACKEND", "zookeeper")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json", AppEnv: "staging"}, &buf).Info("hello")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "fulfillment", entry["service"])
	require.Equal(t, "staging", entry["env"])
}

func jsonNumber(v float64) string {
	raw, _ := json.Marshal(int64(v))
	return string(raw)
}
