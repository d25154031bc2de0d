package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"noderepl/internal/node"
	"noderepl/pkg/config"
	"noderepl/pkg/metrics"
)

func newTestServer(t *testing.T, opts ...node.Option) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Log.SizeBytes = 1 << 16
	cfg.Replica.MaxThreads = 8
	cfg.Replica.MaxBatch = 64
	cfg.Replica.SyncInterval = time.Millisecond
	cfg.Server.TokensPerReplica = 2

	n, err := node.New(cfg, opts...)
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)

	s := NewServer(n, "")
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Errorf("stop: %v", err)
		}
		cancel()
	})
	return s
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func put(t *testing.T, h http.Handler, key, value string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	form.Set("key", key)
	form.Set("value", value)
	req := httptest.NewRequest(http.MethodPut, "/api/kv", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)
	rr := get(s.createRouter(), "/health")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	resp := decodeResp(t, rr)
	if resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestPutGetDeleteFlow(t *testing.T) {
	s := newTestServer(t)
	h := s.createRouter()

	// PUT
	rr := put(t, h, "foo", "bar")
	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Status != StatusSuccess || resp.Previous != nil {
		t.Fatalf("put: unexpected response %+v", resp)
	}

	// overwrite reports the previous value
	rr = put(t, h, "foo", "baz")
	if resp := decodeResp(t, rr); resp.Previous == nil || *resp.Previous != "bar" {
		t.Fatalf("overwrite: expected previous 'bar', got %+v", resp)
	}

	// GET, twice to hit more than one replica
	for range 2 {
		rr = get(h, "/api/kv?key=foo")
		if rr.Code != http.StatusOK {
			t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
		}
		resp := decodeResp(t, rr)
		if resp.Value != "baz" || resp.Version != 2 {
			t.Fatalf("get: expected value 'baz' at version 2, got %+v", resp)
		}
	}

	// DELETE
	req := httptest.NewRequest(http.MethodDelete, "/api/kv?key=foo", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Status != StatusSuccess {
		t.Fatalf("delete: expected status %s, got %s", StatusSuccess, resp.Status)
	}

	// GET after delete -> 404
	rr = get(h, "/api/kv?key=foo")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestScan(t *testing.T) {
	s := newTestServer(t)
	h := s.createRouter()

	for _, k := range []string{"a/1", "a/2", "b/1"} {
		if rr := put(t, h, k, "v"); rr.Code != http.StatusOK {
			t.Fatalf("put %s: %d", k, rr.Code)
		}
	}

	rr := get(h, "/api/scan?prefix=a/")
	if rr.Code != http.StatusOK {
		t.Fatalf("scan: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if len(resp.Items) != 2 || resp.Items[0].Key != "a/1" || resp.Items[1].Key != "a/2" {
		t.Fatalf("scan: unexpected items %+v", resp.Items)
	}

	if rr = get(h, "/api/scan?prefix=a/&limit=1"); len(decodeResp(t, rr).Items) != 1 {
		t.Fatalf("scan with limit: body=%s", rr.Body.String())
	}
	if rr = get(h, "/api/scan?limit=-1"); rr.Code != http.StatusBadRequest {
		t.Fatalf("scan with bad limit: expected 400, got %d", rr.Code)
	}
}

func TestMissingParamsAndMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	h := s.createRouter()

	// PUT missing params
	if rr := put(t, h, "", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("put-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	// GET missing key
	if rr := get(h, "/api/kv"); rr.Code != http.StatusBadRequest {
		t.Fatalf("get-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	// DELETE missing key
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/kv", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("delete-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	// Method not allowed: POST to /health
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestDebugLogs(t *testing.T) {
	s := newTestServer(t)
	h := s.createRouter()
	put(t, h, "k", "v")

	rr := get(h, "/debug/logs")
	if rr.Code != http.StatusOK {
		t.Fatalf("debug: expected 200, got %d", rr.Code)
	}
	var st node.State
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	if len(st.Logs) != 1 || st.Logs[0].Tail != 1 {
		t.Fatalf("unexpected log state %+v", st.Logs)
	}
	if len(st.Replicas) != 2 {
		t.Fatalf("expected 2 replicas, got %d", len(st.Replicas))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestServer(t, node.WithMetrics(metrics.NewPrometheus(reg, "noderepl")))
	s.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	h := s.createRouter()
	put(t, h, "k", "v")

	rr := get(h, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "noderepl_combine_rounds_total") {
		t.Fatalf("metrics: combine rounds missing from\n%s", rr.Body.String())
	}
}
