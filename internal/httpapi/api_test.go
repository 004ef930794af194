package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/pith/internal/assembler"
	"github.com/haasonsaas/pith/internal/eventbus"
	"github.com/haasonsaas/pith/internal/llm"
	"github.com/haasonsaas/pith/internal/metrics"
	"github.com/haasonsaas/pith/internal/registry"
	rt2 "github.com/haasonsaas/pith/internal/runtime"
	"github.com/haasonsaas/pith/internal/store"
	"github.com/haasonsaas/pith/internal/workspace"
)

type stubModel struct{}

func (stubModel) Name() string { return "stub" }
func (stubModel) Generate(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Text: "ok"}
	ch <- llm.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Config{Path: filepath.Join(dir, "memory.db"), Logger: slog.Default()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(slog.Default())
	ws := workspace.New(t.TempDir())
	asm := assembler.New(st, ws, assembler.Config{})
	bus := eventbus.New(slog.Default())
	runtime := rt2.New(st, reg, stubModel{}, asm, bus, slog.Default(), rt2.Config{})
	return New(runtime, st, reg, bus, slog.Default())
}

func TestCreateSessionReturnsID(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sessions", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["session_id"] == "" {
		t.Fatal("expected non-empty session_id")
	}
}

func TestHealthzReturns200(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealthzTouchesWorkspaceHealthySentinel(t *testing.T) {
	s := newTestServer(t)
	ws := workspace.New(t.TempDir())
	if err := ws.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	s.SetWorkspace(ws)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if _, err := os.Stat(ws.HealthySentinelPath()); err != nil {
		t.Fatalf("expected healthy sentinel to exist after /healthz: %v", err)
	}
}

func TestSubmitTurnReturns202WithTurnIDHeader(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sessions", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var created map[string]string
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	body, _ := json.Marshal(turnRequest{Text: "hi"})
	resp2, err := http.Post(srv.URL+"/sessions/"+created["session_id"]+"/turns", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp2.StatusCode)
	}
	if resp2.Header.Get("X-Turn-Id") == "" {
		t.Fatal("expected X-Turn-Id header")
	}
}

func TestMetricsRouteServesPrometheusSeriesWhenAttached(t *testing.T) {
	s := newTestServer(t)
	promReg := prometheus.NewRegistry()
	s.SetMetrics(promReg, metrics.New(promReg))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /status, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp2.StatusCode)
	}
	body, _ := io.ReadAll(resp2.Body)
	if !bytes.Contains(body, []byte("pith_tools_registered")) {
		t.Fatalf("expected pith_tools_registered series in /metrics output, got: %s", body)
	}
}

func TestMetricsRouteAbsentWhenNotAttached(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when metrics unattached, got %d", resp.StatusCode)
	}
}
