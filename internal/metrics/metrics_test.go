package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()
		}
	}
	return nil
}

func TestRecordTurnIncrementsCounterByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordTurn("ok")
	m.RecordTurn("ok")
	m.RecordTurn("timeout")

	metrics := gatherValue(t, reg, "pith_turns_total")
	if len(metrics) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(metrics))
	}
}

func TestRecordToolCallObservesDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordToolCall("echo", "ok", 50*time.Millisecond)

	metrics := gatherValue(t, reg, "pith_tool_call_duration_seconds")
	if len(metrics) != 1 {
		t.Fatalf("expected 1 histogram series, got %d", len(metrics))
	}
	if metrics[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected 1 observation, got %d", metrics[0].GetHistogram().GetSampleCount())
	}
}

func TestSessionGaugeTracksStartedAndEnded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()

	metrics := gatherValue(t, reg, "pith_sessions_active")
	if len(metrics) != 1 || metrics[0].GetGauge().GetValue() != 1 {
		t.Fatalf("expected gauge value 1, got %+v", metrics)
	}
}

func TestNilMetricsIsANoOp(t *testing.T) {
	var m *Metrics
	m.RecordTurn("ok")
	m.RecordToolCall("echo", "ok", time.Second)
	m.SessionStarted()
	m.SessionEnded()
	m.SetToolsRegistered(3)
	m.ObserveHTTP("/status", "200", time.Millisecond)
}
