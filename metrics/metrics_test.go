package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordSessionStarted()
	m.RecordSessionFinished("closed", 1)
	m.SetState("streaming")
	m.RecordChunkSent(100, 1)
	m.RecordChunkDropped()
	m.RecordPartial(0.5)
	m.RecordFinal("SAFE", 0.1)
	m.RecordAnalyzerError()
	m.RecordProtocolError()
}

func TestSetStateIsExclusive(t *testing.T) {
	m := New()
	m.SetState("streaming")
	m.SetState("finalizing")
	if got := testutil.ToFloat64(m.SessionState.WithLabelValues("finalizing")); got != 1 {
		t.Errorf("finalizing = %v", got)
	}
	if got := testutil.ToFloat64(m.SessionState.WithLabelValues("streaming")); got != 0 {
		t.Errorf("streaming = %v", got)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordChunkSent(32044, 1)
	m.RecordChunkSent(160044, 5)
	m.RecordChunkDropped()
	m.RecordFinal("SCAM", 0.2)

	if got := testutil.ToFloat64(m.ChunksSent); got != 2 {
		t.Errorf("chunks sent = %v", got)
	}
	if got := testutil.ToFloat64(m.ChunksDropped); got != 1 {
		t.Errorf("chunks dropped = %v", got)
	}
	if got := testutil.ToFloat64(m.Verdicts.WithLabelValues("SCAM")); got != 1 {
		t.Errorf("SCAM verdicts = %v", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RecordSessionStarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "callshield_sessions_started_total 1") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.RecordChunkDropped()
	if got := testutil.ToFloat64(b.ChunksDropped); got != 0 {
		t.Errorf("registries share state: %v", got)
	}
}
