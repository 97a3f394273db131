package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("stageflow", reg, nil)

	c.RecordRunCompleted("sdlc", "succeeded")
	c.RecordRunCompleted("sdlc", "succeeded")
	c.RecordRunCompleted("sdlc", "failed")
	c.RunStarted()
	c.RecordAttempt("analysis", "rejected", 120, time.Second)
	c.RecordEscalation("analysis")
	c.RecordResolution("approve_as_is")
	c.RecordStageExecution("analysis", "succeeded", 3*time.Second)
	c.RecordHTTPRequest("POST", "/api/v1/runs", "202", 10*time.Millisecond)

	if got := testutil.ToFloat64(c.runsTotal.WithLabelValues("sdlc", "succeeded")); got != 2 {
		t.Errorf("runs_total{succeeded} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.runsActive); got != 1 {
		t.Errorf("runs_active = %v, want 1", got)
	}
	c.RunFinished()
	if got := testutil.ToFloat64(c.runsActive); got != 0 {
		t.Errorf("runs_active after finish = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.promptTokensTotal.WithLabelValues("analysis")); got != 120 {
		t.Errorf("prompt_tokens_total = %v, want 120", got)
	}
	if got := testutil.ToFloat64(c.escalationsTotal.WithLabelValues("analysis")); got != 1 {
		t.Errorf("escalations_total = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordRunCompleted("p", "s")
	c.RunStarted()
	c.RunFinished()
	c.RecordStageExecution("s", "succeeded", time.Second)
	c.RecordAttempt("s", "accepted", 1, time.Second)
	c.RecordEscalation("s")
	c.RecordResolution("abort_run")
	c.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
}
