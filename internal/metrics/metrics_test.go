package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordStarted()
	c.RecordStarted()
	c.RecordRejected()
	c.RecordFailed()
	c.RecordPollTimeout()
	c.RecordStage("running")
	c.RecordStage("running")
	c.SetRowsProcessed("job-1", 42)
	c.ObserveRun(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pollTimeouts))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.stageTransitions.WithLabelValues("running")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.rowsProcessed.WithLabelValues("job-1")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordStarted()
		c.RecordRejected()
		c.RecordFailed()
		c.RecordStage("init")
		c.RecordPollTimeout()
		c.SetRowsProcessed("job-1", 1)
		c.ObserveRun(1)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(nil)
	c.RecordStarted()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "csvimport_runs_started_total 1")
}

func TestNewServerExposesRuntimeCollector(t *testing.T) {
	c := NewRuntimeCollector()
	c.RecordStage("final_stage")
	srv := NewServer(":0", c)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `csvimport_stage_transitions_total{stage="final_stage"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
