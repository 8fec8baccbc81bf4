package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Upload("accepted")
	m.Upload("accepted")
	m.Upload("security")
	m.RunFinished("completed", "")
	m.RunFinished("failed", "parse")
	m.SecureDeleteFailed()
	m.QueueDepth(4)
	m.RunStarted()
	m.RunStarted()
	m.RunDone()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.uploadsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploadsTotal.WithLabelValues("security")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pipelineRunsTotal.WithLabelValues("failed", "parse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.secureDeleteFailures))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRuns))

	n, err := testutil.GatherAndCount(reg, "labingest_uploads_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMetrics_StartStage(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	_, end := m.StartStage(context.Background(), "parse", "exp-1")
	end(nil)
	_, end = m.StartStage(context.Background(), "analyze", "exp-1")
	end(errors.New("boom"))

	n, err := testutil.GatherAndCount(reg, "labingest_stage_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Upload("accepted")
		m.RunFinished("completed", "")
		m.ObserveStage("parse", time.Second)
		m.SecureDeleteFailed()
		m.QueueDepth(1)
		m.RunStarted()
		m.RunDone()
		_, end := m.StartStage(context.Background(), "parse", "x")
		end(nil)
	})
}
