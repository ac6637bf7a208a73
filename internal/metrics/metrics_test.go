package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector.transitions)
	assert.NotNil(t, collector.passDuration)

	// 同一個 registry 不能註冊兩次
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestJobTransition(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.JobTransition("cleanOutServer", "Pending")
	collector.JobTransition("moveShard", "Finished")
	collector.JobTransition("moveShard", "Finished")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.transitions.WithLabelValues("cleanOutServer", "Pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.transitions.WithLabelValues("moveShard", "Finished")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.transitions.WithLabelValues("moveShard", "Failed")))
}

func TestJobError(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	for range 3 {
		collector.JobError("unknown")
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.errors.WithLabelValues("unknown")))
}

func TestObservePass(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.ObservePass(2, 5, 42, 10*time.Millisecond)
	collector.ObservePass(1, 4, 43, 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobs.WithLabelValues("ToDo")))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.jobs.WithLabelValues("Pending")))
	assert.Equal(t, 43.0, testutil.ToFloat64(collector.index))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.passDuration))
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)
	collector.JobTransition("cleanOutServer", "Finished")

	srv := NewServer(9090, reg)
	assert.Equal(t, ":9090", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `supervision_job_transitions_total{status="Finished",type="cleanOutServer"} 1`)
}
