// ============================================================================
// Cluster Supervision Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露 supervision 輪詢與任務狀態轉換指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - supervision_job_transitions_total{type,status}: 任務進入 Pending/Finished/Failed 次數
//      - supervision_job_errors_total{type}: 載入或推進任務時的非暫時性錯誤
//
//   2. 性能指標 (Histogram):
//      - supervision_pass_duration_seconds: 每一輪 supervision pass 耗時
//
//   3. 狀態指標 (Gauge):
//      - supervision_jobs{status="ToDo"|"Pending"}: 最近一輪看到的任務數
//      - supervision_agency_index: 最近一輪 Snapshot 的 commit index
//
// Prometheus 查詢示例:
//
//   # 每小時失敗的 clean out
//   increase(supervision_job_transitions_total{type="cleanOutServer",status="Failed"}[1h])
//
//   # 95 分位 pass 耗時
//   histogram_quantile(0.95, supervision_pass_duration_seconds_bucket)
//
// HTTP 端點:
//   /metrics，默認端口 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	transitions *prometheus.CounterVec
	errors      *prometheus.CounterVec

	passDuration prometheus.Histogram

	jobs  *prometheus.GaugeVec
	index prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervision_job_transitions_total",
			Help: "Total number of job status transitions",
		}, []string{"type", "status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervision_job_errors_total",
			Help: "Total number of errors loading or advancing jobs",
		}, []string{"type"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "supervision_pass_duration_seconds",
			Help:    "Duration of one supervision pass in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "supervision_jobs",
			Help: "Number of jobs seen in the last pass",
		}, []string{"status"}),
		index: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervision_agency_index",
			Help: "Agency commit index of the last pass snapshot",
		}),
	}

	reg.MustRegister(c.transitions, c.errors, c.passDuration, c.jobs, c.index)
	return c
}

// ObservePass 記錄一輪 supervision pass
func (c *Collector) ObservePass(todo, pending int, index uint64, elapsed time.Duration) {
	c.jobs.WithLabelValues("ToDo").Set(float64(todo))
	c.jobs.WithLabelValues("Pending").Set(float64(pending))
	c.index.Set(float64(index))
	c.passDuration.Observe(elapsed.Seconds())
}

// JobTransition 記錄任務進入新狀態
func (c *Collector) JobTransition(jobType, status string) {
	c.transitions.WithLabelValues(jobType, status).Inc()
}

// JobError 記錄任務錯誤
func (c *Collector) JobError(jobType string) {
	c.errors.WithLabelValues(jobType).Inc()
}

// NewServer 建立 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
