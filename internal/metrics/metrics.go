// Package metrics はインポート実行の Prometheus 指標を提供します。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はインポートの協調処理に関する指標をまとめます。
// nil の Collector に対する呼び出しは何もしません。
type Collector struct {
	gatherer prometheus.Gatherer

	runsStarted      prometheus.Counter
	runsRejected     prometheus.Counter
	runsFailed       prometheus.Counter
	stageTransitions *prometheus.CounterVec
	pollTimeouts     prometheus.Counter
	rowsProcessed    *prometheus.GaugeVec
	runDuration      prometheus.Histogram
}

// NewCollector は指標を作成し reg に登録します。
// reg が nil の場合は専用のレジストリを使います。
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		gatherer: reg,
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csvimport_runs_started_total",
			Help: "Number of import runs that acquired the job lock",
		}),
		runsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csvimport_runs_rejected_total",
			Help: "Number of run calls answered with the current snapshot because the job was already running",
		}),
		runsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csvimport_runs_failed_total",
			Help: "Number of import runs aborted by an error",
		}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csvimport_stage_transitions_total",
			Help: "Number of published snapshots per stage",
		}, []string{"stage"}),
		pollTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csvimport_poll_timeouts_total",
			Help: "Number of bounded polls that tripped the fuse",
		}),
		rowsProcessed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "csvimport_rows_processed",
			Help: "Rows processed by the latest run of each job",
		}, []string{"job"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "csvimport_run_duration_seconds",
			Help:    "Duration of import runs from worker start to finish",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}),
	}

	reg.MustRegister(
		c.runsStarted,
		c.runsRejected,
		c.runsFailed,
		c.stageTransitions,
		c.pollTimeouts,
		c.rowsProcessed,
		c.runDuration,
	)
	return c
}

// NewRuntimeCollector は Go ランタイムとプロセスの指標も含むレジストリで Collector を作成します。
func NewRuntimeCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewCollector(reg)
}

// NewServer は addr で /metrics だけを公開する HTTP サーバーを作成します。
// API を持たないワーカープロセスで使います。
func NewServer(addr string, c *Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// RecordStarted はロックを取得した実行を記録します。
func (c *Collector) RecordStarted() {
	if c == nil {
		return
	}
	c.runsStarted.Inc()
}

// RecordRejected は実行中のため開始しなかった呼び出しを記録します。
func (c *Collector) RecordRejected() {
	if c == nil {
		return
	}
	c.runsRejected.Inc()
}

// RecordFailed は失敗した実行を記録します。
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.runsFailed.Inc()
}

// RecordStage は段階の公開を記録します。
func (c *Collector) RecordStage(stage string) {
	if c == nil {
		return
	}
	c.stageTransitions.WithLabelValues(stage).Inc()
}

// RecordPollTimeout はヒューズが切れたポーリングを記録します。
func (c *Collector) RecordPollTimeout() {
	if c == nil {
		return
	}
	c.pollTimeouts.Inc()
}

// SetRowsProcessed は処理済み行数を更新します。
func (c *Collector) SetRowsProcessed(jobID string, processed int) {
	if c == nil {
		return
	}
	c.rowsProcessed.WithLabelValues(jobID).Set(float64(processed))
}

// ObserveRun は実行時間を記録します。
func (c *Collector) ObserveRun(seconds float64) {
	if c == nil {
		return
	}
	c.runDuration.Observe(seconds)
}

// Handler は /metrics 用の HTTP ハンドラーを返します。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
