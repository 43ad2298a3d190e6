// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// パイプライン・ワーカー・スケジューラーから利用する。
type MetricsCollector interface {
	RecordCandidate(source, outcome string)
	RecordRejection(source, code string)
	RecordVerification(outcome string)
	RecordJobRun(job, result string, duration time.Duration)
	RecordJobSkipped(job string)
	RecordOracleRequest(result string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	candidates    *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	verifications *prometheus.CounterVec
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobSkipped    *prometheus.CounterVec
	oracleLatency *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealman_candidates_total",
			Help: "ソース別・結果別の取り込み候補数",
		}, []string{"source", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealman_rejections_total",
			Help: "ソース別・理由コード別の除外候補数",
		}, []string{"source", "code"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealman_verifications_total",
			Help: "検証スイープの結果別件数",
		}, []string{"outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealman_job_runs_total",
			Help: "ジョブ別・結果別の実行回数",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealman_job_duration_seconds",
			Help:    "ジョブ1回あたりの実行時間（秒）",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"}),
		jobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealman_job_skipped_total",
			Help: "前回の実行が未完了のためスキップされた回数",
		}, []string{"job"}),
		oracleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealman_oracle_request_seconds",
			Help:    "価格オラクル呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.candidates,
		c.rejections,
		c.verifications,
		c.jobRuns,
		c.jobDuration,
		c.jobSkipped,
		c.oracleLatency,
	)

	return c
}

// RecordCandidate は取り込み候補の処理結果を記録する。
func (c *Collector) RecordCandidate(source, outcome string) {
	c.candidates.WithLabelValues(source, outcome).Inc()
}

// RecordRejection は除外理由を記録する。
func (c *Collector) RecordRejection(source, code string) {
	c.rejections.WithLabelValues(source, code).Inc()
}

// RecordVerification は検証スイープの結果を記録する。
func (c *Collector) RecordVerification(outcome string) {
	c.verifications.WithLabelValues(outcome).Inc()
}

// RecordJobRun はジョブの実行結果と所要時間を記録する。
func (c *Collector) RecordJobRun(job, result string, duration time.Duration) {
	c.jobRuns.WithLabelValues(job, result).Inc()
	c.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordJobSkipped はオーバーラップによるスキップを記録する。
func (c *Collector) RecordJobSkipped(job string) {
	c.jobSkipped.WithLabelValues(job).Inc()
}

// RecordOracleRequest は価格オラクル呼び出しを記録する。
func (c *Collector) RecordOracleRequest(result string, duration time.Duration) {
	c.oracleLatency.WithLabelValues(result).Observe(duration.Seconds())
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordCandidate(string, string) {}
func (NopCollector) RecordRejection(string, string) {}
func (NopCollector) RecordVerification(string) {}
func (NopCollector) RecordJobRun(string, string, time.Duration) {}
func (NopCollector) RecordJobSkipped(string) {}
func (NopCollector) RecordOracleRequest(string, time.Duration) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

