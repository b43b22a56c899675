// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// レート制限・セッション・ワーカーから利用する。
type MetricsCollector interface {
	RecordRateLimitDecision(policy, outcome string)
	RecordAbuseCharge(reason string)
	RecordSessionCreated(provider string)
	RecordSessionRenewed()
	RecordSessionsEnded(reason string, count int64)
	RecordIdentityLink(outcome string)
	RecordMailDispatch(result string)
	RecordSweep(deletedSessions, deletedBuckets int64, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// レート制限の判定結果ラベル
const (
	OutcomeAllowed    = "allowed"
	OutcomeLimited    = "limited"
	OutcomeStoreError = "store_error"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	rateLimitDecisions *prometheus.CounterVec
	abuseCharges       *prometheus.CounterVec
	sessionsCreated    *prometheus.CounterVec
	sessionsRenewed    prometheus.Counter
	sessionsEnded      *prometheus.CounterVec
	identityLinks      *prometheus.CounterVec
	mailDispatch       *prometheus.CounterVec
	sweepDeleted       *prometheus.CounterVec
	sweepLatency       prometheus.Histogram
	httpStatus         *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_ratelimit_decisions_total",
			Help: "ポリシー別のレート制限判定数",
		}, []string{"policy", "outcome"}),
		abuseCharges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_abuse_charges_total",
			Help: "不正な認証操作として課金された回数",
		}, []string{"reason"}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_sessions_created_total",
			Help: "発行されたセッション数",
		}, []string{"provider"}),
		sessionsRenewed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_sessions_renewed_total",
			Help: "スライディング更新されたセッション数",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_sessions_ended_total",
			Help: "終了理由別の削除セッション数",
		}, []string{"reason"}),
		identityLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_identity_link_total",
			Help: "外部アカウント連携操作の結果別件数",
		}, []string{"outcome"}),
		mailDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_mail_dispatch_total",
			Help: "通知メール送信の結果別件数",
		}, []string{"result"}),
		sweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_sweep_deleted_total",
			Help: "スイーパーが削除した期限切れレコード数",
		}, []string{"kind"}),
		sweepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authgate_sweep_duration_seconds",
			Help:    "スイープ1回の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.rateLimitDecisions,
		c.abuseCharges,
		c.sessionsCreated,
		c.sessionsRenewed,
		c.sessionsEnded,
		c.identityLinks,
		c.mailDispatch,
		c.sweepDeleted,
		c.sweepLatency,
		c.httpStatus,
	)

	return c
}

// RecordRateLimitDecision はレート制限の判定結果を記録する。
func (c *Collector) RecordRateLimitDecision(policy, outcome string) {
	c.rateLimitDecisions.WithLabelValues(policy, outcome).Inc()
}

// RecordAbuseCharge は不正試行の課金を記録する。
func (c *Collector) RecordAbuseCharge(reason string) {
	c.abuseCharges.WithLabelValues(reason).Inc()
}

// RecordSessionCreated はセッション発行を記録する。
func (c *Collector) RecordSessionCreated(provider string) {
	c.sessionsCreated.WithLabelValues(provider).Inc()
}

// RecordSessionRenewed はスライディング更新を記録する。
func (c *Collector) RecordSessionRenewed() {
	c.sessionsRenewed.Inc()
}

// RecordSessionsEnded はセッション削除件数を記録する。
func (c *Collector) RecordSessionsEnded(reason string, count int64) {
	c.sessionsEnded.WithLabelValues(reason).Add(float64(count))
}

// RecordIdentityLink は連携・連携解除の結果を記録する。
func (c *Collector) RecordIdentityLink(outcome string) {
	c.identityLinks.WithLabelValues(outcome).Inc()
}

// RecordMailDispatch は通知メール送信結果を記録する。
func (c *Collector) RecordMailDispatch(result string) {
	c.mailDispatch.WithLabelValues(result).Inc()
}

// RecordSweep はスイープ1回分の削除件数と所要時間を記録する。
func (c *Collector) RecordSweep(deletedSessions, deletedBuckets int64, duration time.Duration) {
	c.sweepDeleted.WithLabelValues("session").Add(float64(deletedSessions))
	c.sweepDeleted.WithLabelValues("rate_bucket").Add(float64(deletedBuckets))
	c.sweepLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type NopCollector struct{}

var _ MetricsCollector = NopCollector{}

func (NopCollector) RecordRateLimitDecision(string, string) {}
func (NopCollector) RecordAbuseCharge(string) {}
func (NopCollector) RecordSessionCreated(string) {}
func (NopCollector) RecordSessionRenewed() {}
func (NopCollector) RecordSessionsEnded(string, int64) {}
func (NopCollector) RecordIdentityLink(string) {}
func (NopCollector) RecordMailDispatch(string) {}
func (NopCollector) RecordSweep(int64, int64, time.Duration) {}
func (NopCollector) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// statusRecorder はレスポンスのステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Middleware はレスポンスのステータスコードをCollectorに記録するミドルウェアを返す。
func Middleware(c MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			c.RecordHTTPStatus(rec.statusCode)
		})
	}
}
