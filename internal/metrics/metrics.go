// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、ワーカー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordLogin(method, outcome string)
	RecordReservation(outcome string)
	RecordInvite(outcome string)
	RecordEventWrite(op string)
	RecordConsistencyFault(source string)
	SubscriptionOpened()
	SubscriptionClosed()
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins            *prometheus.CounterVec
	reservations      *prometheus.CounterVec
	invites           *prometheus.CounterVec
	eventWrites       *prometheus.CounterVec
	consistencyFaults *prometheus.CounterVec
	liveSubscriptions prometheus.Gauge
	httpStatus        *prometheus.CounterVec
	requestLatency    prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsgo_login_total",
			Help: "ログイン試行の合計数（識別子の種類と結果別）",
		}, []string{"method", "outcome"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsgo_username_reservation_total",
			Help: "ユーザー名予約の合計数（結果別）",
		}, []string{"outcome"}),
		invites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsgo_invite_total",
			Help: "イベント招待の合計数（結果別）",
		}, []string{"outcome"}),
		eventWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsgo_event_write_total",
			Help: "イベント書き込みの合計数（操作別）",
		}, []string{"op"}),
		consistencyFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsgo_consistency_fault_total",
			Help: "ユーザー名とアカウントの不整合の検出数（検出箇所別）",
		}, []string{"source"}),
		liveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "letsgo_live_subscriptions",
			Help: "現在開いているイベント一覧のライブ購読数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsgo_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "letsgo_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.logins,
		c.reservations,
		c.invites,
		c.eventWrites,
		c.consistencyFaults,
		c.liveSubscriptions,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordLogin はログイン試行を記録する。methodは "email" または "username"。
func (c *Collector) RecordLogin(method, outcome string) {
	c.logins.WithLabelValues(method, outcome).Inc()
}

// RecordReservation はユーザー名予約の結果を記録する。
func (c *Collector) RecordReservation(outcome string) {
	c.reservations.WithLabelValues(outcome).Inc()
}

// RecordInvite は招待の結果を記録する。outcomeには成功またはエラーコードを渡す。
func (c *Collector) RecordInvite(outcome string) {
	c.invites.WithLabelValues(outcome).Inc()
}

// RecordEventWrite はイベントの書き込みを記録する。
func (c *Collector) RecordEventWrite(op string) {
	c.eventWrites.WithLabelValues(op).Inc()
}

// RecordConsistencyFault は不整合の検出を記録する。
func (c *Collector) RecordConsistencyFault(source string) {
	c.consistencyFaults.WithLabelValues(source).Inc()
}

// SubscriptionOpened はライブ購読の開始を記録する。
func (c *Collector) SubscriptionOpened() {
	c.liveSubscriptions.Inc()
}

// SubscriptionClosed はライブ購読の終了を記録する。
func (c *Collector) SubscriptionClosed() {
	c.liveSubscriptions.Dec()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordLogin(string, string)         {}
func (Nop) RecordReservation(string)           {}
func (Nop) RecordInvite(string)                {}
func (Nop) RecordEventWrite(string)            {}
func (Nop) RecordConsistencyFault(string)      {}
func (Nop) SubscriptionOpened()                {}
func (Nop) SubscriptionClosed()                {}
func (Nop) RecordHTTPStatus(int)               {}
func (Nop) RecordRequestLatency(time.Duration) {}

// OrNop はcがnilの場合にNopを返す。
func OrNop(c MetricsCollector) MetricsCollector {
	if c == nil {
		return Nop{}
	}
	return c
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカープロセスのように、APIルーターを持たないプロセスで使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
