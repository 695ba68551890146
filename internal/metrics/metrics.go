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
	ResultSuccess = "success"
	ResultError   = "error"
)

// AuthMetrics は認証系メトリクス収集のインターフェース。
// ハンドラー層とOAuthオーケストレーターから利用する。
type AuthMetrics interface {
	RecordLogin(result string)
	RecordRegistration(result string)
	RecordOAuthCallback(provider, result string)
	RecordSessionCreated(source string)
	ObserveIdPRequest(provider, step string, duration time.Duration, err error)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	registrations   *prometheus.CounterVec
	oauthCallbacks  *prometheus.CounterVec
	sessionsCreated *prometheus.CounterVec
	idpLatency      *prometheus.HistogramVec
	idpFailures     *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_auth_login_total",
			Help: "ローカルログイン試行の結果別件数",
		}, []string{"result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_auth_register_total",
			Help: "ローカル登録試行の結果別件数",
		}, []string{"result"}),
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_oauth_callback_total",
			Help: "OAuthコールバックのプロバイダー・結果別件数",
		}, []string{"provider", "result"}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_sessions_created_total",
			Help: "発行したセッション数（ログイン手段別）",
		}, []string{"source"}),
		idpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portfolio_idp_request_duration_seconds",
			Help:    "IdPへのリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "step"}),
		idpFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_idp_request_failures_total",
			Help: "IdPへのリクエスト失敗数",
		}, []string{"provider", "step"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portfolio_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.logins,
		c.registrations,
		c.oauthCallbacks,
		c.sessionsCreated,
		c.idpLatency,
		c.idpFailures,
		c.httpStatus,
	)

	return c
}

// RecordLogin はローカルログインの結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordRegistration はローカル登録の結果を記録する。
func (c *Collector) RecordRegistration(result string) {
	c.registrations.WithLabelValues(result).Inc()
}

// RecordOAuthCallback はOAuthコールバックの結果を記録する。
func (c *Collector) RecordOAuthCallback(provider, result string) {
	c.oauthCallbacks.WithLabelValues(provider, result).Inc()
}

// RecordSessionCreated はセッション発行を記録する。
func (c *Collector) RecordSessionCreated(source string) {
	c.sessionsCreated.WithLabelValues(source).Inc()
}

// ObserveIdPRequest はIdPへの1回のリクエストの所要時間と失敗を記録する。
func (c *Collector) ObserveIdPRequest(provider, step string, duration time.Duration, err error) {
	c.idpLatency.WithLabelValues(provider, step).Observe(duration.Seconds())
	if err != nil {
		c.idpFailures.WithLabelValues(provider, step).Inc()
	}
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないAuthMetrics。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLogin(string)                                      {}
func (Nop) RecordRegistration(string)                               {}
func (Nop) RecordOAuthCallback(string, string)                      {}
func (Nop) RecordSessionCreated(string)                             {}
func (Nop) ObserveIdPRequest(string, string, time.Duration, error) {}
func (Nop) RecordHTTPStatus(int)                                    {}

var (
	_ AuthMetrics = (*Collector)(nil)
	_ AuthMetrics = Nop{}
)
