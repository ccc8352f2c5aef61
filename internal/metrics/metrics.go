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
// クエリ実行、コレクション、ストリームハブ、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordQuery(duration time.Duration, err error)
	RecordDisposition(disposition string)
	RecordStaleEvent()
	SetStreamSubscribers(n int)
	RecordEventPublished(deliveries int)
	RecordSubscriberDropped()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	queryTotal        *prometheus.CounterVec
	queryLatency      prometheus.Histogram
	dispositions      *prometheus.CounterVec
	staleEvents       prometheus.Counter
	subscribers       prometheus.Gauge
	eventsPublished   prometheus.Counter
	eventDeliveries   prometheus.Counter
	subscriberDropped prometheus.Counter
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		queryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardsync_query_total",
			Help: "ページ取得の合計数（結果別）",
		}, []string{"result"}),
		queryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cardsync_query_latency_seconds",
			Help:    "ページ取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		dispositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardsync_update_dispositions_total",
			Help: "更新イベントの分類結果別の件数",
		}, []string{"disposition"}),
		staleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardsync_stale_events_total",
			Help: "古い購読から届き破棄された更新イベントの合計数",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cardsync_stream_subscribers",
			Help: "現在の更新フィード購読数",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardsync_events_published_total",
			Help: "発行された更新イベントの合計数",
		}),
		eventDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardsync_event_deliveries_total",
			Help: "購読者に配信された更新イベントの合計数",
		}),
		subscriberDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardsync_stream_subscribers_dropped_total",
			Help: "受信が追いつかず切断された購読の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardsync_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.queryTotal,
		c.queryLatency,
		c.dispositions,
		c.staleEvents,
		c.subscribers,
		c.eventsPublished,
		c.eventDeliveries,
		c.subscriberDropped,
		c.httpStatus,
	)

	return c
}

// RecordQuery はページ取得の結果とレイテンシを記録する。
func (c *Collector) RecordQuery(duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.queryTotal.WithLabelValues(result).Inc()
	c.queryLatency.Observe(duration.Seconds())
}

// RecordDisposition は更新イベントの分類結果を記録する。
func (c *Collector) RecordDisposition(disposition string) {
	c.dispositions.WithLabelValues(disposition).Inc()
}

// RecordStaleEvent は破棄された古いイベントを記録する。
func (c *Collector) RecordStaleEvent() {
	c.staleEvents.Inc()
}

// SetStreamSubscribers は現在の購読数を設定する。
func (c *Collector) SetStreamSubscribers(n int) {
	c.subscribers.Set(float64(n))
}

// RecordEventPublished はイベントの発行と配信件数を記録する。
func (c *Collector) RecordEventPublished(deliveries int) {
	c.eventsPublished.Inc()
	c.eventDeliveries.Add(float64(deliveries))
}

// RecordSubscriberDropped は切断された購読を記録する。
func (c *Collector) RecordSubscriberDropped() {
	c.subscriberDropped.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
