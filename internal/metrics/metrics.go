// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// sync.Recorder / autoblock.Recorder / conflict.Recorder を満たす。
type Collector struct {
	syncSuccess       *prometheus.CounterVec
	syncFail          *prometheus.CounterVec
	syncLatency       prometheus.Histogram
	eventsUpserted    prometheus.Counter
	eventsTombstoned  prometheus.Counter
	blocksCreated     prometheus.Counter
	blocksRemoved     prometheus.Counter
	conflictsDetected prometheus.Counter
	conflictsResolved prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lessonsync_sync_success_total",
			Help: "カレンダー同期成功の合計数",
		}, []string{"provider"}),
		syncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lessonsync_sync_fail_total",
			Help: "カレンダー同期失敗の合計数",
		}, []string{"provider"}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lessonsync_sync_latency_seconds",
			Help:    "カレンダー同期のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		eventsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lessonsync_events_upserted_total",
			Help: "同期で作成・更新されたミラーイベントの合計数",
		}),
		eventsTombstoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lessonsync_events_tombstoned_total",
			Help: "トゥームストーンに遷移したミラーイベントの合計数",
		}),
		blocksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lessonsync_blocks_created_total",
			Help: "作成されたブロック時間枠の合計数",
		}),
		blocksRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lessonsync_blocks_removed_total",
			Help: "削除されたブロック時間枠の合計数",
		}),
		conflictsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lessonsync_conflicts_detected_total",
			Help: "検出された競合の合計数",
		}),
		conflictsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lessonsync_conflicts_resolved_total",
			Help: "解決された競合の合計数",
		}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFail,
		c.syncLatency,
		c.eventsUpserted,
		c.eventsTombstoned,
		c.blocksCreated,
		c.blocksRemoved,
		c.conflictsDetected,
		c.conflictsResolved,
	)

	return c
}

// ObserveSync は1回の同期の成否とレイテンシを記録する。
func (c *Collector) ObserveSync(provider string, duration time.Duration, success bool) {
	if success {
		c.syncSuccess.WithLabelValues(provider).Inc()
	} else {
		c.syncFail.WithLabelValues(provider).Inc()
	}
	c.syncLatency.Observe(duration.Seconds())
}

// AddEventsUpserted は作成・更新されたイベント数を記録する。
func (c *Collector) AddEventsUpserted(count int) {
	c.eventsUpserted.Add(float64(count))
}

// AddEventsTombstoned はトゥームストーン化されたイベント数を記録する。
func (c *Collector) AddEventsTombstoned(count int) {
	c.eventsTombstoned.Add(float64(count))
}

// AddBlocksCreated は作成されたブロック数を記録する。
func (c *Collector) AddBlocksCreated(count int) {
	c.blocksCreated.Add(float64(count))
}

// AddBlocksRemoved は削除されたブロック数を記録する。
func (c *Collector) AddBlocksRemoved(count int) {
	c.blocksRemoved.Add(float64(count))
}

// AddConflictsDetected は検出された競合数を記録する。
func (c *Collector) AddConflictsDetected(count int) {
	c.conflictsDetected.Add(float64(count))
}

// AddConflictsResolved は解決された競合数を記録する。
func (c *Collector) AddConflictsResolved(count int) {
	c.conflictsResolved.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
