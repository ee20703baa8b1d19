package syncq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "obrasync_sync_queue_depth",
	Help: "Items waiting in the sync queue",
})

var queueEnqueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "obrasync_sync_enqueued_total",
	Help: "Items added to the sync queue",
})

var itemsDelivered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "obrasync_sync_delivered_total",
	Help: "Queued submissions acknowledged by the server",
})

var itemsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "obrasync_sync_failed_attempts_total",
	Help: "Submission attempts that failed and were left queued",
})

var itemsRejected = promauto.NewCounter(prometheus.CounterOpts{
	Name: "obrasync_sync_rejected_total",
	Help: "Submissions moved to the rejections ledger",
})

var itemsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "obrasync_sync_dropped_total",
	Help: "Queue items removed because their report no longer exists",
})

var submitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "obrasync_sync_submit_duration_seconds",
	Help:    "Time spent submitting one queued report",
	Buckets: prometheus.DefBuckets,
})
