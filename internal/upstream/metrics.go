package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "obrasync_upstream_requests_total",
	Help: "Requests sent to the application server, by kind and outcome",
}, []string{"kind", "outcome"})

var upstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "obrasync_upstream_request_duration_seconds",
	Help:    "Latency of requests sent to the application server",
	Buckets: prometheus.DefBuckets,
}, []string{"kind"})
