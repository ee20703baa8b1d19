package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectedPages = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "obrasync_notify_connected_pages",
	Help: "Pages currently listening for notifications",
})

var published = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "obrasync_notify_published_total",
	Help: "Messages broadcast to connected pages, by type",
}, []string{"type"})

var dropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "obrasync_notify_dropped_total",
	Help: "Messages dropped because a page's buffer was full",
})
