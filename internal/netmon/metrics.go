package netmon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var networkFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "obrasync_network_failures_total",
	Help: "Number of failed or timed-out upstream attempts",
})

var forcedOfflineGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "obrasync_forced_offline",
	Help: "1 while the forced-offline window is open",
})
