package intercept

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "obrasync_intercepted_submissions_total",
	Help: "Report submissions diverted to offline storage, by outcome",
}, []string{"outcome"})
