package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var routedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "obrasync_router_requests_total",
	Help: "Requests resolved by the router, by role and where the answer came from",
}, []string{"role", "source"})

var backgroundRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "obrasync_router_background_refreshes_total",
	Help: "Background cache refreshes of cache-first pages, by outcome",
}, []string{"outcome"})
