package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "obrasync_cache_lookups_total",
	Help: "Cache lookups by role and result",
}, []string{"role", "result"})

var cachePuts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "obrasync_cache_puts_total",
	Help: "Entries written to the cache by role",
}, []string{"role"})

var namespacesPurged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "obrasync_cache_namespaces_purged_total",
	Help: "Stale cache namespaces deleted on activation",
})
