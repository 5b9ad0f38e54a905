package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cachePrometheusMetrics sync.Once

	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inodefs",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Number of sector lookups satisfied by a cached frame.",
		})
	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inodefs",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Number of sector lookups that needed a frame.",
		})
	cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inodefs",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Number of valid frames reclaimed by the clock sweep.",
		})
	cacheWritebacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inodefs",
			Subsystem: "cache",
			Name:      "writebacks_total",
			Help:      "Number of dirty frames written to the device.",
		})
	cachePrefetches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inodefs",
			Subsystem: "cache",
			Name:      "prefetches_total",
			Help:      "Number of sectors read ahead by the prefetch worker.",
		})
)

func registerMetrics() {
	cachePrometheusMetrics.Do(func() {
		prometheus.MustRegister(cacheHits)
		prometheus.MustRegister(cacheMisses)
		prometheus.MustRegister(cacheEvictions)
		prometheus.MustRegister(cacheWritebacks)
		prometheus.MustRegister(cachePrefetches)
	})
}
