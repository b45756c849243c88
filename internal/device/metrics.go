package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_buffer_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_buffer_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})
)
