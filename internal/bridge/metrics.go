package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	invocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_invocations_total",
		Help: "The total number of external function invocations",
	})

	invocationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_invocation_errors_total",
		Help: "The total number of failed external function invocations",
	})

	invokeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nock_invoke_duration_seconds",
		Help:    "Time spent inside Invoker.Run, external call included",
		Buckets: prometheus.DefBuckets,
	})

	capsulesMarshaled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_capsules_marshaled_total",
		Help: "The total number of input capsules handed to external functions",
	})

	outputBytesCopied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_output_bytes_copied_total",
		Help: "The total number of result bytes copied back into pipeline batches",
	})
)
