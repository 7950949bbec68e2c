// Package metrics exposes the process-wide Prometheus collectors for the
// encoders and registry. Recording here is pure observation: nothing in this
// package can influence scoring or encoding results.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EncodeSeconds tracks per-call inference+pooling latency, labeled by
	// encoder ("dense" or "colbert").
	EncodeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osgrep_encode_seconds",
			Help:    "Time spent in a single encode call, by encoder.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"encoder"},
	)

	// EncodeTotal counts encode calls, labeled by encoder and result
	// ("ok" or "error").
	EncodeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osgrep_encode_total",
			Help: "Number of encode calls, by encoder and result.",
		},
		[]string{"encoder", "result"},
	)

	// RerankSeconds tracks rerank latency in RerankColbert: scoring an
	// already-encoded query against the candidates and sorting the results.
	RerankSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "osgrep_rerank_seconds",
		Help:    "Time spent in RerankColbert scoring and sorting candidates.",
		Buckets: prometheus.DefBuckets,
	})

	// RegistryInitTotal counts model registry initialization attempts,
	// labeled by slot ("dense" or "colbert") and result.
	RegistryInitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osgrep_registry_init_total",
			Help: "Number of model registry init attempts, by slot and result.",
		},
		[]string{"slot", "result"},
	)
)

func init() {
	prometheus.MustRegister(EncodeSeconds, EncodeTotal, RerankSeconds, RegistryInitTotal)
}
