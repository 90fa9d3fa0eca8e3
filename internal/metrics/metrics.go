// Package metrics exposes prometheus instrumentation for the download
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline's prometheus collectors. Construct one per
// process and register it on a registry served at /metrics.
type Metrics struct {
	JobsTotal      *prometheus.CounterVec
	ActiveJobs     prometheus.Gauge
	ChunksFetched  prometheus.Counter
	ChunkFailures  prometheus.Counter
	BytesAssembled prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackvault_jobs_total",
			Help: "Download jobs by terminal status.",
		}, []string{"status"}),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackvault_active_jobs",
			Help: "Jobs currently running.",
		}),
		ChunksFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackvault_chunks_fetched_total",
			Help: "Chunks fetched, decrypted and written.",
		}),
		ChunkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackvault_chunk_failures_total",
			Help: "Chunk tasks that failed after exhausting retries.",
		}),
		BytesAssembled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackvault_bytes_assembled_total",
			Help: "Plaintext bytes written to destination files.",
		}),
	}
}

// Register attaches all collectors to the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.JobsTotal, m.ActiveJobs, m.ChunksFetched, m.ChunkFailures, m.BytesAssembled)
}
