// Package metrics exposes the pipeline's and retry subsystem's counters as
// Prometheus metrics, collected into the default registry so a caller can
// mount promhttp.Handler() wherever it likes — this package only defines
// and updates the metrics, it doesn't own an HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ais-export/shardhist/internal/pipeline"
)

var (
	messagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardhist_messages_processed_total",
		Help: "Messages written to the archive across all export runs.",
	})
	pipelineErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardhist_pipeline_errors_total",
		Help: "Messages dropped by the process stage.",
	})
	fetchQueueHighWater = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardhist_fetch_queue_high_water",
		Help: "Highest observed depth of the fetch-stage queue in the most recent run.",
	})
	processQueueHighWater = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardhist_process_queue_high_water",
		Help: "Highest observed depth of the process-stage queue in the most recent run.",
	})
	writerBufferHighWater = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardhist_writer_buffer_high_water",
		Help: "Highest observed size of the writer's reorder buffer in the most recent run.",
	})
	chunksAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardhist_chunks_abandoned_total",
		Help: "Chunks abandoned after their retry budget was exhausted.",
	})
	hotZonesLearned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardhist_hot_zones_learned",
		Help: "Hot zones (seeded + learned) intersecting the most recent export's range in its datacenter.",
	})
)

// ObservePipeline updates the counters and high-water gauges from one
// run's pipeline.Stats.
func ObservePipeline(stats pipeline.Stats) {
	messagesProcessed.Add(float64(stats.Processed))
	pipelineErrors.Add(float64(stats.Errors))
	fetchQueueHighWater.Set(float64(stats.MaxFetchQueue))
	processQueueHighWater.Set(float64(stats.MaxProcessQueue))
	writerBufferHighWater.Set(float64(stats.MaxWriterBuffered))
}

// ObserveChunksAbandoned adds n to the abandoned-chunk counter.
func ObserveChunksAbandoned(n int64) { chunksAbandoned.Add(float64(n)) }

// ObserveHotZoneCount sets the hot-zone gauge to n, the number of zones the
// caller counted for its export range.
func ObserveHotZoneCount(n int) { hotZonesLearned.Set(float64(n)) }
