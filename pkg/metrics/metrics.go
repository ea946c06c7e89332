// Package metrics exposes Prometheus instrumentation for the audio path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all counters for one process.
type Metrics struct {
	FramesSent      prometheus.Counter
	FramesDropped   prometheus.Counter
	ChunksScheduled prometheus.Counter
	DecodeFailures  prometheus.Counter
	Interruptions   prometheus.Counter
	TurnsFlushed    prometheus.Counter
	FlushSuccesses  prometheus.Counter
	FlushFailures   prometheus.Counter
}

// Default is the process-wide instance, registered on the default registry.
var Default = newMetrics()

func newMetrics() *Metrics {
	return &Metrics{
		FramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sprechstunde_frames_sent_total",
			Help: "Captured microphone frames sent to the live transport",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sprechstunde_frames_dropped_total",
			Help: "Captured frames dropped because the transport was not ready",
		}),
		ChunksScheduled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sprechstunde_chunks_scheduled_total",
			Help: "Inbound audio chunks scheduled for playback",
		}),
		DecodeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sprechstunde_decode_failures_total",
			Help: "Inbound audio chunks dropped due to decode errors",
		}),
		Interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sprechstunde_interruptions_total",
			Help: "Playback interruptions signaled by the server",
		}),
		TurnsFlushed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sprechstunde_turns_flushed_total",
			Help: "Conversation turns flushed into the transcript log",
		}),
		FlushSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sprechstunde_persistence_flush_successes_total",
			Help: "Successful transcript flushes to the durable store",
		}),
		FlushFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sprechstunde_persistence_flush_failures_total",
			Help: "Failed transcript flushes to the durable store",
		}),
	}
}

// Serve exposes /metrics on addr. Blocks; run it in its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
