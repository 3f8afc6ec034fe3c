// Package metrics exposes the runtime's Prometheus instrumentation:
// actor lifecycle counts, queue throughput, loader cache behavior, and
// broadcast fan-out latency (SPEC_FULL.md §4.13). Modeled on
// pkg/metrics/metrics.go in the openshift-machine-api-operator example,
// which registers its descriptors as package-level vars via
// prometheus.MustRegister in init rather than a lazily-constructed
// registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ActorWakes counts successful loader activations, by actor name.
	ActorWakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rivet_actor_wakes_total",
		Help: "Count of actor activations (loader.activate succeeding).",
	}, []string{"name"})

	// ActorSleeps counts onSleep completions, by actor name.
	ActorSleeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rivet_actor_sleeps_total",
		Help: "Count of actors returned to the empty state via onSleep.",
	}, []string{"name"})

	// ActorDestroys counts onDestroy completions, by actor name.
	ActorDestroys = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rivet_actor_destroys_total",
		Help: "Count of actors tombstoned via onDestroy.",
	}, []string{"name"})

	// LoaderCacheHits/Misses count Load calls that found a resident
	// instance versus ones that had to activate from storage.
	LoaderCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rivet_loader_cache_hits_total",
		Help: "Load calls served by an already-resident instance.",
	})
	LoaderCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rivet_loader_cache_misses_total",
		Help: "Load calls that triggered activation from storage.",
	})

	// QueueSends/Completes/Timeouts count publish, ack, and
	// resolve-timeout outcomes, by queue name.
	QueueSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rivet_queue_sends_total",
		Help: "Messages published to a queue.",
	}, []string{"queue"})
	QueueCompletes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rivet_queue_completes_total",
		Help: "Messages acked in FIFO order.",
	}, []string{"queue"})
	QueueTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rivet_queue_timeouts_total",
		Help: "Wait handles resolved via ResolveTimeout instead of Ack.",
	}, []string{"queue"})

	// BroadcastFanoutSeconds observes the wall-clock cost of one
	// Bus.Broadcast call across all of its subscribers.
	BroadcastFanoutSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rivet_broadcast_fanout_seconds",
		Help:    "Wall-clock time to fan one event out to all subscribers.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		ActorWakes, ActorSleeps, ActorDestroys,
		LoaderCacheHits, LoaderCacheMisses,
		QueueSends, QueueCompletes, QueueTimeouts,
		BroadcastFanoutSeconds,
	)
}
