// Package metrics exposes batch processing counters through Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks pipeline activity for one process. All methods are
// safe for concurrent use.
type Collector struct {
	framesProcessed *prometheus.CounterVec
	framesFailed    prometheus.Counter
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	iterations      prometheus.Counter
	convergence     prometheus.Histogram
}

// NewCollector creates a collector and registers it on the given
// registerer. Pass prometheus.DefaultRegisterer outside tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		framesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peakflow",
			Name:      "frames_processed_total",
			Help:      "Frames fully refined and merged, by phase.",
		}, []string{"phase"}),
		framesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peakflow",
			Name:      "frames_failed_total",
			Help:      "Frames aborted by a refinement failure.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peakflow",
			Name:      "cache_hits_total",
			Help:      "Frame dispatches short-circuited by the cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peakflow",
			Name:      "cache_misses_total",
			Help:      "Frame dispatches that required computation.",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peakflow",
			Name:      "refinement_iterations_total",
			Help:      "Full refinement sequence passes across all slices.",
		}),
		convergence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "peakflow",
			Name:      "refinement_iterations_per_slice",
			Help:      "Iterations needed per azimuthal slice.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(c.framesProcessed, c.framesFailed,
			c.cacheHits, c.cacheMisses, c.iterations, c.convergence)
	}
	return c
}

// FrameProcessed records one merged frame for the named phase,
// "reference" or "sample".
func (c *Collector) FrameProcessed(phase string) {
	c.framesProcessed.WithLabelValues(phase).Inc()
}

// FrameFailed records one aborted frame.
func (c *Collector) FrameFailed() { c.framesFailed.Inc() }

// CacheHit records a short-circuited dispatch.
func (c *Collector) CacheHit() { c.cacheHits.Inc() }

// CacheMiss records a dispatch that went to the engine.
func (c *Collector) CacheMiss() { c.cacheMisses.Inc() }

// SliceRefined records one finished slice's iteration count.
func (c *Collector) SliceRefined(iterations int) {
	c.iterations.Add(float64(iterations))
	c.convergence.Observe(float64(iterations))
}
