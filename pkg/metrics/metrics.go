// Package metrics implements the per-cache counters of C6: request/hit/miss
// accounting and the load-score derivation used by the remote-cache helper
// (C7) and the advertiser (C10), exported as Prometheus collectors the way
// the teacher wires its counters into a registry.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Load-score weights (spec.md §4.7 / §4.4).
const (
	weightAvgResponseTime = 0.4
	weightMissRatio       = 0.3
	weightRecency         = 0.3

	// recencyHalfLife sets how quickly the recency factor decays towards 1
	// (maximally stale) as time passes since the last recorded request.
	recencyHalfLife = 5 * time.Minute
)

// Recorder holds the live counters of one cache (spec.md §4.7).
type Recorder struct {
	mu sync.Mutex

	cacheName string

	requestCount      uint64
	hitCount          uint64
	missCount         uint64
	totalResponseTime time.Duration
	lastUpdate        time.Time

	promRequests *prometheus.CounterVec
	promHits     *prometheus.CounterVec
	promMisses   *prometheus.CounterVec
	promLatency  *prometheus.HistogramVec
}

// NewRecorder returns a Recorder for cacheName, registering its Prometheus
// collectors into reg.
func NewRecorder(reg prometheus.Registerer, cacheName string) *Recorder {
	r := &Recorder{
		cacheName: cacheName,

		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Total number of requests served by the cache.",
		}, []string{"cache"}),
		promHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of requests resolved as an owned local hit.",
		}, []string{"cache"}),
		promMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of requests resolved via sibling or remote lookup.",
		}, []string{"cache"}),
		promLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cache_response_time_seconds",
			Help:    "Response time of served requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"cache"}),
	}

	reg.MustRegister(r.promRequests, r.promHits, r.promMisses, r.promLatency)

	return r
}

// RecordRequest updates counters for one served request (spec.md §4.7
// "record_request(is_hit, Δt)"). isHit is true only for an owned local hit
// (spec.md §4.3.1 resolution-order step 1); sibling and remote resolutions
// count as misses.
func (r *Recorder) RecordRequest(isHit bool, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestCount++
	r.totalResponseTime += elapsed
	r.lastUpdate = time.Now()

	if isHit {
		r.hitCount++
	} else {
		r.missCount++
	}

	r.promRequests.WithLabelValues(r.cacheName).Inc()
	r.promLatency.WithLabelValues(r.cacheName).Observe(elapsed.Seconds())

	if isHit {
		r.promHits.WithLabelValues(r.cacheName).Inc()
	} else {
		r.promMisses.WithLabelValues(r.cacheName).Inc()
	}
}

// Snapshot is a point-in-time, lock-free copy of a Recorder's counters.
type Snapshot struct {
	RequestCount      uint64
	HitCount          uint64
	MissCount         uint64
	TotalResponseTime time.Duration
	LastUpdate        time.Time
}

// Snapshot returns the current counter values.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Snapshot{
		RequestCount:      r.requestCount,
		HitCount:          r.hitCount,
		MissCount:         r.missCount,
		TotalResponseTime: r.totalResponseTime,
		LastUpdate:        r.lastUpdate,
	}
}

// LoadScore derives a single load figure from the snapshot (spec.md §4.4,
// §4.7): a weighted combination of average response time, miss ratio, and a
// decayed request-rate recency factor. Lower is better; an idle cache with
// no requests yet scores 0.
func (s Snapshot) LoadScore() float64 {
	if s.RequestCount == 0 {
		return 0
	}

	avgResponseTime := s.TotalResponseTime.Seconds() / float64(s.RequestCount)
	missRatio := 1 - float64(s.HitCount)/float64(s.RequestCount)

	recency := 1.0
	if !s.LastUpdate.IsZero() {
		age := time.Since(s.LastUpdate)
		recency = 1 - math.Exp(-age.Seconds()/recencyHalfLife.Seconds())
	}

	return avgResponseTime*weightAvgResponseTime +
		missRatio*weightMissRatio +
		recency*weightRecency
}

// LoadScore is a convenience wrapper around Snapshot().LoadScore().
func (r *Recorder) LoadScore() float64 { return r.Snapshot().LoadScore() }
