package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/mifka01/cache-server/pkg/metrics"
)

func TestRecordRequestIncrementsCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := metrics.NewRecorder(reg, "cache1")

	r.RecordRequest(true, 10*time.Millisecond)
	r.RecordRequest(false, 20*time.Millisecond)
	r.RecordRequest(false, 30*time.Millisecond)

	snap := r.Snapshot()
	assert.Equal(t, uint64(3), snap.RequestCount)
	assert.Equal(t, uint64(1), snap.HitCount)
	assert.Equal(t, uint64(2), snap.MissCount)
	assert.Equal(t, snap.HitCount+snap.MissCount, snap.RequestCount)
}

func TestLoadScoreZeroWhenIdle(t *testing.T) {
	t.Parallel()

	var snap metrics.Snapshot
	assert.Equal(t, 0.0, snap.LoadScore())
}

func TestLoadScoreIncreasesWithMissRatio(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()

	allHits := metrics.NewRecorder(reg, "hits")
	allHits.RecordRequest(true, time.Millisecond)
	allHits.RecordRequest(true, time.Millisecond)

	allMisses := metrics.NewRecorder(reg, "misses")
	allMisses.RecordRequest(false, time.Millisecond)
	allMisses.RecordRequest(false, time.Millisecond)

	assert.Less(t, allHits.LoadScore(), allMisses.LoadScore())
}
