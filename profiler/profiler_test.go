package profiler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveAccumulates(t *testing.T) {
	timer := New()
	timer.Observe("detect", 10*time.Millisecond)
	timer.Observe("detect", 30*time.Millisecond)
	timer.Observe("classify", 5*time.Millisecond)

	stats := timer.Snapshot()
	require.Len(t, stats, 2)

	assert.Equal(t, "classify", stats[0].Stage, "snapshot is sorted by stage")
	detect := stats[1]
	assert.Equal(t, int64(2), detect.Count)
	assert.Equal(t, 40*time.Millisecond, detect.Total)
	assert.Equal(t, 10*time.Millisecond, detect.Min)
	assert.Equal(t, 30*time.Millisecond, detect.Max)
	assert.Equal(t, 20*time.Millisecond, detect.Mean())
}

func TestObserveConcurrent(t *testing.T) {
	timer := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				timer.Observe("detect", time.Millisecond)
			}
		}()
	}
	wg.Wait()
	stats := timer.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(800), stats[0].Count)
}

func TestNilTimerIsInert(t *testing.T) {
	var timer *StageTimer
	timer.Observe("detect", time.Millisecond)
	assert.Nil(t, timer.Snapshot())
	timer.Log(nil)
}

func TestMeanOfEmptyStats(t *testing.T) {
	assert.Equal(t, time.Duration(0), StageStats{}.Mean())
}
