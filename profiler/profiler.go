// Package profiler - per-stage latency tracking for the cascade.
package profiler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StageStats is the accumulated timing of one stage.
type StageStats struct {
	Stage string
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Mean returns the average duration per observation.
func (s StageStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// StageTimer accumulates stage durations. Safe for concurrent use; the
// load-balanced scheduler observes from several goroutines.
type StageTimer struct {
	mu    sync.Mutex
	stats map[string]*StageStats
}

// New returns an empty timer.
func New() *StageTimer {
	return &StageTimer{stats: map[string]*StageStats{}}
}

// Observe records one run of a stage.
func (t *StageTimer) Observe(stage string, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[stage]
	if !ok {
		s = &StageStats{Stage: stage, Min: d, Max: d}
		t.stats[stage] = s
	}
	s.Count++
	s.Total += d
	if d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

// Snapshot returns a copy of the accumulated stats, sorted by stage name.
func (t *StageTimer) Snapshot() []StageStats {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StageStats, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// Log writes one line per stage at info level.
func (t *StageTimer) Log(logger *zap.Logger) {
	if t == nil || logger == nil {
		return
	}
	for _, s := range t.Snapshot() {
		logger.Info("stage timing",
			zap.String("stage", s.Stage),
			zap.Int64("frames", s.Count),
			zap.Duration("mean", s.Mean()),
			zap.Duration("min", s.Min),
			zap.Duration("max", s.Max))
	}
}
