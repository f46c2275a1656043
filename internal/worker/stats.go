package worker

import (
	"sync/atomic"
	"time"
)

type (
	// Stats counts task outcomes across the pool's lifetime
	Stats struct {
		claimed   atomic.Int64
		completed atomic.Int64
		failed    atomic.Int64
		startedAt time.Time
	}

	// StatsSnapshot is a point-in-time copy of the pool counters
	StatsSnapshot struct {
		Claimed   int64     `json:"claimed"`
		Completed int64     `json:"completed"`
		Failed    int64     `json:"failed"`
		StartedAt time.Time `json:"started_at"`
	}
)

// Snapshot returns the current counter values
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Claimed:   s.claimed.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		StartedAt: s.startedAt,
	}
}
