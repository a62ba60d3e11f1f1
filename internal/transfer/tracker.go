package transfer

import (
	"sync"
	"time"

	"github.com/rescale/httptransfer/internal/events"
)

// speedSmoothingAlpha weights new rate samples against history: 25% new,
// 75% previous. Smooth enough for display, responsive to real changes.
const speedSmoothingAlpha = 0.25

// rateTracker derives a smoothed per-file transfer rate from cumulative
// progress updates.
type rateTracker struct {
	mu    sync.Mutex
	files map[events.Asset]*rateState
}

type rateState struct {
	lastBytes int64
	lastTime  time.Time
	speed     float64
}

func newRateTracker() *rateTracker {
	return &rateTracker{
		files: make(map[events.Asset]*rateState),
	}
}

// update records the cumulative byte count for an asset and returns the
// smoothed rate in bytes/sec. The first sample only seeds the baseline.
func (t *rateTracker) update(a events.Asset, bytes int64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	s, ok := t.files[a]
	if !ok {
		t.files[a] = &rateState{lastBytes: bytes, lastTime: now}
		return 0
	}

	if bytes > s.lastBytes {
		elapsed := now.Sub(s.lastTime).Seconds()
		// Require at least 100ms between samples for a meaningful rate
		if elapsed > 0.1 {
			instant := float64(bytes-s.lastBytes) / elapsed
			if s.speed > 0 {
				s.speed = speedSmoothingAlpha*instant + (1-speedSmoothingAlpha)*s.speed
			} else {
				s.speed = instant
			}
			s.lastBytes = bytes
			s.lastTime = now
		}
	}
	return s.speed
}

// forget drops the tracking state of a finished asset.
func (t *rateTracker) forget(a events.Asset) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, a)
}
