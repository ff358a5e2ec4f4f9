package stats

import (
	"sync"
	"time"
)

// RateWindow keeps the arrival instants of the last W milliseconds and
// reports the average messages-per-second rate across that horizon. Arrivals
// older than now-W are trimmed on every record and every read; trimming is
// idempotent. A zero or negative horizon disables the window (rate 0).
type RateWindow struct {
	mu       sync.Mutex
	horizon  time.Duration
	arrivals []time.Time
	head     int
}

func NewRateWindow(horizon time.Duration) *RateWindow {
	return &RateWindow{horizon: horizon}
}

// Record registers one arrival at now.
func (w *RateWindow) Record(now time.Time) {
	if w.horizon <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trimLocked(now)
	w.arrivals = append(w.arrivals, now)
}

// Rate returns arrivals-in-window divided by the horizon in seconds.
func (w *RateWindow) Rate(now time.Time) float64 {
	if w.horizon <= 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trimLocked(now)
	return float64(len(w.arrivals)-w.head) / w.horizon.Seconds()
}

// WindowSeconds reports the configured horizon in whole seconds.
func (w *RateWindow) WindowSeconds() int {
	return int(w.horizon / time.Second)
}

// trimLocked drops leading arrivals strictly older than now-horizon. The
// slice is compacted once the dead prefix outgrows the live remainder.
func (w *RateWindow) trimLocked(now time.Time) {
	cutoff := now.Add(-w.horizon)
	for w.head < len(w.arrivals) && w.arrivals[w.head].Before(cutoff) {
		w.head++
	}
	if w.head > len(w.arrivals)/2 && w.head > 64 {
		live := copy(w.arrivals, w.arrivals[w.head:])
		w.arrivals = w.arrivals[:live]
		w.head = 0
	}
}
