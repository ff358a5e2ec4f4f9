// Package scanloop runs periodic background work at a jittered cadence so
// co-scheduled jobs (rollups, sweeps) do not fire in lockstep.
package scanloop

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange define the rollup scan cadence
	// used when the configured interval is zero.
	DefaultMinInterval = 60 * time.Second
	DefaultJitterRange = 2 * time.Second
)

// Run invokes fn every minInterval plus up to jitterRange of random slack,
// until stopCh closes. fn runs to completion before the next wait is armed,
// so a slow pass delays the following one rather than overlapping it.
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	for {
		wait := minInterval
		if jitterRange > 0 {
			wait += rand.N(jitterRange)
		}
		timer := time.NewTimer(wait)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		fn()
	}
}
