package store

import (
	"log"
	"sync"
	"time"

	"github.com/stb13579/fleetd/internal/scanloop"
)

// RollupScheduler drives incremental rollup passes on a jittered interval.
// The first pass runs immediately on Start so restarts converge without
// waiting a full interval.
type RollupScheduler struct {
	store    *Store
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// passHook, when set, observes the bucket count of each completed pass.
	passHook func(int)
}

// NewRollupScheduler creates a scheduler for the store. An interval of zero
// selects the default scan cadence.
func NewRollupScheduler(store *Store, interval time.Duration) *RollupScheduler {
	if interval <= 0 {
		interval = scanloop.DefaultMinInterval
	}
	return &RollupScheduler{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (rs *RollupScheduler) Start() {
	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()
		rs.runPass()
		scanloop.Run(rs.stopCh, rs.interval, scanloop.DefaultJitterRange, rs.runPass)
	}()
}

// Stop halts the scheduler and waits for an in-flight pass to finish.
// Safe to call more than once.
func (rs *RollupScheduler) Stop() {
	rs.stopOnce.Do(func() {
		close(rs.stopCh)
	})
	rs.wg.Wait()
}

func (rs *RollupScheduler) runPass() {
	n, err := rs.store.RunRollups(time.Now().Unix(), false)
	if err != nil {
		log.Printf("[rollup] pass failed: %v", err)
	}
	if rs.passHook != nil {
		rs.passHook(n)
	}
}
