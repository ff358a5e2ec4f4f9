package store

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintenance runs periodic database housekeeping on a cron schedule:
// WAL checkpointing, query planner statistics, and PRAGMA optimize.
type Maintenance struct {
	store *Store
	cron  *cron.Cron
}

// NewMaintenance schedules housekeeping per the cron expression. An empty
// schedule disables maintenance; an invalid one is logged and disables it.
func NewMaintenance(store *Store, schedule string) *Maintenance {
	m := &Maintenance{store: store}
	if schedule == "" {
		return m
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := m.RunNow(); err != nil {
			log.Printf("[maintenance] scheduled run failed: %v", err)
		}
	}); err != nil {
		log.Printf("[maintenance] invalid cron expression %q: %v", schedule, err)
		return m
	}
	m.cron = c
	return m
}

// Start begins the cron scheduler.
func (m *Maintenance) Start() {
	if m.cron != nil {
		m.cron.Start()
	}
}

// Stop halts the cron scheduler. Jobs already running complete on their own.
func (m *Maintenance) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// RunNow performs one maintenance cycle immediately.
func (m *Maintenance) RunNow() error {
	started := time.Now()
	statements := []string{
		"PRAGMA wal_checkpoint(TRUNCATE)",
		"ANALYZE",
		"PRAGMA optimize",
	}
	for _, stmt := range statements {
		if _, err := m.store.db.Exec(stmt); err != nil {
			return err
		}
	}
	log.Printf("[maintenance] completed in %s", time.Since(started).Round(time.Millisecond))
	return nil
}
