// Package stats holds the process-wide operational counters and the sliding
// message-rate window. The ingest pipeline is the only writer of the message
// counters; the query surfaces read them.
package stats

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Counters tracks accepted and rejected message totals plus the number of
// currently active server-side streams. Every ingested payload increments
// exactly one of the two message counters.
type Counters struct {
	totalMessages   *xsync.Counter
	invalidMessages *xsync.Counter
	activeStreams   atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{
		totalMessages:   xsync.NewCounter(),
		invalidMessages: xsync.NewCounter(),
	}
}

// MarkValid records one accepted message.
func (c *Counters) MarkValid() { c.totalMessages.Inc() }

// MarkInvalid records one rejected message.
func (c *Counters) MarkInvalid() { c.invalidMessages.Inc() }

func (c *Counters) TotalMessages() int64 { return c.totalMessages.Value() }

func (c *Counters) InvalidMessages() int64 { return c.invalidMessages.Value() }

// StreamStarted increments the active-stream gauge and returns the new value.
func (c *Counters) StreamStarted() int64 { return c.activeStreams.Add(1) }

// StreamEnded decrements the active-stream gauge. Callers must invoke it
// exactly once per ended stream.
func (c *Counters) StreamEnded() int64 { return c.activeStreams.Add(-1) }

func (c *Counters) ActiveStreams() int64 { return c.activeStreams.Load() }
