package ingest

import (
	"log"
	"time"

	"github.com/stb13579/fleetd/internal/geo"
	"github.com/stb13579/fleetd/internal/stats"
	"github.com/stb13579/fleetd/internal/telemetry"
	"github.com/stb13579/fleetd/internal/vcache"
)

// EventStore persists enriched observations.
type EventStore interface {
	RecordTelemetry(telemetry.Enriched) (int64, error)
}

// Broadcaster fans an enriched observation out to live subscribers.
type Broadcaster interface {
	BroadcastUpdate(telemetry.Enriched)
}

// Pipeline turns one raw broker payload into enriched vehicle state:
// validate, derive speed from the previous cached position, update the
// cache and rate window, persist, broadcast. Broker dispatch is serial, so
// Handle never runs concurrently with itself.
type Pipeline struct {
	cache    *vcache.Cache
	store    EventStore
	hub      Broadcaster
	counters *stats.Counters
	rate     *stats.RateWindow

	now func() time.Time
}

func NewPipeline(cache *vcache.Cache, store EventStore, hub Broadcaster, counters *stats.Counters, rate *stats.RateWindow) *Pipeline {
	return &Pipeline{
		cache:    cache,
		store:    store,
		hub:      hub,
		counters: counters,
		rate:     rate,
		now:      time.Now,
	}
}

// Handle processes one inbound message.
func (p *Pipeline) Handle(topic string, payload []byte) {
	rec, err := telemetry.Validate(payload)
	if err != nil {
		p.counters.MarkInvalid()
		log.Printf("[ingest] drop message on %s: %v", topic, err)
		return
	}
	p.counters.MarkValid()

	now := p.now()

	speedKmh := 0.0
	if prev, ok := p.cache.Get(rec.VehicleID); ok {
		speedKmh = geo.DeriveSpeedKmh(prev.Lat, prev.Lng, prev.Timestamp, rec.Lat, rec.Lng, rec.Timestamp)
	}

	enriched := telemetry.Enriched{
		Record:   rec,
		SpeedKmh: speedKmh,
		LastSeen: now,
	}

	p.cache.Set(rec.VehicleID, enriched)
	p.rate.Record(now)

	// The live view stays consistent even when persistence fails: the
	// update is broadcast regardless and the error is logged.
	if _, err := p.store.RecordTelemetry(enriched); err != nil {
		log.Printf("[ingest] persist %s: %v", rec.VehicleID, err)
	}

	p.hub.BroadcastUpdate(enriched)
}
