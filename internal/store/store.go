package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"

	"github.com/stb13579/fleetd/internal/geo"
	"github.com/stb13579/fleetd/internal/telemetry"
)

const (
	// DefaultHistoryLimit is the page size used when a history query does
	// not request one.
	DefaultHistoryLimit = 500
	// MaxHistoryLimit caps the page size of a single history query.
	MaxHistoryLimit = 5000
)

// ErrInvalidPageToken reports a history page token that is not a decimal
// event id issued by a previous page.
var ErrInvalidPageToken = errors.New("invalid page token")

// Options configures a Store beyond its database path.
type Options struct {
	// RollupWindowSeconds is the base rollup bucket width. Defaults to 300.
	RollupWindowSeconds int64
	// RollupWindows lists additional bucket widths to materialize.
	RollupWindows []int64
	// RollupCatchUpWindows is how many already-finalized buckets each
	// incremental rollup pass re-scans to absorb late events.
	RollupCatchUpWindows int
	// AggregateCacheSize bounds the aggregate response cache entry count.
	// Zero disables the cache.
	AggregateCacheSize int
	// AggregateCacheTTL expires cached aggregate responses. Zero disables
	// the cache.
	AggregateCacheTTL time.Duration
}

// Store persists telemetry events, per-vehicle summaries, the cumulative
// distance cache, and precomputed rollup buckets in a single SQLite file.
type Store struct {
	db *sql.DB

	// writeMu serializes read-modify-write transactions (previous position
	// lookup, distance cache increment).
	writeMu sync.Mutex

	windows    []int64
	baseWindow int64
	catchUp    int

	// rollupGen is folded into aggregate cache keys so a completed rollup
	// pass invalidates every cached response at once.
	rollupGen uint64

	aggCache *otter.Cache[queryFingerprint, []AggregateBucket]
}

// Open opens (or creates) the telemetry database at path, applies pending
// migrations, and validates the rollup window configuration.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store mkdir: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store migrate: %w", err)
	}

	base := opts.RollupWindowSeconds
	if base <= 0 {
		base = 300
	}
	windows, err := normalizeWindows(base, opts.RollupWindows)
	if err != nil {
		db.Close()
		return nil, err
	}

	catchUp := opts.RollupCatchUpWindows
	if catchUp < 0 {
		catchUp = 0
	}

	s := &Store{
		db:         db,
		windows:    windows,
		baseWindow: base,
		catchUp:    catchUp,
	}

	if opts.AggregateCacheSize > 0 && opts.AggregateCacheTTL > 0 {
		cache, err := otter.MustBuilder[queryFingerprint, []AggregateBucket](opts.AggregateCacheSize).
			Cost(func(_ queryFingerprint, _ []AggregateBucket) uint32 { return 1 }).
			WithTTL(opts.AggregateCacheTTL).
			Build()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("store aggregate cache: %w", err)
		}
		s.aggCache = &cache
	}

	return s, nil
}

// normalizeWindows merges the base window with the extras, deduplicates and
// sorts ascending. Every window must be a positive number of seconds.
func normalizeWindows(base int64, extras []int64) ([]int64, error) {
	seen := map[int64]bool{base: true}
	windows := []int64{base}
	for _, w := range extras {
		if w <= 0 {
			return nil, fmt.Errorf("store: rollup window %d must be positive", w)
		}
		if seen[w] {
			continue
		}
		seen[w] = true
		windows = append(windows, w)
	}
	for i := 1; i < len(windows); i++ {
		for j := i; j > 0 && windows[j] < windows[j-1]; j-- {
			windows[j], windows[j-1] = windows[j-1], windows[j]
		}
	}
	return windows, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.aggCache != nil {
		s.aggCache.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Windows returns the materialized rollup bucket widths, ascending.
func (s *Store) Windows() []int64 {
	out := make([]int64, len(s.windows))
	copy(out, s.windows)
	return out
}

// BaseWindow returns the base rollup bucket width in seconds.
func (s *Store) BaseWindow() int64 {
	return s.baseWindow
}

// RecordTelemetry persists one enriched observation in a single transaction:
// it reads the vehicle's previous position, computes the leg distance,
// upserts the vehicle summary (preserving first_seen_at_ms), appends the
// event row, and folds the leg into the cumulative distance cache. Returns
// the id of the inserted event.
func (s *Store) RecordTelemetry(v telemetry.Enriched) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	recordedAtMs := v.Timestamp.UnixMilli()
	ingestAtMs := v.LastSeen.UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		prevLat, prevLng float64
		hasPrev          bool
	)
	err = tx.QueryRow(`SELECT last_lat, last_lng FROM vehicles WHERE vehicle_id = ?`, v.VehicleID).
		Scan(&prevLat, &prevLng)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		hasPrev = false
	case err != nil:
		return 0, fmt.Errorf("store read previous position: %w", err)
	default:
		hasPrev = true
	}

	distanceKm := 0.0
	if hasPrev {
		distanceKm = geo.Haversine(prevLat, prevLng, v.Lat, v.Lng)
	}

	_, err = tx.Exec(`INSERT INTO vehicles (vehicle_id, first_seen_at_ms, last_seen_at_ms, last_lat, last_lng, last_engine_status, last_fuel_level)
		VALUES (?,?,?,?,?,?,?) ON CONFLICT(vehicle_id)
		DO UPDATE SET last_seen_at_ms = excluded.last_seen_at_ms, last_lat = excluded.last_lat, last_lng = excluded.last_lng,
			last_engine_status = excluded.last_engine_status, last_fuel_level = excluded.last_fuel_level`,
		v.VehicleID, ingestAtMs, ingestAtMs, v.Lat, v.Lng, v.EngineStatus, v.FuelLevel)
	if err != nil {
		return 0, fmt.Errorf("store upsert vehicle: %w", err)
	}

	res, err := tx.Exec(`INSERT INTO telemetry_events (vehicle_id, recorded_at_ms, ingest_at_ms, lat, lng, speed_kmh, fuel_level, engine_status, distance_km)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		v.VehicleID, recordedAtMs, ingestAtMs, v.Lat, v.Lng, v.SpeedKmh, v.FuelLevel, v.EngineStatus, distanceKm)
	if err != nil {
		return 0, fmt.Errorf("store insert event: %w", err)
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store event id: %w", err)
	}

	// excluded.cumulative_km is the leg distance here, so the conflict
	// branch accumulates rather than overwrites.
	_, err = tx.Exec(`INSERT INTO telemetry_distance_cache (vehicle_id, last_event_id, cumulative_km)
		VALUES (?,?,?) ON CONFLICT(vehicle_id)
		DO UPDATE SET last_event_id = excluded.last_event_id, cumulative_km = cumulative_km + excluded.cumulative_km`,
		v.VehicleID, eventID, distanceKm)
	if err != nil {
		return 0, fmt.Errorf("store upsert distance cache: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store commit: %w", err)
	}
	return eventID, nil
}

// Event is one persisted telemetry observation.
type Event struct {
	EventID      int64
	VehicleID    string
	RecordedAt   time.Time
	IngestAt     time.Time
	Lat          float64
	Lng          float64
	SpeedKmh     float64
	FuelLevel    float64
	EngineStatus string
	DistanceKm   float64
}

// HistoryQuery filters and paginates the event log.
type HistoryQuery struct {
	// VehicleIDs restricts results to these vehicles. Empty means all.
	VehicleIDs []string
	// Start and End bound recorded_at (inclusive). Zero values are open.
	Start time.Time
	End   time.Time
	// Limit is the page size. Zero or negative selects DefaultHistoryLimit;
	// values above MaxHistoryLimit are clamped.
	Limit int
	// PageToken resumes after the event id issued by a previous page.
	PageToken string
}

// History returns one ascending-id page of events plus the token for the
// next page, or an empty token when the log is exhausted.
func (s *Store) History(q HistoryQuery) ([]Event, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	afterID := int64(0)
	if q.PageToken != "" {
		id, err := strconv.ParseInt(q.PageToken, 10, 64)
		if err != nil || id < 0 {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidPageToken, q.PageToken)
		}
		afterID = id
	}

	query := `SELECT event_id, vehicle_id, recorded_at_ms, ingest_at_ms, lat, lng, speed_kmh, fuel_level, engine_status, distance_km
		FROM telemetry_events WHERE event_id > ?`
	args := []interface{}{afterID}
	if len(q.VehicleIDs) > 0 {
		query += " AND vehicle_id IN (" + placeholders(len(q.VehicleIDs)) + ")"
		for _, id := range q.VehicleIDs {
			args = append(args, id)
		}
	}
	if !q.Start.IsZero() {
		query += " AND recorded_at_ms >= ?"
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		query += " AND recorded_at_ms <= ?"
		args = append(args, q.End.UnixMilli())
	}
	query += " ORDER BY event_id ASC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("store history query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                        Event
			recordedAtMs, ingestAtMs int64
		)
		if err := rows.Scan(&e.EventID, &e.VehicleID, &recordedAtMs, &ingestAtMs,
			&e.Lat, &e.Lng, &e.SpeedKmh, &e.FuelLevel, &e.EngineStatus, &e.DistanceKm); err != nil {
			return nil, "", fmt.Errorf("store history scan: %w", err)
		}
		e.RecordedAt = time.UnixMilli(recordedAtMs).UTC()
		e.IngestAt = time.UnixMilli(ingestAtMs).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("store history rows: %w", err)
	}

	nextToken := ""
	if len(events) > limit {
		events = events[:limit]
		nextToken = strconv.FormatInt(events[limit-1].EventID, 10)
	}
	return events, nextToken, nil
}

// VehicleSummary is the per-vehicle roll-forward row maintained by
// RecordTelemetry.
type VehicleSummary struct {
	VehicleID        string
	FirstSeenAt      time.Time
	LastSeenAt       time.Time
	LastLat          float64
	LastLng          float64
	LastEngineStatus string
	LastFuelLevel    float64
	CumulativeKm     float64
}

// VehicleQuery filters the vehicle registry.
type VehicleQuery struct {
	// VehicleIDs restricts results to these vehicles. Empty means all.
	VehicleIDs []string
	// Limit caps the number of rows. Zero or negative returns every vehicle.
	Limit int
}

// VehicleSummaries returns known vehicles with their cumulative driven
// distance, ordered by vehicle id.
func (s *Store) VehicleSummaries(q VehicleQuery) ([]VehicleSummary, error) {
	query := `SELECT v.vehicle_id, v.first_seen_at_ms, v.last_seen_at_ms, v.last_lat, v.last_lng,
			v.last_engine_status, v.last_fuel_level, COALESCE(d.cumulative_km, 0)
		FROM vehicles v LEFT JOIN telemetry_distance_cache d ON d.vehicle_id = v.vehicle_id`
	var args []interface{}
	if len(q.VehicleIDs) > 0 {
		query += " WHERE v.vehicle_id IN (" + placeholders(len(q.VehicleIDs)) + ")"
		for _, id := range q.VehicleIDs {
			args = append(args, id)
		}
	}
	query += " ORDER BY v.vehicle_id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store vehicle summaries: %w", err)
	}
	defer rows.Close()

	var result []VehicleSummary
	for rows.Next() {
		var (
			vs                      VehicleSummary
			firstSeenMs, lastSeenMs int64
		)
		if err := rows.Scan(&vs.VehicleID, &firstSeenMs, &lastSeenMs, &vs.LastLat, &vs.LastLng,
			&vs.LastEngineStatus, &vs.LastFuelLevel, &vs.CumulativeKm); err != nil {
			return nil, fmt.Errorf("store vehicle summary scan: %w", err)
		}
		vs.FirstSeenAt = time.UnixMilli(firstSeenMs).UTC()
		vs.LastSeenAt = time.UnixMilli(lastSeenMs).UTC()
		result = append(result, vs)
	}
	return result, rows.Err()
}

// VehicleByID returns the registry row for one vehicle. The second return is
// false when the vehicle has never been seen.
func (s *Store) VehicleByID(vehicleID string) (VehicleSummary, bool, error) {
	var (
		vs                      VehicleSummary
		firstSeenMs, lastSeenMs int64
	)
	err := s.db.QueryRow(`SELECT v.vehicle_id, v.first_seen_at_ms, v.last_seen_at_ms, v.last_lat, v.last_lng,
			v.last_engine_status, v.last_fuel_level, COALESCE(d.cumulative_km, 0)
		FROM vehicles v LEFT JOIN telemetry_distance_cache d ON d.vehicle_id = v.vehicle_id
		WHERE v.vehicle_id = ?`, vehicleID).
		Scan(&vs.VehicleID, &firstSeenMs, &lastSeenMs, &vs.LastLat, &vs.LastLng,
			&vs.LastEngineStatus, &vs.LastFuelLevel, &vs.CumulativeKm)
	if errors.Is(err, sql.ErrNoRows) {
		return VehicleSummary{}, false, nil
	}
	if err != nil {
		return VehicleSummary{}, false, fmt.Errorf("store vehicle by id: %w", err)
	}
	vs.FirstSeenAt = time.UnixMilli(firstSeenMs).UTC()
	vs.LastSeenAt = time.UnixMilli(lastSeenMs).UTC()
	return vs, true, nil
}

// CumulativeDistance returns the total driven distance recorded for a
// vehicle, or zero when the vehicle is unknown.
func (s *Store) CumulativeDistance(vehicleID string) (float64, error) {
	var km float64
	err := s.db.QueryRow(`SELECT cumulative_km FROM telemetry_distance_cache WHERE vehicle_id = ?`, vehicleID).
		Scan(&km)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store cumulative distance: %w", err)
	}
	return km, nil
}

// EventCount returns the number of persisted events.
func (s *Store) EventCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM telemetry_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store event count: %w", err)
	}
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Store) bumpRollupGen() {
	atomic.AddUint64(&s.rollupGen, 1)
	// Entries keyed under the previous generation can no longer be hit;
	// the TTL reclaims them.
}

func (s *Store) rollupGeneration() uint64 {
	return atomic.LoadUint64(&s.rollupGen)
}
