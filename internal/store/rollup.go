package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
)

// alignedFloor returns the largest multiple of window not exceeding epochS.
func alignedFloor(epochS, window int64) int64 {
	return (epochS / window) * window
}

// rollupRow is one aggregated bucket produced by a rollup scan.
type rollupRow struct {
	vehicleID     string
	bucketStart   int64
	avgSpeed      float64
	maxSpeed      float64
	minFuel       float64
	totalDistance float64
	sampleCount   int64
}

// Rollup aggregates every event recorded in [fromS, toS) into buckets of
// windowSeconds and upserts the results, so recomputing a range is
// idempotent. Bucket boundaries are aligned to multiples of windowSeconds;
// both range ends must already be aligned. Returns the number of buckets
// written.
func (s *Store) Rollup(windowSeconds, fromS, toS int64) (int, error) {
	if windowSeconds <= 0 {
		return 0, fmt.Errorf("store rollup: window %d must be positive", windowSeconds)
	}
	if fromS >= toS {
		return 0, nil
	}

	rows, err := s.db.Query(`SELECT vehicle_id, (recorded_at_ms / 1000 / ?) * ? AS bucket_start,
			AVG(speed_kmh), MAX(speed_kmh), MIN(fuel_level), SUM(distance_km), COUNT(*)
		FROM telemetry_events
		WHERE recorded_at_ms >= ? AND recorded_at_ms < ?
		GROUP BY vehicle_id, bucket_start
		ORDER BY bucket_start, vehicle_id`,
		windowSeconds, windowSeconds, fromS*1000, toS*1000)
	if err != nil {
		return 0, fmt.Errorf("store rollup scan: %w", err)
	}

	var buckets []rollupRow
	for rows.Next() {
		var r rollupRow
		if err := rows.Scan(&r.vehicleID, &r.bucketStart, &r.avgSpeed, &r.maxSpeed,
			&r.minFuel, &r.totalDistance, &r.sampleCount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store rollup scan row: %w", err)
		}
		buckets = append(buckets, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("store rollup rows: %w", err)
	}
	rows.Close()

	if len(buckets) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store rollup begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range buckets {
		_, err := tx.Exec(`INSERT INTO telemetry_rollups (bucket_start, bucket_end, vehicle_id, avg_speed, max_speed, min_fuel, total_distance, sample_count)
			VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(bucket_start, bucket_end, vehicle_id)
			DO UPDATE SET avg_speed = excluded.avg_speed, max_speed = excluded.max_speed, min_fuel = excluded.min_fuel,
				total_distance = excluded.total_distance, sample_count = excluded.sample_count`,
			r.bucketStart, r.bucketStart+windowSeconds, r.vehicleID,
			r.avgSpeed, r.maxSpeed, r.minFuel, r.totalDistance, r.sampleCount)
		if err != nil {
			return 0, fmt.Errorf("store rollup upsert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store rollup commit: %w", err)
	}
	return len(buckets), nil
}

// RunRollups performs one incremental rollup pass over every configured
// window, up to the last fully elapsed bucket at now. A pass resumes where
// the previous one finished, re-scanning the trailing catch-up buckets to
// absorb late arrivals. force recomputes every window from the oldest
// recorded event. Returns the total number of buckets written.
func (s *Store) RunRollups(now int64, force bool) (int, error) {
	oldestS, ok, err := s.oldestEventSecond()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	total := 0
	for _, w := range s.windows {
		alignedEnd := alignedFloor(now, w)
		oldestAligned := alignedFloor(oldestS, w)

		fromS := oldestAligned
		if !force {
			lastEnd, ok, err := s.lastRollupEnd(w)
			if err != nil {
				return total, err
			}
			if ok {
				fromS = alignedFloor(lastEnd-int64(s.catchUp)*w, w)
				if fromS < oldestAligned {
					fromS = oldestAligned
				}
			}
		}
		if fromS >= alignedEnd {
			continue
		}

		n, err := s.Rollup(w, fromS, alignedEnd)
		if err != nil {
			return total, fmt.Errorf("store rollup window %ds: %w", w, err)
		}
		if n > 0 {
			log.Printf("[rollup] window=%ds buckets=%d range=[%d,%d)", w, n, fromS, alignedEnd)
		}
		total += n
	}

	if total > 0 {
		s.bumpRollupGen()
	}
	return total, nil
}

// oldestEventSecond returns the epoch second of the earliest recorded event.
func (s *Store) oldestEventSecond() (int64, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRow(`SELECT MIN(recorded_at_ms) FROM telemetry_events`).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !ms.Valid) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store oldest event: %w", err)
	}
	return ms.Int64 / 1000, true, nil
}

// lastRollupEnd returns the latest bucket_end materialized for a window.
func (s *Store) lastRollupEnd(windowSeconds int64) (int64, bool, error) {
	var end sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(bucket_end) FROM telemetry_rollups WHERE bucket_end - bucket_start = ?`,
		windowSeconds).Scan(&end)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !end.Valid) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store last rollup end: %w", err)
	}
	return end.Int64, true, nil
}
