package store

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// Metric names accepted by aggregate queries.
const (
	MetricAvgSpeed      = "avgSpeed"
	MetricMaxSpeed      = "maxSpeed"
	MetricMinFuel       = "minFuel"
	MetricTotalDistance = "totalDistance"
	MetricSampleCount   = "sampleCount"
)

// AllMetrics returns every supported aggregate metric name.
func AllMetrics() []string {
	return []string{MetricAvgSpeed, MetricMaxSpeed, MetricMinFuel, MetricTotalDistance, MetricSampleCount}
}

// ParseMetrics validates a metric selection. An empty selection means all
// metrics.
func ParseMetrics(names []string) (map[string]bool, error) {
	if len(names) == 0 {
		names = AllMetrics()
	}
	selected := make(map[string]bool, len(names))
	for _, name := range names {
		switch name {
		case MetricAvgSpeed, MetricMaxSpeed, MetricMinFuel, MetricTotalDistance, MetricSampleCount:
			selected[name] = true
		default:
			return nil, fmt.Errorf("unknown aggregate metric %q", name)
		}
	}
	return selected, nil
}

// AggregateQuery selects rollup buckets.
type AggregateQuery struct {
	// VehicleIDs restricts results to these vehicles. Empty means all.
	VehicleIDs []string
	// Start and End bound the buckets: a bucket is included when it
	// intersects [Start, End). Zero values are open.
	Start time.Time
	End   time.Time
	// WindowSeconds is the requested bucket width. Zero selects the base
	// window. Non-materialized widths are regrouped from the smallest
	// materialized divisor; with no divisor the query is served at the
	// base window instead.
	WindowSeconds int64
	// Metrics selects which aggregate fields to return. Empty means all.
	Metrics []string
}

// AggregateBucket is one (bucket, vehicle) aggregate. Only selected metrics
// are populated.
type AggregateBucket struct {
	BucketStart   int64    `json:"bucketStart"`
	BucketEnd     int64    `json:"bucketEnd"`
	VehicleID     string   `json:"vehicleId"`
	AvgSpeed      *float64 `json:"avgSpeed,omitempty"`
	MaxSpeed      *float64 `json:"maxSpeed,omitempty"`
	MinFuel       *float64 `json:"minFuel,omitempty"`
	TotalDistance *float64 `json:"totalDistance,omitempty"`
	SampleCount   *int64   `json:"sampleCount,omitempty"`
}

// queryFingerprint identifies a normalized aggregate query (including the
// rollup generation it was answered under) for response caching.
type queryFingerprint [16]byte

// Aggregate answers a query from materialized rollups. The effective window
// and source window are resolved first, then results are served from the
// response cache when an identical query was answered under the current
// rollup generation.
func (s *Store) Aggregate(q AggregateQuery) ([]AggregateBucket, int64, error) {
	selected, err := ParseMetrics(q.Metrics)
	if err != nil {
		return nil, 0, err
	}

	target := q.WindowSeconds
	if target <= 0 {
		target = s.baseWindow
	}
	source, ok := s.resolveSourceWindow(target)
	if !ok {
		// No materialized divisor: serve at the base window.
		target = s.baseWindow
		source = s.baseWindow
	}

	vehicles := append([]string(nil), q.VehicleIDs...)
	sort.Strings(vehicles)

	fp := s.fingerprint(target, source, vehicles, q.Start, q.End, selected)
	if s.aggCache != nil {
		if cached, ok := s.aggCache.Get(fp); ok {
			return cached, target, nil
		}
	}

	rows, err := s.readRollups(source, vehicles, q.Start, q.End)
	if err != nil {
		return nil, 0, err
	}
	if source != target {
		rows = regroup(rows, source, target)
	}

	out := make([]AggregateBucket, 0, len(rows))
	for _, r := range rows {
		b := AggregateBucket{
			BucketStart: r.bucketStart,
			BucketEnd:   r.bucketStart + target,
			VehicleID:   r.vehicleID,
		}
		if selected[MetricAvgSpeed] {
			v := r.avgSpeed
			b.AvgSpeed = &v
		}
		if selected[MetricMaxSpeed] {
			v := r.maxSpeed
			b.MaxSpeed = &v
		}
		if selected[MetricMinFuel] {
			v := r.minFuel
			b.MinFuel = &v
		}
		if selected[MetricTotalDistance] {
			v := r.totalDistance
			b.TotalDistance = &v
		}
		if selected[MetricSampleCount] {
			v := r.sampleCount
			b.SampleCount = &v
		}
		out = append(out, b)
	}

	if s.aggCache != nil {
		s.aggCache.Set(fp, out)
	}
	return out, target, nil
}

// resolveSourceWindow picks the materialized window to read: the target
// itself when materialized, otherwise its smallest materialized divisor.
func (s *Store) resolveSourceWindow(target int64) (int64, bool) {
	for _, w := range s.windows {
		if w == target {
			return w, true
		}
	}
	for _, w := range s.windows { // ascending, so first divisor is smallest
		if target%w == 0 {
			return w, true
		}
	}
	return 0, false
}

// readRollups loads materialized buckets of one window width, ordered by
// (bucket_start, vehicle_id).
func (s *Store) readRollups(windowSeconds int64, vehicles []string, start, end time.Time) ([]rollupRow, error) {
	query := `SELECT vehicle_id, bucket_start, avg_speed, max_speed, min_fuel, total_distance, sample_count
		FROM telemetry_rollups WHERE bucket_end - bucket_start = ?`
	args := []interface{}{windowSeconds}
	if len(vehicles) > 0 {
		query += " AND vehicle_id IN (" + placeholders(len(vehicles)) + ")"
		for _, id := range vehicles {
			args = append(args, id)
		}
	}
	if !start.IsZero() {
		query += " AND bucket_end > ?"
		args = append(args, start.Unix())
	}
	if !end.IsZero() {
		query += " AND bucket_start < ?"
		args = append(args, end.Unix())
	}
	query += " ORDER BY bucket_start, vehicle_id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store read rollups: %w", err)
	}
	defer rows.Close()

	var result []rollupRow
	for rows.Next() {
		var r rollupRow
		if err := rows.Scan(&r.vehicleID, &r.bucketStart, &r.avgSpeed, &r.maxSpeed,
			&r.minFuel, &r.totalDistance, &r.sampleCount); err != nil {
			return nil, fmt.Errorf("store read rollups scan: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// regroup folds source-window buckets into target-window buckets. Averages
// are weighted by sample count; max, min, sums and counts combine directly.
func regroup(rows []rollupRow, source, target int64) []rollupRow {
	type groupKey struct {
		bucketStart int64
		vehicleID   string
	}
	groups := make(map[groupKey]*rollupRow)
	order := make([]groupKey, 0, len(rows))
	for _, r := range rows {
		key := groupKey{alignedFloor(r.bucketStart, target), r.vehicleID}
		g, ok := groups[key]
		if !ok {
			groups[key] = &rollupRow{
				vehicleID:     r.vehicleID,
				bucketStart:   key.bucketStart,
				avgSpeed:      r.avgSpeed,
				maxSpeed:      r.maxSpeed,
				minFuel:       r.minFuel,
				totalDistance: r.totalDistance,
				sampleCount:   r.sampleCount,
			}
			order = append(order, key)
			continue
		}
		total := g.sampleCount + r.sampleCount
		if total > 0 {
			g.avgSpeed = (g.avgSpeed*float64(g.sampleCount) + r.avgSpeed*float64(r.sampleCount)) / float64(total)
		}
		if r.maxSpeed > g.maxSpeed {
			g.maxSpeed = r.maxSpeed
		}
		if r.minFuel < g.minFuel {
			g.minFuel = r.minFuel
		}
		g.totalDistance += r.totalDistance
		g.sampleCount = total
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].bucketStart != order[j].bucketStart {
			return order[i].bucketStart < order[j].bucketStart
		}
		return order[i].vehicleID < order[j].vehicleID
	})
	out := make([]rollupRow, 0, len(order))
	for _, key := range order {
		out = append(out, *groups[key])
	}
	return out
}

// fingerprint hashes the normalized query plus the rollup generation.
func (s *Store) fingerprint(target, source int64, vehicles []string, start, end time.Time, selected map[string]bool) queryFingerprint {
	metrics := make([]string, 0, len(selected))
	for _, name := range AllMetrics() {
		if selected[name] {
			metrics = append(metrics, name)
		}
	}

	var sb strings.Builder
	sb.WriteString(strconv.FormatUint(s.rollupGeneration(), 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(target, 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(source, 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(start.UnixMilli(), 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(end.UnixMilli(), 10))
	sb.WriteByte('|')
	sb.WriteString(strings.Join(metrics, ","))
	sb.WriteByte('|')
	sb.WriteString(strings.Join(vehicles, ","))

	h128 := xxh3.Hash128([]byte(sb.String()))
	var fp queryFingerprint
	binary.LittleEndian.PutUint64(fp[:8], h128.Lo)
	binary.LittleEndian.PutUint64(fp[8:], h128.Hi)
	return fp
}
