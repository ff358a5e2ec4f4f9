// Package store implements the durable telemetry layer: the append-only
// event log, the per-vehicle cumulative-distance cache, multi-window rollup
// computation with incremental scheduling, and the paginated history and
// aggregate queries that read them back.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// openDB opens (or creates) the telemetry database at path. The connection
// pool is capped at one: all writes flow through RecordTelemetry's
// transaction and WAL mode keeps concurrent readers cheap.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"journal_mode=WAL",
		"synchronous=NORMAL",
		"foreign_keys=ON",
		"busy_timeout=5000",
	} {
		if _, err := db.Exec("PRAGMA " + pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s on %s: %w", pragma, path, err)
		}
	}
	return db, nil
}
