//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package sqlitestore keeps zone states and reading history in a local
// SQLite database.
package sqlitestore

import (
	"context"
	"runtime"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"edgexfoundry/app-ble-positioning/internal/positioning"
)

const schema = `
CREATE TABLE IF NOT EXISTS zone_state (
	tag_id      TEXT PRIMARY KEY,
	zone        TEXT NOT NULL,
	rssi        INTEGER NOT NULL,
	observed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reading_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tag_id      TEXT NOT NULL,
	gateway_id  TEXT NOT NULL,
	rssi        INTEGER NOT NULL,
	observed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS reading_history_tag
	ON reading_history (tag_id, observed_at);

CREATE INDEX IF NOT EXISTS reading_history_observed
	ON reading_history (observed_at);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// Store implements positioning.LatestStateStore, positioning.HistoryStore
// and positioning.HistoryReader.
type Store struct {
	lc   logger.LoggingClient
	pool *sqlitex.Pool
	path string
}

// Open opens (or creates) the database at path.
// Connections are prepared lazily, so schema errors surface on first use.
func Open(lc logger.LoggingClient, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("missing SQLite path")
	}

	poolSize := runtime.NumCPU()
	if poolSize < 2 {
		poolSize = 2
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open SQLite database %s", path)
	}

	lc.Info("Opened SQLite store.", "path", path, "poolSize", poolSize)
	return &Store{lc: lc, pool: pool, path: path}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return errors.Wrap(err, pragma)
		}
	}
	return errors.Wrap(sqlitex.ExecuteScript(conn, schema, nil), "failed to create schema")
}

// Close waits for borrowed connections and closes the database.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return errors.Wrapf(err, "failed to close SQLite database %s", s.path)
	}
	s.lc.Info("Closed SQLite store.", "path", s.path)
	return nil
}

func (s *Store) withConn(ctx context.Context, f func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get SQLite connection")
	}
	defer s.pool.Put(conn)
	return f(conn)
}

// UpsertZoneState creates or replaces the zone state of state.TagID.
func (s *Store) UpsertZoneState(ctx context.Context, state positioning.TagZoneState) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO zone_state (tag_id, zone, rssi, observed_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (tag_id) DO UPDATE SET
				zone = excluded.zone,
				rssi = excluded.rssi,
				observed_at = excluded.observed_at`,
			&sqlitex.ExecOptions{
				Args: []interface{}{
					state.TagID,
					state.GatewayID,
					state.RSSI,
					positioning.UnixMilli(state.AssignedAt),
				},
			})
		return errors.Wrapf(err, "failed to upsert zone state of %s", state.TagID)
	})
}

// LoadZoneStates returns every stored zone state, most recent first.
func (s *Store) LoadZoneStates(ctx context.Context) ([]positioning.TagZoneState, error) {
	var states []positioning.TagZoneState
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT tag_id, zone, rssi, observed_at
			FROM zone_state
			ORDER BY observed_at DESC, tag_id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					states = append(states, positioning.TagZoneState{
						TagID:      stmt.ColumnText(0),
						GatewayID:  stmt.ColumnText(1),
						RSSI:       stmt.ColumnInt(2),
						AssignedAt: positioning.FromUnixMilli(stmt.ColumnInt64(3)),
					})
					return nil
				},
			})
	})
	return states, errors.Wrap(err, "failed to load zone states")
}

// AppendReading adds r to the reading history.
func (s *Store) AppendReading(ctx context.Context, r positioning.Reading) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO reading_history (tag_id, gateway_id, rssi, observed_at)
			VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []interface{}{r.TagID, r.GatewayID, r.RSSI, positioning.UnixMilli(r.ObservedAt)},
			})
		return errors.Wrapf(err, "failed to append reading of %s", r.TagID)
	})
}

// EvictBefore deletes the readings observed before cutoff.
func (s *Store) EvictBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			DELETE FROM reading_history
			WHERE observed_at < ?`,
			&sqlitex.ExecOptions{
				Args: []interface{}{positioning.UnixMilli(cutoff)},
			})
		n = conn.Changes()
		return err
	})
	return n, errors.Wrap(err, "failed to evict reading history")
}

// RecentReadings returns up to limit of the newest readings of tagID.
func (s *Store) RecentReadings(ctx context.Context, tagID string, limit int) ([]positioning.Reading, error) {
	var readings []positioning.Reading
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT tag_id, gateway_id, rssi, observed_at
			FROM reading_history
			WHERE tag_id = ?
			ORDER BY observed_at DESC, id DESC
			LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []interface{}{tagID, limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					readings = append(readings, positioning.Reading{
						TagID:      stmt.ColumnText(0),
						GatewayID:  stmt.ColumnText(1),
						RSSI:       stmt.ColumnInt(2),
						ObservedAt: positioning.FromUnixMilli(stmt.ColumnInt64(3)),
					})
					return nil
				},
			})
	})
	return readings, errors.Wrapf(err, "failed to query readings of %s", tagID)
}
