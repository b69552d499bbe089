// Package oplogstore is the durable, append-only operation log (C2):
// idempotent insert keyed by op_id, hlc-ordered range scans, and the
// generic row_state side table the merge engine materializes application
// rows into (the embedding application's own domain tables are external to
// the core; row_state is the core's schema-agnostic stand-in for them).
package oplogstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hlcsync/syncengine/internal/errs"
	"github.com/hlcsync/syncengine/internal/hlc"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

// OpType is the kind of mutation an OpLogEntry records.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Entry is one causally-timestamped, immutable mutation record.
type Entry struct {
	OpID      string
	DeviceID  string
	HLC       hlc.HLC
	Table     string
	RowKey    string
	OpType    OpType
	Payload   []byte // self-describing row snapshot for create/update; unused for delete
}

// InsertOutcome reports whether Insert wrote a new row or found a duplicate.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	AlreadyPresent
)

// Store is the durable oplog, backed by database/sql against an embedded
// SQL file (the relational store itself is an external collaborator per
// the core's scope; this package only assumes the standard database/sql
// contract plus a driver).
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if absent) the SQLite-backed store at path and
// applies pending schema migrations in ascending order, idempotently.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.New(errs.Store, "open", err)
	}
	db.SetMaxOpenConns(1) // single-writer embedded store; sqlite serializes anyway

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle so the merge engine can open transactions
// that span both the oplog insert and the row_state mutation atomically.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL, description TEXT NOT NULL)`); err != nil {
		return errs.New(errs.Store, "migrate:bootstrap", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return errs.New(errs.Store, "migrate:read", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return errs.New(errs.Store, "migrate:scan", err)
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errs.New(errs.Store, "migrate:begin", err)
		}
		if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
			tx.Rollback()
			return errs.New(errs.Store, fmt.Sprintf("migrate:apply:%d", m.version), err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
			m.version, time.Now().UnixMilli(), m.description); err != nil {
			tx.Rollback()
			return errs.New(errs.Store, fmt.Sprintf("migrate:record:%d", m.version), err)
		}
		if err := tx.Commit(); err != nil {
			return errs.New(errs.Store, fmt.Sprintf("migrate:commit:%d", m.version), err)
		}
		s.logger.Info("schema migration applied", zap.Int("version", m.version), zap.String("description", m.description))
	}
	return nil
}

// Insert writes entry inside tx, idempotent on op_id (I2). A primary-key
// conflict is reported as AlreadyPresent, never as an error; any other
// failure is fatal to the caller's transaction.
func (s *Store) Insert(ctx context.Context, tx *sql.Tx, e Entry) (InsertOutcome, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO oplog (op_id, device_id, hlc, table_name, op_type, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		e.OpID, e.DeviceID, e.HLC.Pack(), e.Table, string(e.OpType), e.Payload)
	if err != nil {
		return 0, errs.New(errs.Store, "insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.New(errs.Store, "insert:rows_affected", err)
	}
	if n == 0 {
		return AlreadyPresent, nil
	}
	return Inserted, nil
}

// Cursor is a restartable, ordered, finite view over entries with
// hlc > sinceExclusive, used to stream deltas to peers.
type Cursor struct {
	rows *sql.Rows
}

func (c *Cursor) Next() bool { return c.rows.Next() }
func (c *Cursor) Close() error {
	if c.rows == nil {
		return nil
	}
	return c.rows.Close()
}

func (c *Cursor) Scan() (Entry, error) {
	var e Entry
	var hlcPacked uint64
	var opType string
	if err := c.rows.Scan(&e.OpID, &e.DeviceID, &hlcPacked, &e.Table, &opType, &e.Payload); err != nil {
		return Entry{}, errs.New(errs.Store, "scan", err)
	}
	e.HLC = hlc.Unpack(hlcPacked)
	e.OpType = OpType(opType)
	return e, nil
}

// ScanSince streams entries ordered by (hlc asc, op_id asc), bounded by
// limit (0 means unbounded), strictly greater than sinceExclusive.
func (s *Store) ScanSince(ctx context.Context, sinceExclusive hlc.HLC, limit int) (*Cursor, error) {
	q := `SELECT op_id, device_id, hlc, table_name, op_type, payload FROM oplog WHERE hlc > ? ORDER BY hlc ASC, op_id ASC`
	args := []any{sinceExclusive.Pack()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.New(errs.Store, "scan_since", err)
	}
	return &Cursor{rows: rows}, nil
}

// HighWater returns the maximum HLC ever inserted locally, including
// entries received from peers. Returns the zero HLC if the log is empty.
func (s *Store) HighWater(ctx context.Context) (hlc.HLC, error) {
	var packed sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(hlc) FROM oplog`).Scan(&packed); err != nil {
		return hlc.HLC{}, errs.New(errs.Store, "high_water", err)
	}
	if !packed.Valid {
		return hlc.HLC{}, nil
	}
	return hlc.Unpack(uint64(packed.Int64)), nil
}

// PersistClockState checkpoints h as the clock's high-water into the single
// clock_state row, so a restart can restore a clock past its oplog
// high-water (the clock may have advanced via Observe or NowLocal without
// yet producing a locally recorded entry).
func (s *Store) PersistClockState(ctx context.Context, h hlc.HLC) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clock_state (device_id, physical, logical) VALUES (0, ?, ?)
		 ON CONFLICT (device_id) DO UPDATE SET physical = excluded.physical, logical = excluded.logical`,
		h.Physical, h.Logical)
	if err != nil {
		return errs.New(errs.Store, "persist_clock_state", err)
	}
	return nil
}

// LoadClockState returns the last checkpointed clock high-water, or
// ok=false if none has been persisted yet.
func (s *Store) LoadClockState(ctx context.Context) (h hlc.HLC, ok bool, err error) {
	var physical int64
	var logical uint32
	row := s.db.QueryRowContext(ctx, `SELECT physical, logical FROM clock_state WHERE device_id = 0`)
	if scanErr := row.Scan(&physical, &logical); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return hlc.HLC{}, false, nil
		}
		return hlc.HLC{}, false, errs.New(errs.Store, "load_clock_state", scanErr)
	}
	return hlc.HLC{Physical: physical, Logical: logical}, true, nil
}

// DeviceAuthorized reports whether deviceID is a non-revoked device under
// userID (I5: a device may only accept entries from devices of its own user).
func DeviceAuthorized(ctx context.Context, db *sql.DB, userID, deviceID string) (bool, error) {
	var revoked int
	var owner string
	err := db.QueryRowContext(ctx, `SELECT user_id, revoked FROM devices WHERE device_id = ?`, deviceID).Scan(&owner, &revoked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.New(errs.Store, "device_authorized", err)
	}
	return revoked == 0 && strings.EqualFold(owner, userID), nil
}
