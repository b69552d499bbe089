package oplogstore

import (
	"context"
	"database/sql"

	"github.com/hlcsync/syncengine/internal/errs"
	"github.com/hlcsync/syncengine/internal/hlc"
)

// RowState is the materialized winner for one (table, row_key): the payload
// and provenance of the entry with the greatest (hlc, device_id), or a
// tombstone if that entry was a delete.
type RowState struct {
	Table     string
	RowKey    string
	HLC       hlc.HLC
	DeviceID  string
	Tombstone bool
	Payload   []byte
}

// GetRowState returns the current materialized state for (table, rowKey),
// or ok=false if the key has never been touched.
func GetRowState(ctx context.Context, tx *sql.Tx, table, rowKey string) (RowState, bool, error) {
	var rs RowState
	var hlcPacked uint64
	var tombstone int
	err := tx.QueryRowContext(ctx,
		`SELECT table_name, row_key, hlc, device_id, tombstone, payload FROM row_state WHERE table_name = ? AND row_key = ?`,
		table, rowKey).Scan(&rs.Table, &rs.RowKey, &hlcPacked, &rs.DeviceID, &tombstone, &rs.Payload)
	if err == sql.ErrNoRows {
		return RowState{}, false, nil
	}
	if err != nil {
		return RowState{}, false, errs.New(errs.Store, "get_row_state", err)
	}
	rs.HLC = hlc.Unpack(hlcPacked)
	rs.Tombstone = tombstone != 0
	return rs, true, nil
}

// PutRowState upserts the materialized winner for (table, row_key).
func PutRowState(ctx context.Context, tx *sql.Tx, rs RowState) error {
	tomb := 0
	if rs.Tombstone {
		tomb = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO row_state (table_name, row_key, hlc, device_id, tombstone, payload) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(table_name, row_key) DO UPDATE SET hlc = excluded.hlc, device_id = excluded.device_id,
		 tombstone = excluded.tombstone, payload = excluded.payload`,
		rs.Table, rs.RowKey, rs.HLC.Pack(), rs.DeviceID, tomb, rs.Payload)
	if err != nil {
		return errs.New(errs.Store, "put_row_state", err)
	}
	return nil
}
