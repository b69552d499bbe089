// Package merge implements C3, the apply engine that turns OpLogEntries
// into application-table row state under row-granularity last-writer-wins,
// grounded on the teacher's internal/reconcile (LWW tie-break) and
// internal/storage (versioned row) packages, generalized from a flat KV
// store to the core's (table, row_key) row model with tombstones.
package merge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hlcsync/syncengine/internal/errs"
	"github.com/hlcsync/syncengine/internal/hlc"
	"github.com/hlcsync/syncengine/internal/metrics"
	"github.com/hlcsync/syncengine/internal/oplogstore"
)

// RowCodec turns an application row into its OpLog payload bytes and back.
// The core never interprets payload contents beyond the primary key; this
// default codec is replaceable by the embedding application.
type RowCodec interface {
	Encode(row map[string]any) ([]byte, error)
	Decode(payload []byte) (map[string]any, error)
	PrimaryKey(row map[string]any) (string, error)
}

// ApplyResult is what happened when an entry's effect was materialized.
type ApplyResult int

const (
	Applied ApplyResult = iota
	Shadowed            // a later entry (update or tombstone) already won this key
)

// MergeReport tallies a merge batch's outcome, per spec.
type MergeReport struct {
	Applied            int
	SkippedDuplicate   int
	SkippedUnauthorized int
	RejectedMalformed  int
}

// Engine is C3: record_local and merge, applying LWW with a deterministic
// (hlc, device_id) tie-break and tombstone shadowing.
type Engine struct {
	store    *oplogstore.Store
	clock    *hlc.Clock
	codec    RowCodec
	userID   string
	deviceID string
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(store *oplogstore.Store, clock *hlc.Clock, codec RowCodec, userID, deviceID string, logger *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{store: store, clock: clock, codec: codec, userID: userID, deviceID: deviceID, logger: logger, metrics: m}
}

// RecordLocal builds an entry for a locally originated mutation, applies it,
// and durably logs it, all within one transaction (I1).
func (e *Engine) RecordLocal(ctx context.Context, table string, opType oplogstore.OpType, row map[string]any) (oplogstore.Entry, error) {
	rowKey, err := e.codec.PrimaryKey(row)
	if err != nil {
		return oplogstore.Entry{}, errs.New(errs.Validation, "record_local:primary_key", err)
	}

	var payload []byte
	if opType != oplogstore.OpDelete {
		payload, err = e.codec.Encode(row)
		if err != nil {
			return oplogstore.Entry{}, errs.New(errs.Validation, "record_local:encode", err)
		}
	}

	ts, err := e.clock.NowLocal()
	if err != nil {
		return oplogstore.Entry{}, errs.New(errs.Clock, "record_local:now_local", err)
	}

	entry := oplogstore.Entry{
		OpID:     uuid.NewString(),
		DeviceID: e.deviceID,
		HLC:      ts,
		Table:    table,
		RowKey:   rowKey,
		OpType:   opType,
		Payload:  payload,
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return oplogstore.Entry{}, errs.New(errs.Store, "record_local:begin", err)
	}
	defer tx.Rollback()

	if _, err := e.applyEntry(ctx, tx, entry); err != nil {
		return oplogstore.Entry{}, err
	}
	if _, err := e.store.Insert(ctx, tx, entry); err != nil {
		return oplogstore.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return oplogstore.Entry{}, errs.New(errs.Store, "record_local:commit", err)
	}

	e.metrics.OpLogAppended.Inc()
	e.logger.Debug("recorded local operation",
		zap.String("table", table), zap.String("row_key", rowKey), zap.String("op_type", string(opType)))

	return entry, nil
}

// Merge reconciles a batch of remote entries into local state. It opens a
// single transaction, sorts by (hlc asc, device_id asc) per spec, and is
// atomic: either the whole batch commits or none of it does (P8).
func (e *Engine) Merge(ctx context.Context, remoteOps []oplogstore.Entry) (MergeReport, error) {
	ops := make([]oplogstore.Entry, len(remoteOps))
	copy(ops, remoteOps)
	sort.Slice(ops, func(i, j int) bool {
		if c := ops[i].HLC.Compare(ops[j].HLC); c != 0 {
			return c < 0
		}
		return ops[i].DeviceID < ops[j].DeviceID
	})

	var report MergeReport

	// checked before BeginTx: the store's single connection is held by the open transaction
	authorized := make(map[string]bool, len(ops))
	for _, entry := range ops {
		ok, err := oplogstore.DeviceAuthorized(ctx, e.store.DB(), e.userID, entry.DeviceID)
		if err != nil {
			return report, err
		}
		authorized[entry.DeviceID] = ok
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return report, errs.New(errs.Store, "merge:begin", err)
	}
	defer tx.Rollback()

	for _, entry := range ops {
		if !authorized[entry.DeviceID] {
			report.SkippedUnauthorized++
			continue
		}

		outcome, err := e.store.Insert(ctx, tx, entry)
		if err != nil {
			return MergeReport{}, err
		}
		if outcome == oplogstore.AlreadyPresent {
			report.SkippedDuplicate++
			continue
		}

		if _, err := e.applyEntry(ctx, tx, entry); err != nil {
			if errs.Is(err, errs.Malformed) {
				report.RejectedMalformed++
				continue
			}
			return MergeReport{}, err
		}

		if _, err := e.clock.Observe(entry.HLC); err != nil {
			return MergeReport{}, errs.New(errs.Clock, "merge:observe", err)
		}

		report.Applied++
	}

	if err := tx.Commit(); err != nil {
		return MergeReport{}, errs.New(errs.Store, "merge:commit", err)
	}

	e.metrics.MergeApplied.Add(float64(report.Applied))
	e.metrics.MergeSkippedDuplicate.Add(float64(report.SkippedDuplicate))
	e.metrics.MergeSkippedUnauthorized.Add(float64(report.SkippedUnauthorized))
	e.metrics.MergeRejectedMalformed.Add(float64(report.RejectedMalformed))

	e.logger.Info("merge batch completed",
		zap.Int("applied", report.Applied),
		zap.Int("skipped_duplicate", report.SkippedDuplicate),
		zap.Int("skipped_unauthorized", report.SkippedUnauthorized),
		zap.Int("rejected_malformed", report.RejectedMalformed))

	return report, nil
}

// applyEntry materializes entry's effect on row_state under LWW: the entry
// only wins if its (hlc, device_id) exceeds the current winner for its key.
func (e *Engine) applyEntry(ctx context.Context, tx *sql.Tx, entry oplogstore.Entry) (ApplyResult, error) {
	if entry.OpType != oplogstore.OpCreate && entry.OpType != oplogstore.OpUpdate && entry.OpType != oplogstore.OpDelete {
		return 0, errs.New(errs.Malformed, "apply_entry", fmt.Errorf("unknown op_type %q", entry.OpType))
	}

	if entry.OpType != oplogstore.OpDelete {
		if _, err := e.codec.Decode(entry.Payload); err != nil {
			return 0, errs.New(errs.Malformed, "apply_entry:decode", err)
		}
	}

	current, exists, err := oplogstore.GetRowState(ctx, tx, entry.Table, entry.RowKey)
	if err != nil {
		return 0, err
	}

	if exists && !wins(entry, current) {
		return Shadowed, nil
	}

	next := oplogstore.RowState{
		Table:     entry.Table,
		RowKey:    entry.RowKey,
		HLC:       entry.HLC,
		DeviceID:  entry.DeviceID,
		Tombstone: entry.OpType == oplogstore.OpDelete,
		Payload:   entry.Payload,
	}
	if err := oplogstore.PutRowState(ctx, tx, next); err != nil {
		return 0, err
	}
	return Applied, nil
}

// wins reports whether a challenger entry's (hlc, device_id) strictly
// exceeds the current row winner's, the engine's sole ordering rule (P6).
func wins(entry oplogstore.Entry, current oplogstore.RowState) bool {
	if c := entry.HLC.Compare(current.HLC); c != 0 {
		return c > 0
	}
	return entry.DeviceID > current.DeviceID
}

// MaterializedRow returns the current, non-tombstoned row for (table,
// rowKey), or ok=false if absent or tombstoned.
func MaterializedRow(ctx context.Context, store *oplogstore.Store, codec RowCodec, table, rowKey string) (map[string]any, bool, error) {
	tx, err := store.DB().BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, false, errs.New(errs.Store, "materialized_row:begin", err)
	}
	defer tx.Rollback()

	rs, exists, err := oplogstore.GetRowState(ctx, tx, table, rowKey)
	if err != nil {
		return nil, false, err
	}
	if !exists || rs.Tombstone {
		return nil, false, nil
	}
	row, err := codec.Decode(rs.Payload)
	if err != nil {
		return nil, false, errs.New(errs.Malformed, "materialized_row:decode", err)
	}
	return row, true, nil
}
