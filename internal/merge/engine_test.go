package merge

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/hlcsync/syncengine/internal/hlc"
	"github.com/hlcsync/syncengine/internal/metrics"
	"github.com/hlcsync/syncengine/internal/oplogstore"
)

func newTestEngine(t *testing.T, userID, deviceID string) (*Engine, *oplogstore.Store) {
	t.Helper()
	store, err := oplogstore.Open(context.Background(), ":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	seedUserAndDevices(t, store, userID, deviceID)

	clock := hlc.NewClock(deviceID, hlc.HLC{})
	codec := NewStructCodec("id")
	m := metrics.New("test_merge_" + deviceID)
	return New(store, clock, codec, userID, deviceID, zap.NewNop(), m), store
}

func seedUserAndDevices(t *testing.T, store *oplogstore.Store, userID string, deviceIDs ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.DB().ExecContext(ctx,
		`INSERT OR IGNORE INTO users (user_id, handle, email, verifier, created_at) VALUES (?, ?, ?, 'v', 0)`,
		userID, userID, userID+"@example.com"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	for _, d := range deviceIDs {
		if _, err := store.DB().ExecContext(ctx,
			`INSERT OR IGNORE INTO devices (device_id, user_id, last_seen, revoked) VALUES (?, ?, 0, 0)`,
			d, userID); err != nil {
			t.Fatalf("seed device: %v", err)
		}
	}
}

func TestRecordLocal_AppliesAndLogs(t *testing.T) {
	engine, store := newTestEngine(t, "u1", "d1")
	ctx := context.Background()

	row := map[string]any{"id": "task-1", "title": "groceries", "done": false}
	entry, err := engine.RecordLocal(ctx, "todos", oplogstore.OpCreate, row)
	if err != nil {
		t.Fatalf("record_local: %v", err)
	}
	if entry.RowKey != "task-1" {
		t.Errorf("expected row_key task-1, got %s", entry.RowKey)
	}

	got, ok, err := MaterializedRow(ctx, store, engine.codec, "todos", "task-1")
	if err != nil || !ok {
		t.Fatalf("materialized_row: ok=%v err=%v", ok, err)
	}
	if got["title"] != "groceries" {
		t.Errorf("expected title groceries, got %v", got["title"])
	}
}

func TestMerge_LWWTieBreakByDeviceID(t *testing.T) {
	engine, store := newTestEngine(t, "u1", "d1")
	seedUserAndDevices(t, store, "u1", "d2")
	ctx := context.Background()

	codec := engine.codec
	rowA, _ := codec.Encode(map[string]any{"id": "t1", "done": true})
	rowB, _ := codec.Encode(map[string]any{"id": "t1", "title": "groceries"})

	same := hlc.HLC{Physical: 2000, Logical: 0}
	ops := []oplogstore.Entry{
		{OpID: "op-a", DeviceID: "d1", HLC: same, Table: "todos", RowKey: "t1", OpType: oplogstore.OpUpdate, Payload: rowA},
		{OpID: "op-b", DeviceID: "d2", HLC: same, Table: "todos", RowKey: "t1", OpType: oplogstore.OpUpdate, Payload: rowB},
	}

	report, err := engine.Merge(ctx, ops)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if report.Applied != 2 {
		t.Fatalf("expected 2 applied (both logged even though one is shadowed materially), got %+v", report)
	}

	got, ok, err := MaterializedRow(ctx, store, codec, "todos", "t1")
	if err != nil || !ok {
		t.Fatalf("materialized_row: ok=%v err=%v", ok, err)
	}
	if got["title"] != "groceries" {
		t.Errorf("expected d2's whole-row update to win tie-break (greater device_id), got %v", got)
	}
}

func TestMerge_SkipsUnauthorizedDevice(t *testing.T) {
	engine, _ := newTestEngine(t, "u1", "d1")
	ctx := context.Background()

	payload, _ := engine.codec.Encode(map[string]any{"id": "t1", "done": true})
	ops := []oplogstore.Entry{
		{OpID: "op-x", DeviceID: "intruder", HLC: hlc.HLC{Physical: 1000}, Table: "todos", RowKey: "t1", OpType: oplogstore.OpCreate, Payload: payload},
	}

	report, err := engine.Merge(ctx, ops)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if report.SkippedUnauthorized != 1 || report.Applied != 0 {
		t.Errorf("expected 1 skipped_unauthorized, got %+v", report)
	}
}

func TestMerge_DuplicateOpIDSkipped(t *testing.T) {
	engine, _ := newTestEngine(t, "u1", "d1")
	ctx := context.Background()

	payload, _ := engine.codec.Encode(map[string]any{"id": "t1", "done": true})
	entry := oplogstore.Entry{OpID: "op-1", DeviceID: "d1", HLC: hlc.HLC{Physical: 1000}, Table: "todos", RowKey: "t1", OpType: oplogstore.OpCreate, Payload: payload}

	if _, err := engine.Merge(ctx, []oplogstore.Entry{entry}); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	report, err := engine.Merge(ctx, []oplogstore.Entry{entry})
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if report.SkippedDuplicate != 1 {
		t.Errorf("expected duplicate entry skipped, got %+v", report)
	}
}

func TestMerge_DeleteTombstoneShadowsEarlierCreate(t *testing.T) {
	engine, store := newTestEngine(t, "u1", "d1")
	ctx := context.Background()

	payload, _ := engine.codec.Encode(map[string]any{"id": "t1", "done": true})
	ops := []oplogstore.Entry{
		{OpID: "op-1", DeviceID: "d1", HLC: hlc.HLC{Physical: 1000}, Table: "todos", RowKey: "t1", OpType: oplogstore.OpCreate, Payload: payload},
		{OpID: "op-2", DeviceID: "d1", HLC: hlc.HLC{Physical: 2000}, Table: "todos", RowKey: "t1", OpType: oplogstore.OpDelete},
	}

	if _, err := engine.Merge(ctx, ops); err != nil {
		t.Fatalf("merge: %v", err)
	}

	_, ok, err := MaterializedRow(ctx, store, engine.codec, "todos", "t1")
	if err != nil {
		t.Fatalf("materialized_row: %v", err)
	}
	if ok {
		t.Error("expected tombstoned row to be absent from materialized view")
	}
}

func TestMerge_RejectsMalformedPayload(t *testing.T) {
	engine, _ := newTestEngine(t, "u1", "d1")
	ctx := context.Background()

	ops := []oplogstore.Entry{
		{OpID: "op-1", DeviceID: "d1", HLC: hlc.HLC{Physical: 1000}, Table: "todos", RowKey: "t1", OpType: oplogstore.OpCreate, Payload: []byte("not a valid struct")},
	}

	report, err := engine.Merge(ctx, ops)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if report.RejectedMalformed != 1 {
		t.Errorf("expected rejected_malformed, got %+v", report)
	}
}
