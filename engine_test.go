package syncengine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hlcsync/syncengine/internal/config"
	"github.com/hlcsync/syncengine/internal/hlc"
	"github.com/hlcsync/syncengine/internal/merge"
	"github.com/hlcsync/syncengine/internal/metrics"
	"github.com/hlcsync/syncengine/internal/oplogstore"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.Config{
		StorePath:            ":memory:",
		UserID:               "u1",
		DeviceID:             "d1",
		HeartbeatIntervalMs:  10_000,
		MaxMessageBytes:      65_536,
		BatchMaxEntries:      256,
		RequestTimeoutMs:     30_000,
		ClockPersistInterval: time.Second,
	}
	e, err := Open(context.Background(), cfg, merge.NewStructCodec("id"), zap.NewNop(), metrics.New("test_engine"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	if _, err := e.store.DB().ExecContext(context.Background(),
		`INSERT INTO users (user_id, handle, email, verifier, created_at) VALUES ('u1','h','e','v',0)`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := e.store.DB().ExecContext(context.Background(),
		`INSERT INTO devices (device_id, user_id, last_seen, revoked) VALUES ('d1','u1',0,0)`); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return e
}

func TestEngine_RecordOperationAndMaterializedRow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.RecordOperation(ctx, "todos", oplogstore.OpCreate, map[string]any{"id": "t1", "title": "groceries"})
	if err != nil {
		t.Fatalf("record_operation: %v", err)
	}

	row, ok, err := e.MaterializedRow(ctx, "todos", "t1")
	if err != nil || !ok {
		t.Fatalf("materialized_row: ok=%v err=%v", ok, err)
	}
	if row["title"] != "groceries" {
		t.Errorf("expected title groceries, got %v", row["title"])
	}
}

func TestEngine_ScanSinceReturnsRecordedOps(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.RecordOperation(ctx, "todos", oplogstore.OpCreate, map[string]any{"id": "t1"}); err != nil {
		t.Fatalf("record_operation: %v", err)
	}
	if _, err := e.RecordOperation(ctx, "todos", oplogstore.OpCreate, map[string]any{"id": "t2"}); err != nil {
		t.Fatalf("record_operation: %v", err)
	}

	entries, err := e.ScanSince(ctx, hlc.HLC{}, 0)
	if err != nil {
		t.Fatalf("scan_since: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
}

func TestEngine_RegisterLoginAuthorizeDevice(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	userID, err := e.RegisterUser(ctx, "alice", "alice@example.com", "pw")
	if err != nil {
		t.Fatalf("register_user: %v", err)
	}

	got, err := e.Login(ctx, "alice", "pw")
	if err != nil || got != userID {
		t.Fatalf("login: got=%s err=%v", got, err)
	}

	deviceID, err := e.AuthorizeDevice(ctx, userID, "tablet", "")
	if err != nil {
		t.Fatalf("authorize_device: %v", err)
	}
	if deviceID == "" {
		t.Error("expected non-empty device_id")
	}
}
