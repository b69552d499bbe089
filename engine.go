// Package syncengine is the embedding API (spec.md §6): a single Engine
// type wiring the HLC (internal/hlc), the durable oplog (internal/oplogstore),
// the LWW merge engine (internal/merge), user/device identity
// (internal/auth), and the P2P sync protocol (internal/syncproto) into one
// handle an embedding application opens, drives, and closes. Grounded on
// the teacher's cmd/acp-node/main.go wiring order (config → store → clock
// → coordinator/probe → grpc server), generalized from a long-lived daemon
// main into a library entry point the embedder controls the lifecycle of.
package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hlcsync/syncengine/internal/auth"
	"github.com/hlcsync/syncengine/internal/config"
	"github.com/hlcsync/syncengine/internal/errs"
	"github.com/hlcsync/syncengine/internal/hlc"
	"github.com/hlcsync/syncengine/internal/merge"
	"github.com/hlcsync/syncengine/internal/metrics"
	"github.com/hlcsync/syncengine/internal/oplogstore"
	"github.com/hlcsync/syncengine/internal/syncproto"
)

// Engine is one device's handle onto its local store, clock, and sync
// connections.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	store   *oplogstore.Store
	clock   *hlc.Clock
	codec   merge.RowCodec
	merger  *merge.Engine
	auth    *auth.Service
	metrics *metrics.Metrics

	mu      sync.Mutex
	manager *syncproto.Manager
	syncCtx context.Context
	cancel  context.CancelFunc

	clockPersistStop chan struct{}
	clockPersistWG   sync.WaitGroup
}

// Open applies schema migrations to storePath and returns a ready Engine
// bound to the given user/device identity. codec controls how application
// rows are encoded into OpLogEntry payloads; pass merge.NewStructCodec for
// the default structpb-backed behavior.
func Open(ctx context.Context, cfg *config.Config, codec merge.RowCodec, logger *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	store, err := oplogstore.Open(ctx, cfg.StorePath, logger)
	if err != nil {
		return nil, err
	}

	restored, err := store.HighWater(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	if checkpointed, ok, err := store.LoadClockState(ctx); err != nil {
		store.Close()
		return nil, err
	} else if ok && checkpointed.Compare(restored) > 0 {
		// the clock may have advanced past the oplog's high-water via
		// NowLocal/Observe without yet producing a locally recorded entry.
		restored = checkpointed
	}
	clock := hlc.NewClock(cfg.DeviceID, restored)

	merger := merge.New(store, clock, codec, cfg.UserID, cfg.DeviceID, logger, m)

	e := &Engine{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		clock:            clock,
		codec:            codec,
		merger:           merger,
		auth:             auth.NewService(store.DB()),
		metrics:          m,
		clockPersistStop: make(chan struct{}),
	}
	e.startClockPersist()
	return e, nil
}

// startClockPersist checkpoints the clock's current high-water into
// clock_state every cfg.ClockPersistInterval, so a restart can resume past
// the oplog's own high-water (spec.md §10's clock-persistence resolution).
func (e *Engine) startClockPersist() {
	e.clockPersistWG.Add(1)
	go func() {
		defer e.clockPersistWG.Done()
		ticker := time.NewTicker(e.cfg.ClockPersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.store.PersistClockState(context.Background(), e.clock.Snapshot()); err != nil {
					e.logger.Warn("clock state checkpoint failed", zap.Error(err))
				}
			case <-e.clockPersistStop:
				return
			}
		}
	}()
}

// Close stops sync (if running), checkpoints the clock one last time, and
// closes the underlying store.
func (e *Engine) Close() error {
	e.StopSync()
	close(e.clockPersistStop)
	e.clockPersistWG.Wait()
	if err := e.store.PersistClockState(context.Background(), e.clock.Snapshot()); err != nil {
		e.logger.Warn("final clock state checkpoint failed", zap.Error(err))
	}
	return e.store.Close()
}

// RegisterUser implements the register_user embedding operation.
func (e *Engine) RegisterUser(ctx context.Context, handle, email, password string) (string, error) {
	return e.auth.RegisterUser(ctx, handle, email, password)
}

// Login implements the login embedding operation.
func (e *Engine) Login(ctx context.Context, handle, password string) (string, error) {
	return e.auth.Login(ctx, handle, password)
}

// AuthorizeDevice implements the authorize_device embedding operation.
func (e *Engine) AuthorizeDevice(ctx context.Context, userID, deviceType, pushToken string) (string, error) {
	return e.auth.AuthorizeDevice(ctx, userID, deviceType, pushToken)
}

// RecordOperation implements record_local: a locally originated create,
// update, or delete on (table, row).
func (e *Engine) RecordOperation(ctx context.Context, table string, opType oplogstore.OpType, row map[string]any) (oplogstore.Entry, error) {
	return e.merger.RecordLocal(ctx, table, opType, row)
}

// ScanSince returns every local oplog entry strictly newer than since,
// bounded by limit (0 means unbounded).
func (e *Engine) ScanSince(ctx context.Context, since hlc.HLC, limit int) ([]oplogstore.Entry, error) {
	cursor, err := e.store.ScanSince(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var out []oplogstore.Entry
	for cursor.Next() {
		entry, err := cursor.Scan()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// MaterializedRow returns the current value of (table, rowKey), or
// ok=false if absent or tombstoned.
func (e *Engine) MaterializedRow(ctx context.Context, table, rowKey string) (map[string]any, bool, error) {
	return merge.MaterializedRow(ctx, e.store, e.codec, table, rowKey)
}

// StartSync implements start_sync: it begins serving inbound peer
// connections on cfg.ListenPort and dials every address in peerAddrs,
// running each connection under its own adaptive-pacing/backoff loop
// until StopSync is called or ctx is canceled.
func (e *Engine) StartSync(ctx context.Context, peerAddrs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manager != nil {
		return errs.New(errs.Validation, "start_sync", fmt.Errorf("sync already running"))
	}

	syncCtx, cancel := context.WithCancel(ctx)
	mgr := syncproto.NewManager(e.cfg, e.cfg.UserID, e.cfg.DeviceID, e.store, e.merger, e.clock, e.logger, e.metrics)

	listenAddr := fmt.Sprintf(":%d", e.cfg.ListenPort)
	if err := mgr.Listen(listenAddr); err != nil {
		cancel()
		return err
	}

	go func() {
		if err := mgr.Serve(syncCtx); err != nil {
			e.logger.Error("sync manager stopped serving", zap.Error(err))
		}
	}()

	for _, addr := range peerAddrs {
		mgr.ConnectPeer(syncCtx, addr, func(a string) *syncproto.Peer {
			return syncproto.NewPeer(a, e.cfg.UserID, e.cfg.DeviceID, e.store, e.merger, e.clock, e.cfg, e.logger, e.metrics)
		})
	}

	e.manager = mgr
	e.syncCtx = syncCtx
	e.cancel = cancel
	return nil
}

// StopSync implements stop_sync: it tears down every peer connection and
// the inbound listener.
func (e *Engine) StopSync() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manager == nil {
		return
	}
	e.cancel()
	e.manager.Close()
	e.manager = nil
}

// ListenAddr returns the sync manager's bound address, valid only while
// sync is running. Useful when cfg.ListenPort was 0 (ephemeral).
func (e *Engine) ListenAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.manager == nil {
		return ""
	}
	return e.manager.Addr()
}

// Clock exposes the engine's HLC, for embedders that need to label their
// own out-of-band events with a causally consistent timestamp.
func (e *Engine) Clock() *hlc.Clock { return e.clock }
