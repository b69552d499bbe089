package syncproto

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hlcsync/syncengine/internal/errs"
	"github.com/hlcsync/syncengine/internal/hlc"
	"github.com/hlcsync/syncengine/internal/merge"
	"github.com/hlcsync/syncengine/internal/metrics"
	"github.com/hlcsync/syncengine/internal/oplogstore"
)

// Handler implements PeerServer: the inbound side of every RPC a connecting
// peer can issue. Grounded on the teacher's internal/server.Server (one
// method per RPC, metrics + logging wrapping a store/engine call) but
// reworked around handshake/authorization instead of quorum reads/writes.
type Handler struct {
	localUserID   string
	localDeviceID string

	store   *oplogstore.Store
	merger  *merge.Engine
	clock   *hlc.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewHandler(localUserID, localDeviceID string, store *oplogstore.Store, merger *merge.Engine, clock *hlc.Clock, logger *zap.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		localUserID:   localUserID,
		localDeviceID: localDeviceID,
		store:         store,
		merger:        merger,
		clock:         clock,
		logger:        logger,
		metrics:       m,
	}
}

// Hello implements the Handshaking→Authorizing transition (spec.md §5):
// protocol major version and user_id must match, and the remote device_id must
// be registered under the local user.
func (h *Handler) Hello(ctx context.Context, req *HelloRequest) (*HelloResponse, error) {
	if !protocolCompatible(req.ProtocolVersion, ProtocolVersion) {
		h.metrics.HandshakeRejections.WithLabelValues("version_mismatch").Inc()
		return &HelloResponse{Accepted: false, Reason: "incompatible protocol version"}, nil
	}
	if req.UserID != h.localUserID {
		h.metrics.HandshakeRejections.WithLabelValues("user_mismatch").Inc()
		return &HelloResponse{Accepted: false, Reason: "user mismatch"}, nil
	}
	authorized, err := oplogstore.DeviceAuthorized(ctx, h.store.DB(), h.localUserID, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if !authorized {
		h.metrics.HandshakeRejections.WithLabelValues("device_unauthorized").Inc()
		return &HelloResponse{Accepted: false, Reason: "device not authorized"}, nil
	}

	hw, err := h.store.HighWater(ctx)
	if err != nil {
		return nil, err
	}

	h.logger.Info("accepted handshake", zap.String("remote_device_id", req.DeviceID), zap.String("remote_peer_id", req.PeerID))
	return &HelloResponse{
		Accepted:    true,
		PeerID:      h.localDeviceID,
		DeviceID:    h.localDeviceID,
		LastSyncHLC: hw.Pack(),
	}, nil
}

// RequestOps answers a peer's pull with every local entry strictly newer
// than SinceHLC, bounded by MaxEntries.
func (h *Handler) RequestOps(ctx context.Context, req *RequestOpsRequest) (*SendOpsRequest, error) {
	since := hlc.Unpack(req.SinceHLC)
	cursor, err := h.store.ScanSince(ctx, since, req.MaxEntries)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var entries []oplogstore.Entry
	for cursor.Next() {
		e, err := cursor.Scan()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return &SendOpsRequest{Entries: toWireAll(entries)}, nil
}

// SendOps merges a pushed batch into local state.
func (h *Handler) SendOps(ctx context.Context, req *SendOpsRequest) (*SendOpsResponse, error) {
	start := time.Now()
	report, err := h.merger.Merge(ctx, fromWireAll(req.Entries))
	h.metrics.MergeBatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return &SendOpsResponse{
		Applied:             report.Applied,
		SkippedDuplicate:    report.SkippedDuplicate,
		SkippedUnauthorized: report.SkippedUnauthorized,
		RejectedMalformed:   report.RejectedMalformed,
	}, nil
}

// Ack is a no-op on the receiving side beyond acknowledging: last_sync_hlc
// bookkeeping for outbound peers lives in the Peer that issued the request
// this Ack answers, not in the Handler.
func (h *Handler) Ack(ctx context.Context, req *AckRequest) (*AckResponse, error) {
	return &AckResponse{}, nil
}

// Ping answers with the local HLC so the caller can estimate drift.
func (h *Handler) Ping(ctx context.Context, req *PingRequest) (*PongRequest, error) {
	now, err := h.clock.NowLocal()
	if err != nil {
		return nil, errs.New(errs.Clock, "ping", err)
	}
	return &PongRequest{EchoedHLC: req.SentAtHLC, ResponderHLC: now.Pack()}, nil
}

func protocolCompatible(remote, local string) bool {
	rMajor, _ := splitVersion(remote)
	lMajor, _ := splitVersion(local)
	return rMajor == lMajor
}

func splitVersion(v string) (major, minor string) {
	for i := 0; i < len(v); i++ {
		if v[i] == '.' {
			return v[:i], v[i+1:]
		}
	}
	return v, ""
}
