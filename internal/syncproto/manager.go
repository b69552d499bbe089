package syncproto

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/hlcsync/syncengine/internal/config"
	"github.com/hlcsync/syncengine/internal/errs"
	"github.com/hlcsync/syncengine/internal/hlc"
	"github.com/hlcsync/syncengine/internal/merge"
	"github.com/hlcsync/syncengine/internal/metrics"
	"github.com/hlcsync/syncengine/internal/oplogstore"
)

// Manager owns both roles a P2P device plays: it serves the PeerServer RPCs
// for peers that connect to it, and it maintains outbound Peer connections
// to peers it dials itself. Grounded on the teacher's pairing of
// internal/replication.Coordinator (outbound peer map) with
// internal/server.Server (inbound RPC handling), unified here since a sync
// peer is symmetric rather than split into a client role and a server role.
type Manager struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	grpcServer *grpc.Server
	listener   net.Listener

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewManager wires a Handler into a fresh grpc.Server using the hand-built
// ServiceDesc and the "syncjson" codec, ready to Serve once Listen is called.
func NewManager(cfg *config.Config, localUserID, localDeviceID string, store *oplogstore.Store, merger *merge.Engine, clock *hlc.Clock, logger *zap.Logger, m *metrics.Metrics) *Manager {
	grpcServer := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	handler := NewHandler(localUserID, localDeviceID, store, merger, clock, logger, m)
	RegisterPeerServer(grpcServer, handler)

	return &Manager{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		grpcServer: grpcServer,
		peers:      make(map[string]*Peer),
	}
}

// peerFactory lets Manager build Peers without importing config/store/merge
// types into its constructor signature a second time.
type peerFactory func(addr string) *Peer

// Listen binds the inbound gRPC server to addr (spec.md §6 listen_port; 0
// means ephemeral) without yet serving requests.
func (mgr *Manager) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.New(errs.Transport, "manager:listen", err)
	}
	mgr.listener = lis
	return nil
}

// Serve blocks, accepting inbound peer connections, until ctx is canceled.
func (mgr *Manager) Serve(ctx context.Context) error {
	if mgr.listener == nil {
		return errs.New(errs.Validation, "manager:serve", errNotListening)
	}
	go func() {
		<-ctx.Done()
		mgr.grpcServer.GracefulStop()
	}()
	if err := mgr.grpcServer.Serve(mgr.listener); err != nil {
		return errs.New(errs.Transport, "manager:serve", err)
	}
	return nil
}

// Addr returns the bound listen address, useful when listen_port was 0.
func (mgr *Manager) Addr() string {
	if mgr.listener == nil {
		return ""
	}
	return mgr.listener.Addr().String()
}

// ConnectPeer starts (idempotently) an outbound connection and sync loop to
// addr using newPeer, running it under ctx until Manager.Close or ctx done.
func (mgr *Manager) ConnectPeer(ctx context.Context, addr string, newPeer peerFactory) {
	mgr.mu.Lock()
	if _, exists := mgr.peers[addr]; exists {
		mgr.mu.Unlock()
		return
	}
	p := newPeer(addr)
	mgr.peers[addr] = p
	mgr.mu.Unlock()

	go p.Run(ctx)
}

// Peers returns a snapshot of currently tracked outbound peers.
func (mgr *Manager) Peers() []*Peer {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make([]*Peer, 0, len(mgr.peers))
	for _, p := range mgr.peers {
		out = append(out, p)
	}
	return out
}

// Close stops every outbound peer and the inbound server.
func (mgr *Manager) Close() {
	mgr.mu.Lock()
	peers := make([]*Peer, 0, len(mgr.peers))
	for _, p := range mgr.peers {
		peers = append(peers, p)
	}
	mgr.peers = make(map[string]*Peer)
	mgr.mu.Unlock()

	for _, p := range peers {
		p.Stop()
	}
	mgr.grpcServer.Stop()
}

var errNotListening = errManagerNotListening{}

type errManagerNotListening struct{}

func (errManagerNotListening) Error() string { return "manager: Listen must be called before Serve" }
