package syncproto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hlcsync/syncengine/internal/config"
	"github.com/hlcsync/syncengine/internal/errs"
	"github.com/hlcsync/syncengine/internal/hlc"
	"github.com/hlcsync/syncengine/internal/merge"
	"github.com/hlcsync/syncengine/internal/metrics"
	"github.com/hlcsync/syncengine/internal/oplogstore"
	"github.com/hlcsync/syncengine/internal/staleness"
	"github.com/hlcsync/syncengine/internal/syncadapt"
)

// Peer is one outbound connection to another device: dial, handshake,
// pull/push loop, heartbeat, and reconnect backoff. Grounded on the
// teacher's internal/replication.Coordinator (peer connection lifecycle)
// and internal/health.Probe (heartbeat loop), merged into a single type
// since this engine's peers are symmetric rather than split across a
// replication coordinator and a separate health prober.
type Peer struct {
	addr string

	localUserID, localDeviceID string
	store                      *oplogstore.Store
	merger                     *merge.Engine
	clock                      *hlc.Clock
	cfg                        *config.Config
	logger                     *zap.Logger
	metrics                    *metrics.Metrics

	pacing *syncadapt.Controller
	health *syncadapt.HealthScorer
	stale  *staleness.Detector

	mu              sync.RWMutex
	state           State
	conn            *grpc.ClientConn
	client          *peerClient
	remoteID        string
	lastSyncHLC     hlc.HLC // highest HLC we have pulled from this peer
	remoteHighWater hlc.HLC // highest HLC we believe this peer already has from us

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPeer creates a Peer for an outbound connection to addr. Run starts it.
func NewPeer(addr, localUserID, localDeviceID string, store *oplogstore.Store, merger *merge.Engine, clock *hlc.Clock, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *Peer {
	return &Peer{
		addr:          addr,
		localUserID:   localUserID,
		localDeviceID: localDeviceID,
		store:         store,
		merger:        merger,
		clock:         clock,
		cfg:           cfg,
		logger:        logger.With(zap.String("peer", addr)),
		metrics:       m,
		pacing: syncadapt.NewController(
			cfg.MinBatchMaxEntries, cfg.MaxBatchMaxEntries,
			cfg.MinHeartbeatIntervalMs, cfg.MaxHeartbeatIntervalMs,
			cfg.HealthRelaxThreshold, cfg.HealthTightenThreshold,
		),
		health: syncadapt.NewHealthScorer(),
		stale:  staleness.NewDetector(cfg.MaxStaleness, m),
		state:  Disconnected,
		stopCh: make(chan struct{}),
	}
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	prev := p.state
	if CanTransition(prev, s) || prev == s {
		p.state = s
	}
	p.mu.Unlock()
	p.metrics.PeerState.WithLabelValues(p.addr, prev.String()).Set(0)
	p.metrics.PeerState.WithLabelValues(p.addr, s.String()).Set(1)
}

// State returns the peer's current connection state.
func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Run drives the connect → handshake → sync loop until ctx is canceled,
// reconnecting on any failure with exponential backoff and jitter
// (cenkalti/backoff/v4) capped at cfg.ReconnectMaxInterval. The wait grows
// by the library's default factor of 1.5 per attempt, not by doubling.
func (p *Peer) Run(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.ReconnectInitialInterval
	b.MaxInterval = p.cfg.ReconnectMaxInterval
	b.MaxElapsedTime = p.cfg.ReconnectMaxElapsedTime

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		if err := p.connectAndSync(ctx); err != nil {
			p.metrics.Errors.WithLabelValues(string(errs.KindOf(err))).Inc()
			p.logger.Warn("peer session ended, reconnecting", zap.Error(err))
			p.setState(Disconnected)

			wait := b.NextBackOff()
			if wait == backoff.Stop {
				p.logger.Error("reconnect backoff exhausted, giving up on peer")
				return
			}
			p.metrics.ReconnectAttempts.WithLabelValues(p.addr).Inc()
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			}
			continue
		}

		b.Reset()
	}
}

// Stop ends the peer's Run loop and closes its connection.
func (p *Peer) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (p *Peer) connectAndSync(ctx context.Context) error {
	conn, err := grpc.NewClient(p.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return errs.New(errs.Transport, "peer:dial", err)
	}
	client := newPeerClient(conn)

	p.mu.Lock()
	p.conn = conn
	p.client = client
	p.mu.Unlock()
	defer conn.Close()

	if err := p.handshake(ctx, client); err != nil {
		return err
	}

	return p.syncLoop(ctx, client)
}

func (p *Peer) handshake(ctx context.Context, client *peerClient) error {
	p.setState(Handshaking)

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	resp, err := client.Hello(reqCtx, &HelloRequest{
		PeerID:          p.localDeviceID,
		DeviceID:        p.localDeviceID,
		UserID:          p.localUserID,
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		return errs.New(errs.Transport, "peer:hello", err)
	}

	p.setState(Authorizing)

	if !resp.Accepted {
		return errs.New(errs.Unauthorized, "peer:hello", fmt.Errorf("handshake rejected: %s", resp.Reason))
	}

	p.mu.Lock()
	p.remoteID = resp.DeviceID
	// lastSyncHLC and remoteHighWater keep only what this Peer has itself
	// pulled from and pushed to the remote (zero on first connect), not the
	// remote's own high-water: over-pushing is harmless (Merge is idempotent
	// on op_id) but starting past entries either side lacks would silently
	// drop them.
	p.mu.Unlock()

	p.setState(Syncing)
	return nil
}

// syncLoop alternates pulling entries newer than lastSyncHLC, pushing any
// local entries the remote hasn't seen, and heartbeating, per the adaptive
// pacing this peer's Controller currently prescribes. Transitions to Idle
// between rounds that moved nothing (spec.md §5's Syncing⇄Idle edge).
func (p *Peer) syncLoop(ctx context.Context, client *peerClient) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		default:
		}

		pacing := p.pacing.Current()

		pulled, err := p.pullRound(ctx, client, pacing.BatchMaxEntries)
		if err != nil {
			return err
		}

		pushed, err := p.pushRound(ctx, client, pacing.BatchMaxEntries)
		if err != nil {
			return err
		}
		moved := pulled || pushed

		rtt, err := p.heartbeat(ctx, client)
		if err != nil {
			return err
		}

		p.health.Record(rtt.Seconds(), errorRate(err), 0)
		score, _ := p.health.Score()
		p.metrics.PeerHealthScore.WithLabelValues(p.addr).Set(score)
		if newPacing, adjusted := p.pacing.Adjust(score); adjusted {
			p.metrics.PacingAdjustments.Inc()
			p.metrics.CurrentBatchSize.WithLabelValues(p.addr).Set(float64(newPacing.BatchMaxEntries))
			p.metrics.CurrentHeartbeatMs.WithLabelValues(p.addr).Set(float64(newPacing.HeartbeatIntervalMs))
		}

		p.mu.RLock()
		lastSync := p.lastSyncHLC
		p.mu.RUnlock()
		if err := p.stale.CheckPeer(p.addr, lastSync, time.Now().UnixMilli()); err != nil {
			p.logger.Warn("peer sync lag exceeds staleness bound", zap.Error(err))
		}

		if moved {
			p.setState(Syncing)
		} else {
			p.setState(Idle)
		}

		wait := time.Duration(pacing.HeartbeatIntervalMs) * time.Millisecond
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		}
	}
}

func (p *Peer) pullRound(ctx context.Context, client *peerClient, maxEntries int) (bool, error) {
	p.mu.RLock()
	since := p.lastSyncHLC
	p.mu.RUnlock()

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	start := time.Now()
	resp, err := client.RequestOps(reqCtx, &RequestOpsRequest{SinceHLC: since.Pack(), MaxEntries: maxEntries})
	p.metrics.PullLatency.WithLabelValues(p.addr).Observe(time.Since(start).Seconds())
	if err != nil {
		return false, errs.New(errs.Transport, "peer:request_ops", err)
	}
	if len(resp.Entries) == 0 {
		return false, nil
	}

	entries := fromWireAll(resp.Entries)
	if _, err := p.merger.Merge(ctx, entries); err != nil {
		return false, err
	}
	p.metrics.EntriesReceived.WithLabelValues(p.addr).Add(float64(len(entries)))

	var maxHLC hlc.HLC
	for _, e := range entries {
		if e.HLC.Compare(maxHLC) > 0 {
			maxHLC = e.HLC
		}
	}
	p.mu.Lock()
	if maxHLC.Compare(p.lastSyncHLC) > 0 {
		p.lastSyncHLC = maxHLC
	}
	ackTo := p.lastSyncHLC
	p.mu.Unlock()

	ackCtx, ackCancel := context.WithTimeout(ctx, time.Duration(p.cfg.RequestTimeoutMs)*time.Millisecond)
	defer ackCancel()
	if _, err := client.Ack(ackCtx, &AckRequest{UpToHLC: ackTo.Pack()}); err != nil {
		return true, errs.New(errs.Transport, "peer:ack", err)
	}

	return true, nil
}

// pushRound sends local entries newer than remoteHighWater to the peer, so
// data this device recorded (or learned from a third peer) actually reaches
// peers that dial in the opposite direction, not just peers it dials out to
// (spec.md's C4 push requirement: a new local entry must propagate out, not
// only be pullable).
func (p *Peer) pushRound(ctx context.Context, client *peerClient, maxEntries int) (bool, error) {
	p.mu.RLock()
	since := p.remoteHighWater
	p.mu.RUnlock()

	cursor, err := p.store.ScanSince(ctx, since, maxEntries)
	if err != nil {
		return false, err
	}
	var entries []oplogstore.Entry
	for cursor.Next() {
		e, err := cursor.Scan()
		if err != nil {
			cursor.Close()
			return false, err
		}
		entries = append(entries, e)
	}
	cursor.Close()

	if len(entries) == 0 {
		return false, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	start := time.Now()
	resp, err := client.SendOps(reqCtx, &SendOpsRequest{Entries: toWireAll(entries)})
	p.metrics.PushLatency.WithLabelValues(p.addr).Observe(time.Since(start).Seconds())
	if err != nil {
		return false, errs.New(errs.Transport, "peer:send_ops", err)
	}
	p.metrics.EntriesSent.WithLabelValues(p.addr).Add(float64(len(entries)))
	p.logger.Debug("pushed ops to peer",
		zap.Int("count", len(entries)),
		zap.Int("applied", resp.Applied),
		zap.Int("skipped_duplicate", resp.SkippedDuplicate),
		zap.Int("skipped_unauthorized", resp.SkippedUnauthorized),
		zap.Int("rejected_malformed", resp.RejectedMalformed))

	var maxHLC hlc.HLC
	for _, e := range entries {
		if e.HLC.Compare(maxHLC) > 0 {
			maxHLC = e.HLC
		}
	}
	p.mu.Lock()
	if maxHLC.Compare(p.remoteHighWater) > 0 {
		p.remoteHighWater = maxHLC
	}
	p.mu.Unlock()

	return true, nil
}

func (p *Peer) heartbeat(ctx context.Context, client *peerClient) (time.Duration, error) {
	now, err := p.clock.NowLocal()
	if err != nil {
		return 0, errs.New(errs.Clock, "peer:heartbeat", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	start := time.Now()
	pong, err := client.Ping(reqCtx, &PingRequest{SentAtHLC: now.Pack()})
	rtt := time.Since(start)
	if err != nil {
		return rtt, errs.New(errs.Transport, "peer:ping", err)
	}
	p.metrics.HeartbeatRTT.WithLabelValues(p.addr).Set(rtt.Seconds())

	responder := hlc.Unpack(pong.ResponderHLC)
	drift := time.Duration(responder.Physical-time.Now().UnixMilli()) * time.Millisecond
	if drift < 0 {
		drift = -drift
	}
	p.metrics.ClockDrift.WithLabelValues(p.addr).Set(float64(drift.Milliseconds()))
	if drift > p.cfg.HLCMaxDrift {
		p.logger.Warn("peer clock drift exceeds bound", zap.Duration("drift", drift), zap.Duration("max_drift", p.cfg.HLCMaxDrift))
	}

	if _, err := p.clock.Observe(responder); err != nil {
		p.logger.Warn("clock observe failed on heartbeat", zap.Error(err))
	}
	return rtt, nil
}

func errorRate(err error) float64 {
	if err != nil {
		return 1
	}
	return 0
}
