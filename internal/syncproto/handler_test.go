package syncproto

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/hlcsync/syncengine/internal/hlc"
	"github.com/hlcsync/syncengine/internal/merge"
	"github.com/hlcsync/syncengine/internal/metrics"
	"github.com/hlcsync/syncengine/internal/oplogstore"
)

const bufSize = 1 << 20

// newTestServer wires a Handler for userID/deviceID behind an in-memory
// bufconn listener and returns a dialed client; teardown is registered
// with t.Cleanup.
func newTestServer(t *testing.T, userID, deviceID string) *peerClient {
	t.Helper()

	store, err := oplogstore.Open(context.Background(), ":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	if _, err := store.DB().ExecContext(ctx,
		`INSERT INTO users (user_id, handle, email, verifier, created_at) VALUES (?, 'h', 'e', 'v', 0)`, userID); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx,
		`INSERT INTO devices (device_id, user_id, last_seen, revoked) VALUES (?, ?, 0, 0)`, deviceID, userID); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	clock := hlc.NewClock(deviceID, hlc.HLC{})
	codec := merge.NewStructCodec("id")
	m := metrics.New("test_syncproto_" + deviceID)
	merger := merge.New(store, clock, codec, userID, deviceID, zap.NewNop(), m)

	handler := NewHandler(userID, deviceID, store, merger, clock, zap.NewNop(), m)

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	RegisterPeerServer(grpcServer, handler)
	go grpcServer.Serve(lis)
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return newPeerClient(conn)
}

func TestHello_AcceptsAuthorizedDevice(t *testing.T) {
	client := newTestServer(t, "u1", "d2")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Hello(ctx, &HelloRequest{PeerID: "d2", DeviceID: "d2", UserID: "u1", ProtocolVersion: ProtocolVersion})
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	if !resp.Accepted {
		t.Fatalf("expected handshake accepted, got reason=%q", resp.Reason)
	}
}

func TestHello_RejectsUserMismatch(t *testing.T) {
	client := newTestServer(t, "u1", "d2")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Hello(ctx, &HelloRequest{PeerID: "d3", DeviceID: "d3", UserID: "u-other", ProtocolVersion: ProtocolVersion})
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	if resp.Accepted {
		t.Fatal("expected handshake rejected on user mismatch")
	}
}

func TestHello_RejectsUnauthorizedDevice(t *testing.T) {
	client := newTestServer(t, "u1", "d2")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Hello(ctx, &HelloRequest{PeerID: "unknown-device", DeviceID: "unknown-device", UserID: "u1", ProtocolVersion: ProtocolVersion})
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	if resp.Accepted {
		t.Fatal("expected handshake rejected for unregistered device")
	}
}

func TestPing_EchoesAndRespondsWithHLC(t *testing.T) {
	client := newTestServer(t, "u1", "d2")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pong, err := client.Ping(ctx, &PingRequest{SentAtHLC: 42})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if pong.EchoedHLC != 42 {
		t.Errorf("expected echoed_hlc 42, got %d", pong.EchoedHLC)
	}
	if pong.ResponderHLC == 0 {
		t.Error("expected nonzero responder_hlc")
	}
}

func TestSendOpsThenRequestOps_RoundTrip(t *testing.T) {
	client := newTestServer(t, "u1", "d2")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codec := merge.NewStructCodec("id")
	payload, _ := codec.Encode(map[string]any{"id": "t1", "title": "groceries"})

	sendResp, err := client.SendOps(ctx, &SendOpsRequest{Entries: []WireEntry{
		{OpID: "op-1", DeviceID: "d2", HLC: hlc.HLC{Physical: 1000}.Pack(), Table: "todos", RowKey: "t1", OpType: "create", Payload: payload},
	}})
	if err != nil {
		t.Fatalf("send_ops: %v", err)
	}
	if sendResp.Applied != 1 {
		t.Fatalf("expected 1 applied, got %+v", sendResp)
	}

	pullResp, err := client.RequestOps(ctx, &RequestOpsRequest{SinceHLC: 0, MaxEntries: 256})
	if err != nil {
		t.Fatalf("request_ops: %v", err)
	}
	if len(pullResp.Entries) != 1 || pullResp.Entries[0].OpID != "op-1" {
		t.Errorf("expected to pull back the entry just sent, got %+v", pullResp.Entries)
	}
}
