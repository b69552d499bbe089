// Package syncproto is C4, the peer sync protocol engine: the state
// machine, wire messages, and gRPC transport that carry OpLogEntries
// between devices. Protocol version, handshake, and message shapes follow
// spec.md §5 verbatim; the transport itself is grounded on the teacher's
// internal/server (handler shape) and internal/replication (peer fan-out).
package syncproto

import (
	"fmt"

	"github.com/hlcsync/syncengine/internal/hlc"
	"github.com/hlcsync/syncengine/internal/oplogstore"
)

// ProtocolVersion is this build's engine protocol version. Handshakes
// tolerate skew in the minor component only (spec.md §5).
const ProtocolVersion = "1.0"

// WireEntry is an oplogstore.Entry as it travels the wire: the HLC is sent
// packed so peers on either side of a protocol-minor-version skew agree on
// its bit layout without sharing Go types.
type WireEntry struct {
	OpID     string `json:"op_id"`
	DeviceID string `json:"device_id"`
	HLC      uint64 `json:"hlc"`
	Table    string `json:"table_name"`
	RowKey   string `json:"row_key"`
	OpType   string `json:"op_type"`
	Payload  []byte `json:"payload,omitempty"`
}

func toWire(e oplogstore.Entry) WireEntry {
	return WireEntry{
		OpID:     e.OpID,
		DeviceID: e.DeviceID,
		HLC:      e.HLC.Pack(),
		Table:    e.Table,
		RowKey:   e.RowKey,
		OpType:   string(e.OpType),
		Payload:  e.Payload,
	}
}

func fromWire(w WireEntry) oplogstore.Entry {
	return oplogstore.Entry{
		OpID:     w.OpID,
		DeviceID: w.DeviceID,
		HLC:      hlc.Unpack(w.HLC),
		Table:    w.Table,
		RowKey:   w.RowKey,
		OpType:   oplogstore.OpType(w.OpType),
		Payload:  w.Payload,
	}
}

func toWireAll(entries []oplogstore.Entry) []WireEntry {
	out := make([]WireEntry, len(entries))
	for i, e := range entries {
		out[i] = toWire(e)
	}
	return out
}

func fromWireAll(entries []WireEntry) []oplogstore.Entry {
	out := make([]oplogstore.Entry, len(entries))
	for i, w := range entries {
		out[i] = fromWire(w)
	}
	return out
}

// HelloRequest is the handshake announcement (spec.md §5 Hello).
type HelloRequest struct {
	PeerID          string `json:"peer_id"`
	DeviceID        string `json:"device_id"`
	UserID          string `json:"user_id"`
	ProtocolVersion string `json:"protocol_version"`
}

// HelloResponse is HelloAck: the accept/reject decision and, if accepted,
// the responder's own identity and high-water mark.
type HelloResponse struct {
	Accepted     bool   `json:"accepted"`
	Reason       string `json:"reason,omitempty"`
	PeerID       string `json:"peer_id"`
	DeviceID     string `json:"device_id"`
	LastSyncHLC  uint64 `json:"last_sync_hlc"`
}

// RequestOpsRequest asks the peer for every entry strictly newer than
// SinceHLC, bounded by MaxEntries (backpressure, spec.md §4.4).
type RequestOpsRequest struct {
	SinceHLC   uint64 `json:"since_hlc"`
	MaxEntries int    `json:"max_entries"`
}

// SendOpsRequest pushes a batch of entries unsolicited or in answer to a
// RequestOps.
type SendOpsRequest struct {
	Entries []WireEntry `json:"entries"`
}

// SendOpsResponse reports what the receiving side's merge did with the
// batch (spec.md §4.3 MergeReport, serialized for the wire).
type SendOpsResponse struct {
	Applied             int `json:"applied"`
	SkippedDuplicate    int `json:"skipped_duplicate"`
	SkippedUnauthorized int `json:"skipped_unauthorized"`
	RejectedMalformed   int `json:"rejected_malformed"`
}

// AckRequest informs a peer how far this device has durably applied its
// stream. The sender advances its own last_sync_hlc before sending; the
// receiving Handler only acknowledges it.
type AckRequest struct {
	UpToHLC uint64 `json:"up_to_hlc"`
}

// AckResponse is an empty acknowledgement of the Ack itself.
type AckResponse struct{}

// PingRequest carries the sender's current HLC so the receiver can
// estimate clock drift without a dedicated clock-sync exchange.
type PingRequest struct {
	SentAtHLC uint64 `json:"sent_at_hlc"`
}

// PongRequest is the Pong reply, echoing the ping and adding the
// responder's own HLC.
type PongRequest struct {
	EchoedHLC    uint64 `json:"echoed_hlc"`
	ResponderHLC uint64 `json:"responder_hlc"`
}

// ErrorResponse reports a protocol-level failure (malformed request,
// incompatible version, internal fault) distinct from a rejected
// handshake, which uses HelloResponse.Reason instead.
type ErrorResponse struct {
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string { return fmt.Sprintf("syncproto: %s", e.Message) }
