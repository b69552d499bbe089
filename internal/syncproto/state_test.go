package syncproto

import "testing"

func TestCanTransition_HappyPath(t *testing.T) {
	path := []State{Disconnected, Handshaking, Authorizing, Syncing, Idle, Syncing}
	for i := 0; i < len(path)-1; i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Errorf("expected %s -> %s to be legal", path[i], path[i+1])
		}
	}
}

func TestCanTransition_AnyStateCanDisconnect(t *testing.T) {
	for _, s := range []State{Handshaking, Authorizing, Syncing, Idle} {
		if !CanTransition(s, Disconnected) {
			t.Errorf("expected %s -> Disconnected to be legal", s)
		}
	}
}

func TestCanTransition_RejectsSkippingAuthorization(t *testing.T) {
	if CanTransition(Handshaking, Syncing) {
		t.Error("expected Handshaking -> Syncing (skipping Authorizing) to be illegal")
	}
}

func TestCanTransition_RejectsIdleToHandshaking(t *testing.T) {
	if CanTransition(Idle, Handshaking) {
		t.Error("expected Idle -> Handshaking to be illegal")
	}
}
