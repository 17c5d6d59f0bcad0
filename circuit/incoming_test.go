package circuit

import (
	"testing"

	"github.com/cvsouth/tor-go/ntor"
)

// TestAcceptIncomingDeliversTargetAndReplies exercises the server-role
// accept path end to end: a registered acceptor consumes a peer-initiated
// RELAY_BEGIN, replies CONNECTED on the wire, and hands back a StreamHandle
// carrying the requested target.
func TestAcceptIncomingDeliversTargetAndReplies(t *testing.T) {
	r := newPipeReactor(t)

	km := &ntor.KeyMaterial{}
	hk, err := deriveLegacyHop(km, HopSettings{})
	if err != nil {
		t.Fatalf("deriveLegacyHop: %v", err)
	}
	r.hops = []*hopKey{hk}

	reply := make(chan ControlReply, 1)
	r.handleAcceptIncoming(ControlRequest{Args: acceptIncomingArgs{Hop: 0}, Reply: reply})

	select {
	case <-reply:
		t.Fatal("acceptor delivered before any BEGIN arrived")
	default:
	}

	r.dispatchRelay(0, RelayMessage{Command: RelayBegin, StreamID: 5, Body: []byte("example.com:80")}, SendmeTag{})

	rep := <-reply
	if rep.Err != nil {
		t.Fatalf("unexpected error: %v", rep.Err)
	}
	h, ok := rep.Value.(*StreamHandle)
	if !ok || h == nil {
		t.Fatalf("Value = %v (%T), want *StreamHandle", rep.Value, rep.Value)
	}
	if h.ID != 5 {
		t.Fatalf("ID = %d, want 5", h.ID)
	}
	if h.Target != "example.com:80" {
		t.Fatalf("Target = %q, want %q", h.Target, "example.com:80")
	}
	if _, taken := r.streams[5]; !taken {
		t.Fatal("expected stream 5 to be registered")
	}
}

// TestAcceptIncomingRejectsSecondRegistration covers the one-outstanding
// acceptor invariant documented on incomingAcceptor.
func TestAcceptIncomingRejectsSecondRegistration(t *testing.T) {
	r := newPipeReactor(t)
	r.hops = []*hopKey{}

	first := make(chan ControlReply, 1)
	r.handleAcceptIncoming(ControlRequest{Args: acceptIncomingArgs{Hop: -1}, Reply: first})

	second := make(chan ControlReply, 1)
	r.handleAcceptIncoming(ControlRequest{Args: acceptIncomingArgs{Hop: -1}, Reply: second})

	rep := <-second
	if rep.Err == nil {
		t.Fatal("expected an error registering a second concurrent acceptor")
	}
}

// TestTryAcceptIncomingIgnoresUnmatchedCommand covers the command filter:
// an acceptor registered for BEGIN_DIR only must not consume a BEGIN.
func TestTryAcceptIncomingIgnoresUnmatchedCommand(t *testing.T) {
	r := newPipeReactor(t)
	km := &ntor.KeyMaterial{}
	hk, err := deriveLegacyHop(km, HopSettings{})
	if err != nil {
		t.Fatalf("deriveLegacyHop: %v", err)
	}
	r.hops = []*hopKey{hk}

	reply := make(chan ControlReply, 1)
	r.handleAcceptIncoming(ControlRequest{Args: acceptIncomingArgs{Hop: -1, Cmds: []uint8{RelayBeginDir}}, Reply: reply})

	consumed := r.tryAcceptIncoming(0, RelayMessage{Command: RelayBegin, StreamID: 1})
	if consumed {
		t.Fatal("expected the BEGIN_DIR-only acceptor to ignore a BEGIN")
	}

	select {
	case <-reply:
		t.Fatal("acceptor must not have delivered")
	default:
	}
}
