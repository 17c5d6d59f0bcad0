package conflux

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cvsouth/tor-go/cell"
	"github.com/cvsouth/tor-go/circuit"
	"github.com/cvsouth/tor-go/link"
)

func TestSwitchPolicyString(t *testing.T) {
	require.Equal(t, "minimize-latency", PolicyMinimizeLatency.String())
	require.Equal(t, "minimize-total-throughput", PolicyMinimizeThroughput.String())
	require.Equal(t, "no-opinion", PolicyNoOpinion.String())
}

func newTestCoordinator(policy SwitchPolicy) *Coordinator {
	return NewCoordinator(policy, func(uint16, []byte) {})
}

func openLeg(open bool) *bool { return &open }

func TestPickLegMinimizeLatencyPrefersLowerRTTWhenOpen(t *testing.T) {
	co := newTestCoordinator(PolicyMinimizeLatency)
	co.legs[1] = &legState{id: 1, linked: true, rtt: 50 * time.Millisecond, windowOverride: openLeg(true)}
	co.legs[2] = &legState{id: 2, linked: true, rtt: 10 * time.Millisecond, windowOverride: openLeg(true)}
	co.legOrder = []uint32{1, 2}

	leg, err := co.pickLeg(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10*time.Millisecond, leg.rtt)
}

// TestPickLegMinimizeLatencySkipsClosedWindow covers spec §4.D's qualifier:
// minimize-latency only prefers the lower-RTT leg "if its send window is
// open" — otherwise it must stick with whatever leg can actually carry data.
func TestPickLegMinimizeLatencySkipsClosedWindow(t *testing.T) {
	co := newTestCoordinator(PolicyMinimizeLatency)
	co.legs[1] = &legState{id: 1, linked: true, rtt: 50 * time.Millisecond, windowOverride: openLeg(true)}
	co.legs[2] = &legState{id: 2, linked: true, rtt: 10 * time.Millisecond, windowOverride: openLeg(false)}
	co.legOrder = []uint32{1, 2}

	leg, err := co.pickLeg(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, leg.id, "lower-RTT leg's window is closed, must not be picked")
}

// TestPickLegThroughputStaysUntilWindowCloses covers spec §4.D: throughput
// mode "switches only when the current leg's window closes" rather than
// round-robining on every call.
func TestPickLegThroughputStaysUntilWindowCloses(t *testing.T) {
	co := newTestCoordinator(PolicyMinimizeThroughput)
	a := &legState{id: 1, linked: true, windowOverride: openLeg(true)}
	b := &legState{id: 2, linked: true, windowOverride: openLeg(true)}
	co.legs[1] = a
	co.legs[2] = b
	co.legOrder = []uint32{1, 2}
	ctx := context.Background()

	first, err := co.pickLeg(ctx)
	require.NoError(t, err)
	co.currentLeg, co.hasCurrent = first.id, true // as SendData records the leg it sent on
	second, err := co.pickLeg(ctx)
	require.NoError(t, err)
	require.Same(t, first, second, "must stay on the current leg while its window is open")

	first.windowOverride = openLeg(false)
	third, err := co.pickLeg(ctx)
	require.NoError(t, err)
	require.NotSame(t, first, third, "must rotate once the current leg's window closes")
}

func TestPickLegNoLinkedLegs(t *testing.T) {
	co := newTestCoordinator(PolicyNoOpinion)
	_, err := co.pickLeg(context.Background())
	require.Error(t, err)
}

func TestPickLegIgnoresUnlinked(t *testing.T) {
	co := newTestCoordinator(PolicyNoOpinion)
	co.legs[1] = &legState{id: 1, linked: false}
	co.legOrder = []uint32{1}
	_, err := co.pickLeg(context.Background())
	require.Error(t, err)
}

func TestHandleMetaDeliversLinked(t *testing.T) {
	co := newTestCoordinator(PolicyNoOpinion)
	pending := make(chan circuit.RelayMessage, 1)
	co.pendingLinks[7] = pending

	consumed := co.HandleMeta(7, 0, circuit.RelayMessage{Command: circuit.RelayConfluxLinked, Body: []byte{1, 2, 3}})
	require.True(t, consumed)

	select {
	case msg := <-pending:
		require.Equal(t, []byte{1, 2, 3}, msg.Body)
	default:
		t.Fatal("expected CONFLUX_LINKED to be forwarded to the pending-link channel")
	}
}

func TestHandleMetaLinkedAckMarksLegLinked(t *testing.T) {
	co := newTestCoordinator(PolicyNoOpinion)
	co.legs[9] = &legState{id: 9}

	co.HandleMeta(9, 0, circuit.RelayMessage{Command: circuit.RelayConfluxLinkedAck})
	require.True(t, co.legs[9].linked)
}

func TestHandleMetaSwitchRecordsPeerSequence(t *testing.T) {
	co := newTestCoordinator(PolicyNoOpinion)
	co.legs[9] = &legState{id: 9}

	body := make([]byte, 8)
	body[7] = 124
	co.HandleMeta(9, 0, circuit.RelayMessage{Command: circuit.RelayConfluxSwitch, Body: body})
	require.EqualValues(t, 124, co.legs[9].lastSeqRecv)
}

func TestDeliverSequencedReassembles(t *testing.T) {
	var got []uint16
	co := NewCoordinator(PolicyNoOpinion, func(streamID uint16, body []byte) { got = append(got, streamID) })
	co.legs[1] = &legState{id: 1}

	seq0 := make([]byte, 8)
	seq1 := make([]byte, 8)
	seq1[7] = 1

	co.DeliverSequenced(1, 5, append(seq1, 'b'))
	require.Empty(t, got)
	co.DeliverSequenced(1, 4, append(seq0, 'a'))
	require.Equal(t, []uint16{4, 5}, got)
}

func TestNLegsCountsOnlyLinked(t *testing.T) {
	co := newTestCoordinator(PolicyNoOpinion)
	co.legs[1] = &legState{id: 1, linked: true}
	co.legs[2] = &legState{id: 2, linked: false}
	require.Equal(t, 1, co.NLegs())
}

// newTestLeg builds a real, running circuit (net.Pipe-backed, single raw hop,
// no handshake) so SendData can actually write cells to the wire, following
// circuit package's own newPipeReactor pattern. It returns the leg and a
// channel fed with every cell written for that leg's circuit.
func newTestLeg(t *testing.T, id uint32) (*legState, <-chan cell.Cell) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	l := &link.Link{
		Reader: cell.NewReader(bufio.NewReader(client)),
		Writer: cell.NewWriter(client),
	}
	r := circuit.NewReactor(l, id, nil)
	go r.Run()
	t.Cleanup(r.Shutdown)

	captured := make(chan cell.Cell, 64)
	go func() {
		reader := cell.NewReader(bufio.NewReader(server))
		for {
			c, err := reader.ReadCell()
			if err != nil {
				return
			}
			captured <- c
		}
	}()

	circ := &circuit.Circuit{R: r}
	var df, db, kf, kb [32]byte
	if err := circ.AddHopRaw(context.Background(), df, db, kf, kb, circuit.HopSettings{}); err != nil {
		t.Fatalf("AddHopRaw: %v", err)
	}

	return &legState{id: id, circ: circ, hop: 0, linked: true, windowOverride: openLeg(true)}, captured
}

// drainCount reads every cell currently queued on ch without blocking.
func drainCount(ch <-chan cell.Cell) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}

// TestSendDataEmitsConfluxSwitchOnLegChange is grounded in scenario S4: a
// leg change must be announced with exactly one CONFLUX_SWITCH cell, sent on
// the new leg, before the data cell that follows it; staying on the same
// leg must not re-announce anything.
func TestSendDataEmitsConfluxSwitchOnLegChange(t *testing.T) {
	legA, capturedA := newTestLeg(t, 1)
	legB, capturedB := newTestLeg(t, 2)

	co := newTestCoordinator(PolicyMinimizeThroughput)
	co.legs[legA.id] = legA
	co.legs[legB.id] = legB
	co.legOrder = []uint32{legA.id, legB.id}
	ctx := context.Background()

	// First send ever: picks leg A, but there is no "previous" leg to
	// switch away from, so no CONFLUX_SWITCH is expected.
	require.NoError(t, co.SendData(ctx, 1, []byte("hello")))
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, drainCount(capturedA), "expected only the data cell, no switch cell, on the first send")
	require.Equal(t, 0, drainCount(capturedB))

	// Leg A's window closes: the next send must switch to leg B and emit
	// exactly one CONFLUX_SWITCH ahead of the data cell.
	legA.windowOverride = openLeg(false)
	require.NoError(t, co.SendData(ctx, 1, []byte("world")))
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 2, drainCount(capturedB), "expected CONFLUX_SWITCH + DATA on the newly-chosen leg")
	require.Equal(t, 0, drainCount(capturedA))

	// Staying on leg B must not re-emit a switch.
	require.NoError(t, co.SendData(ctx, 1, []byte("again")))
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, drainCount(capturedB))

	// Leg B's window closes, leg A's reopens: switch back.
	legB.windowOverride = openLeg(false)
	legA.windowOverride = openLeg(true)
	require.NoError(t, co.SendData(ctx, 1, []byte("back")))
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 2, drainCount(capturedA), "expected a switch back to leg A")
}
