package conflux

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cvsouth/tor-go/circuit"
)

// seqPrefixLen is the width of the sequence-number prefix Coordinator writes
// ahead of every RELAY_DATA body it sends, so the receiving Coordinator can
// reassemble one ordered stream out of cells that arrive over several legs.
// Arti's conflux cells carry no such prefix (ordering is implicit in cell
// count per relay-visible circuit); since legs here are plain client-side
// circuits with no relay-side conflux awareness, an explicit counter is the
// simplest way to reproduce the same reordering contract end to end.
const seqPrefixLen = 8

// legState is one linked circuit's sequencing and RTT bookkeeping, grounded
// on msghandler.rs's AbstractConfluxMsgHandler (init_rtt, last_seq_recv/sent,
// inc_last_seq_recv/sent).
type legState struct {
	id   uint32
	circ *circuit.Circuit
	hop  int

	linked      bool
	linkSent    time.Time
	rtt         time.Duration
	lastSeqRecv uint64
	lastSeqSent uint64

	// windowOverride lets tests exercise pickLeg's window-open qualifier
	// without driving a real circuit's send window to exhaustion; nil means
	// defer to circ (or treat as open, for legs with no circ at all).
	windowOverride *bool
}

// sendWindowOpen reports whether this leg currently has room in its
// circuit-level send window, per windowOverride if set.
func (l *legState) sendWindowOpen(ctx context.Context) bool {
	if l.windowOverride != nil {
		return *l.windowOverride
	}
	if l.circ == nil {
		return true
	}
	open, err := l.circ.SendWindowOpen(ctx, l.hop)
	if err != nil {
		return false
	}
	return open
}

func (l *legState) noteLinkSent()          { l.linkSent = time.Now() }
func (l *legState) initRTT()               { l.rtt = time.Since(l.linkSent) }
func (l *legState) incLastSeqSent() uint64 { l.lastSeqSent++; return l.lastSeqSent }
func (l *legState) incLastSeqRecv()        { l.lastSeqRecv++ }

// Coordinator multiplexes one logical tunnel's data across its linked legs
// and reassembles inbound data back into sequence order. It implements
// circuit.ConfluxLegSink, so a Reactor hands it CONFLUX_* meta cells and
// sequenced RELAY_DATA directly once a circuit is linked via Circuit.LinkConflux.
type Coordinator struct {
	policy SwitchPolicy

	onDeliver func(streamID uint16, body []byte)

	mu           sync.Mutex
	legs         map[uint32]*legState
	legOrder     []uint32 // stable order for round-robin throughput spreading
	rrCursor     int
	pendingLinks map[uint32]chan circuit.RelayMessage
	outSeq       uint64
	buf          *reorderBuffer

	currentLeg uint32 // legID SendData last sent on
	hasCurrent bool
}

// NewCoordinator constructs a Coordinator that delivers reassembled data to
// onDeliver in strict sequence order.
func NewCoordinator(policy SwitchPolicy, onDeliver func(streamID uint16, body []byte)) *Coordinator {
	return &Coordinator{
		policy:       policy,
		onDeliver:    onDeliver,
		legs:         make(map[uint32]*legState),
		pendingLinks: make(map[uint32]chan circuit.RelayMessage),
		buf:          newReorderBuffer(),
	}
}

// AddPrimary registers circ as the tunnel's first (already-built) leg without
// performing the CONFLUX_LINK handshake — the primary leg is the circuit the
// tunnel was already using before conflux was negotiated.
func (co *Coordinator) AddPrimary(ctx context.Context, circ *circuit.Circuit, hop int) error {
	if err := circ.LinkConflux(ctx, co); err != nil {
		return fmt.Errorf("link primary leg: %w", err)
	}
	legID := circ.R.ID
	co.mu.Lock()
	co.legs[legID] = &legState{id: legID, circ: circ, hop: hop, linked: true}
	co.legOrder = append(co.legOrder, legID)
	co.mu.Unlock()
	return nil
}

// LinkSecondary performs the CONFLUX_LINK / CONFLUX_LINKED / CONFLUX_LINKED_ACK
// handshake (tor-spec prop#329) over circ and, on success, adds it as an
// additional leg of this tunnel. Must be called from a goroutine other than
// circ's own reactor (it makes blocking Control calls against circ).
func (co *Coordinator) LinkSecondary(ctx context.Context, circ *circuit.Circuit, hop int, nonce [8]byte) error {
	legID := circ.R.ID

	linked := make(chan circuit.RelayMessage, 1)
	co.mu.Lock()
	co.pendingLinks[legID] = linked
	co.mu.Unlock()
	defer func() {
		co.mu.Lock()
		delete(co.pendingLinks, legID)
		co.mu.Unlock()
	}()

	if err := circ.LinkConflux(ctx, co); err != nil {
		return fmt.Errorf("install conflux sink: %w", err)
	}

	leg := &legState{id: legID, circ: circ, hop: hop}
	leg.noteLinkSent()

	if err := circ.SendRelayCell(ctx, hop, circuit.RelayMessage{Command: circuit.RelayConfluxLink, Body: nonce[:]}); err != nil {
		return fmt.Errorf("send CONFLUX_LINK: %w", err)
	}

	select {
	case <-linked:
		leg.initRTT()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := circ.SendRelayCell(ctx, hop, circuit.RelayMessage{Command: circuit.RelayConfluxLinkedAck}); err != nil {
		return fmt.Errorf("send CONFLUX_LINKED_ACK: %w", err)
	}

	leg.linked = true
	co.mu.Lock()
	co.legs[legID] = leg
	co.legOrder = append(co.legOrder, legID)
	co.mu.Unlock()
	return nil
}

// HandleMeta implements circuit.ConfluxLegSink. It is called synchronously
// from the owning circuit's reactor goroutine, so it must never block or
// make a Control call back against that same circuit. A cell arriving on a
// leg Coordinator does not know about is ignored.
func (co *Coordinator) HandleMeta(legID uint32, hop int, msg circuit.RelayMessage) bool {
	switch msg.Command {
	case circuit.RelayConfluxLinked:
		co.mu.Lock()
		ch := co.pendingLinks[legID]
		co.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg:
			default:
			}
		}
	case circuit.RelayConfluxLinkedAck:
		co.mu.Lock()
		if leg, ok := co.legs[legID]; ok {
			leg.linked = true
		}
		co.mu.Unlock()
	case circuit.RelayConfluxSwitch:
		// The peer's 8-byte sequence value is stored as this leg's
		// lastSeqRecv; pickLeg does not consult it.
		co.mu.Lock()
		if leg, ok := co.legs[legID]; ok && len(msg.Body) >= 8 {
			leg.lastSeqRecv = binary.BigEndian.Uint64(msg.Body[:8])
		}
		co.mu.Unlock()
	}
	return true
}

// DeliverSequenced implements circuit.ConfluxLegSink. It strips the sequence
// prefix SendData wrote, feeds the cell into the reorder buffer, and drains
// any now-contiguous run to onDeliver. Also called synchronously from the
// reactor goroutine — must not block.
func (co *Coordinator) DeliverSequenced(legID uint32, streamID uint16, body []byte) {
	if len(body) < seqPrefixLen {
		return
	}
	seq := binary.BigEndian.Uint64(body[:seqPrefixLen])
	payload := append([]byte(nil), body[seqPrefixLen:]...)

	co.mu.Lock()
	if leg, ok := co.legs[legID]; ok {
		leg.incLastSeqRecv()
	}
	err := co.buf.accept(&seqCell{seq: seq, streamID: streamID, body: payload}, co.onDeliver)
	co.mu.Unlock()

	if err != nil {
		// The buffer genuinely cannot hold this cell: treat it as a fatal
		// tunnel-level condition by destroying every linked leg, mirroring
		// msghandler.rs's handle_msg returning a hard error on an invalid
		// sequence jump.
		go co.destroyAllLegs()
	}
}

// SendData assigns the next sequence number, picks a leg per policy, emits a
// CONFLUX_SWITCH cell when that pick changes the carrying leg (spec §4.D:
// "On switch, emit a CONFLUX_SWITCH cell containing the seq-no delta since
// the last cell sent on the new leg"), and sends the data cell. Safe to call
// from any goroutine other than a linked leg's own reactor.
func (co *Coordinator) SendData(ctx context.Context, streamID uint16, data []byte) error {
	leg, err := co.pickLeg(ctx)
	if err != nil {
		return err
	}

	co.mu.Lock()
	switched := co.hasCurrent && co.currentLeg != leg.id
	var switchDelta uint64
	if switched {
		switchDelta = co.outSeq - leg.lastSeqSent
	}
	co.currentLeg = leg.id
	co.hasCurrent = true
	co.outSeq++
	seq := co.outSeq
	leg.lastSeqSent = seq
	co.mu.Unlock()

	if switched {
		body := make([]byte, 8)
		binary.BigEndian.PutUint64(body, switchDelta)
		if err := leg.circ.SendRelayCell(ctx, leg.hop, circuit.RelayMessage{Command: circuit.RelayConfluxSwitch, Body: body}); err != nil {
			return fmt.Errorf("send CONFLUX_SWITCH: %w", err)
		}
	}

	wire := make([]byte, seqPrefixLen+len(data))
	binary.BigEndian.PutUint64(wire[:seqPrefixLen], seq)
	copy(wire[seqPrefixLen:], data)

	return leg.circ.SendRelayCell(ctx, leg.hop, circuit.RelayMessage{StreamID: streamID, Command: circuit.RelayData, Body: wire})
}

// pickLeg selects the leg that should carry the next outbound cell per the
// Coordinator's SwitchPolicy (spec §4.D): minimize-latency picks the
// smallest-RTT leg among those whose send window is open; minimize-throughput
// stays on the current leg until its window closes, then rotates to the next
// open leg; no-opinion always uses the first linked leg.
func (co *Coordinator) pickLeg(ctx context.Context) (*legState, error) {
	co.mu.Lock()
	var candidates []*legState
	for _, id := range co.legOrder {
		if l, ok := co.legs[id]; ok && l.linked {
			candidates = append(candidates, l)
		}
	}
	policy := co.policy
	currentID := co.currentLeg
	hasCurrent := co.hasCurrent
	co.mu.Unlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("conflux: no linked legs")
	}

	open := make(map[uint32]bool, len(candidates))
	for _, l := range candidates {
		open[l.id] = l.sendWindowOpen(ctx)
	}

	var current *legState
	if hasCurrent {
		for _, l := range candidates {
			if l.id == currentID {
				current = l
				break
			}
		}
	}

	switch policy {
	case PolicyMinimizeLatency:
		var best *legState
		for _, l := range candidates {
			if !open[l.id] {
				continue
			}
			if best == nil || l.rtt < best.rtt {
				best = l
			}
		}
		if best != nil {
			return best, nil
		}
		if current != nil {
			return current, nil
		}
		return candidates[0], nil
	case PolicyMinimizeThroughput:
		if current != nil && open[current.id] {
			return current, nil
		}
		co.mu.Lock()
		l := candidates[co.rrCursor%len(candidates)]
		co.rrCursor++
		co.mu.Unlock()
		return l, nil
	default: // PolicyNoOpinion
		return candidates[0], nil
	}
}

// NLegs reports the number of currently linked legs.
func (co *Coordinator) NLegs() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	n := 0
	for _, l := range co.legs {
		if l.linked {
			n++
		}
	}
	return n
}

func (co *Coordinator) destroyAllLegs() {
	co.mu.Lock()
	legs := make([]*legState, 0, len(co.legs))
	for _, l := range co.legs {
		legs = append(legs, l)
	}
	co.mu.Unlock()
	for _, l := range legs {
		l.circ.Destroy()
	}
}
