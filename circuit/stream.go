package circuit

import "github.com/cvsouth/tor-go/cell"

// StreamLifecycle mirrors the states a stream can be in from the reactor's
// point of view (spec §4.B/§4.C).
type StreamLifecycle uint8

const (
	StreamOpening StreamLifecycle = iota
	StreamOpen
	StreamClosed
)

// StreamEventKind tags the variant of a StreamEvent.
type StreamEventKind uint8

const (
	StreamEventData StreamEventKind = iota
	StreamEventEnd
)

// StreamEvent is delivered from the reactor to the stream's consumer over a
// bounded channel; Data events carry payload bytes, End carries the reason
// the peer (or the local circuit) closed the stream.
type StreamEvent struct {
	Kind   StreamEventKind
	Data   []byte
	Reason uint8
}

const streamSendmeIncrement = 50
const initialStreamWindow = 500

// outboundChunk is one caller Write() worth of bytes (already capped at
// MaxRelayDataLen by the stream wrapper) queued for the reactor to
// packetize and send when this stream's turn comes up in the round-robin.
type outboundChunk struct {
	data []byte
	done chan error
}

// streamState is the reactor-owned bookkeeping for one open stream. It is
// never touched outside the owning Reactor's goroutine.
type streamState struct {
	id        uint16
	hop       int
	lifecycle StreamLifecycle

	outbound chan outboundChunk
	events   chan StreamEvent

	openReply chan ControlReply

	sendWindow   int
	recvWindow   int
	recvSinceAck int
}

// StreamHandle is the caller-facing view of a stream: a bounded outbound
// queue to push bytes into, and a bounded inbound event channel to read
// from. Package stream wraps this into an io.ReadWriteCloser.
type StreamHandle struct {
	ID       uint16
	Events   <-chan StreamEvent
	Target   string // peer-requested target for a handle from AcceptIncoming; empty otherwise
	outbound chan outboundChunk
	reactor  *Reactor
}

// Close sends END for this stream and releases its id for reuse.
func (h *StreamHandle) Close() error {
	reply := make(chan ControlReply, 1)
	req := ControlRequest{Op: OpCloseStream, Args: closeStreamArgs{StreamID: h.ID, Reason: EndReasonDone}, Reply: reply}
	select {
	case h.reactor.control <- req:
	case <-h.reactor.done:
		return nil
	}
	select {
	case rep := <-reply:
		return rep.Err
	case <-h.reactor.done:
		return nil
	}
}

// Send enqueues p for delivery on this stream, blocking for backpressure if
// the reactor hasn't drained enough of the queue yet, and waits for the
// reactor to confirm the chunk was handed to the wire (or the stream died).
func (h *StreamHandle) Send(p []byte) error {
	done := make(chan error, 1)
	select {
	case h.outbound <- outboundChunk{data: p, done: done}:
	case <-h.reactor.done:
		return ErrCircuitClosed
	}
	select {
	case err := <-done:
		return err
	case <-h.reactor.done:
		return ErrCircuitClosed
	}
}

// beginStreamArgs is the Args payload for OpBeginStream/OpBeginDirStream.
type beginStreamArgs struct {
	Hop     int // terminating hop; -1 means the last hop
	Target  string
	Flags   uint32
}

// handleBeginStream implements OpBeginStream/OpBeginDirStream: it allocates
// a stream id, sends BEGIN/BEGIN_DIR immediately, and defers the reply until
// CONNECTED or END arrives (spec §4.C).
func (r *Reactor) handleBeginStream(req ControlRequest, dir bool) {
	args, _ := req.Args.(beginStreamArgs)
	hop := args.Hop
	if hop < 0 {
		hop = len(r.hops) - 1
	}
	if hop < 0 || hop >= len(r.hops) {
		req.Reply <- ControlReply{Err: &BuildError{Hop: hop, Err: ErrCircuitClosed}}
		return
	}

	id := r.allocateStreamID()
	st := &streamState{
		id:        id,
		hop:       hop,
		lifecycle: StreamOpening,
		outbound:  make(chan outboundChunk, streamQueueDepth),
		events:    make(chan StreamEvent, streamEventDepth),
		openReply: req.Reply,

		sendWindow: initialStreamWindow,
		recvWindow: initialStreamWindow,
	}
	r.streams[id] = st
	r.streamOrder = append(r.streamOrder, id)

	cmd := RelayBegin
	body := []byte(args.Target)
	if dir {
		cmd = RelayBeginDir
		body = nil
	}
	if err := r.sendRelay(hop, RelayMessage{StreamID: id, Command: cmd, Body: body}); err != nil {
		delete(r.streams, id)
		req.Reply <- ControlReply{Err: err}
		return
	}
	// reply deferred to completeStreamOpen
}

// allocateStreamID returns the next unused stream id in [1, 0xFFFF],
// wrapping and skipping ids still present in the map.
func (r *Reactor) allocateStreamID() uint16 {
	for {
		id := r.nextStreamID
		r.nextStreamID++
		if r.nextStreamID == 0 {
			r.nextStreamID = 1
		}
		if _, taken := r.streams[id]; !taken {
			return id
		}
	}
}

func (r *Reactor) completeStreamOpen(st *streamState, err error) {
	if st.lifecycle != StreamOpening {
		return
	}
	st.lifecycle = StreamOpen
	if st.openReply != nil {
		handle := &StreamHandle{ID: st.id, Events: st.events, outbound: st.outbound, reactor: r}
		if err != nil {
			st.openReply <- ControlReply{Err: err}
		} else {
			st.openReply <- ControlReply{Value: handle}
		}
		st.openReply = nil
	}
}

func (r *Reactor) handleStreamData(st *streamState, body []byte) {
	st.recvSinceAck++
	select {
	case st.events <- StreamEvent{Kind: StreamEventData, Data: body}:
	default:
		// Consumer isn't keeping up; drop rather than block the reactor.
		// A well-behaved stream-level window keeps this from happening in
		// steady state (spec §4.C).
	}
	if st.recvSinceAck >= streamSendmeIncrement {
		st.recvSinceAck = 0
		_ = r.sendRelay(st.hop, RelayMessage{StreamID: st.id, Command: RelaySendMe})
	}
}

func (r *Reactor) closeStream(st *streamState, reason uint8) {
	if st.lifecycle == StreamClosed {
		return
	}
	st.lifecycle = StreamClosed
	select {
	case st.events <- StreamEvent{Kind: StreamEventEnd, Reason: reason}:
	default:
	}
	close(st.events)
	delete(r.streams, st.id)
	r.removeFromOrder(st.id)
}

func (r *Reactor) failStream(st *streamState, err error) {
	if st.lifecycle == StreamOpening {
		r.completeStreamOpen(st, err)
	}
	r.closeStream(st, EndReasonDestroy)
}

func (r *Reactor) removeFromOrder(id uint16) {
	for i, sid := range r.streamOrder {
		if sid == id {
			r.streamOrder = append(r.streamOrder[:i], r.streamOrder[i+1:]...)
			return
		}
	}
}

// sendRelay encrypts and writes a single relay message on this circuit,
// bookkeeping the target hop's send window and emitted-tag FIFO. It destroys
// the circuit instead of sending once the hop's outbound cell budget (if
// set) is exhausted (spec §4.B: n_outgoing_cells_permitted -> ExcessOutboundCells).
func (r *Reactor) sendRelay(hop int, msg RelayMessage) error {
	var hk *hopKey
	if hop >= 0 && hop < len(r.hops) {
		hk = r.hops[hop]
		if budget := hk.settings.OutboundCellBudget; budget > 0 && hk.outboundCells >= budget {
			err := &FatalCircuitError{Reason: ReasonExcessOutbound}
			r.doShutdown(err)
			return err
		}
	}

	ciphertext, tag, err := encryptOutbound(r.hops, msg, hop)
	if err != nil {
		return err
	}
	cmd := cell.CmdRelay
	if r.relayEarlySent < relayEarlyBudget {
		cmd = cell.CmdRelayEarly
		r.relayEarlySent++
	}
	c := cell.NewFixedCell(r.ID, cmd)
	copy(c.Payload(), ciphertext)
	if err := r.Link.Writer.WriteCell(c); err != nil {
		return err
	}
	hk.outboundCells++
	hk.sentSinceAck++
	if hk.sentSinceAck >= circSendmeIncrement {
		hk.sentSinceAck = 0
		hk.emittedTags = append(hk.emittedTags, tag)
		if len(hk.emittedTags) > maxEmittedTags {
			hk.emittedTags = hk.emittedTags[len(hk.emittedTags)-maxEmittedTags:]
		}
	}
	hk.sendWindow--
	return nil
}

const relayEarlyBudget = 8

// pollStreamsRoundRobin drains at most one queued chunk from each stream in
// turn, starting one position later in streamOrder on each call, so a
// single saturated stream cannot starve its siblings (spec §4.C fairness
// requirement).
func (r *Reactor) pollStreamsRoundRobin() {
	n := len(r.streamOrder)
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		idx := (r.rrCursor + i) % n
		id := r.streamOrder[idx]
		st, ok := r.streams[id]
		if !ok || st.lifecycle != StreamOpen {
			continue
		}
		if st.sendWindow <= 0 {
			continue
		}
		select {
		case chunk := <-st.outbound:
			err := r.sendRelay(st.hop, RelayMessage{StreamID: st.id, Command: RelayData, Body: chunk.data})
			if err == nil {
				st.sendWindow--
			}
			chunk.done <- err
		default:
		}
	}
	r.rrCursor = (r.rrCursor + 1) % n
}

// isConfluxCommand reports whether cmd belongs to the conflux-link family.
func isConfluxCommand(cmd uint8) bool {
	switch cmd {
	case RelayConfluxLink, RelayConfluxLinked, RelayConfluxLinkedAck, RelayConfluxSwitch:
		return true
	default:
		return false
	}
}
