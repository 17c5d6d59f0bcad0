package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cvsouth/tor-go/cell"
	"github.com/cvsouth/tor-go/descriptor"
	"github.com/cvsouth/tor-go/link"
)

// controlOp enumerates the asynchronous, replyable commands a Reactor accepts
// on its control channel (spec §4.B).
type controlOp uint8

const (
	OpCreateFast controlOp = iota
	OpCreateNtor
	OpCreateNtorV3
	OpExtendNtor
	OpExtendNtorV3
	OpExtendVirtual
	OpExtendRaw
	OpBeginStream
	OpBeginDirStream
	OpSendRelayCell
	OpRegisterMeta
	OpLinkCircuits
	OpCloseStream
	OpAwaitMeta
	OpAcceptIncoming
	OpShutdown
)

// ControlRequest is a single asynchronous, replyable command.
type ControlRequest struct {
	Op    controlOp
	Args  any
	Reply chan ControlReply
}

// ControlReply carries the outcome of a ControlRequest.
type ControlReply struct {
	Err   error
	Value any
}

// internalOp enumerates the synchronous, internal commands used by tests and
// closely-coupled collaborators (spec §4.B "cmd" channel).
type internalOp uint8

const (
	OpResolveTargetHop internalOp = iota
	OpQuerySendWindow
	OpAddFakeHop
	OpGetBindingKey
	OpFirstHopClockSkew
)

// InternalRequest is a single synchronous internal command.
type InternalRequest struct {
	Op    internalOp
	Args  any
	Reply chan any
}

const (
	controlQueueDepth   = 256
	cmdQueueDepth       = 64
	inboundQueueDepth   = 64
	streamPollInterval  = 2 * time.Millisecond
	handshakeTimeout    = 30 * time.Second
	streamQueueDepth    = 64
	streamEventDepth    = 64
)

// Reactor owns one Circuit's mutable state exclusively and drives it from a
// single cooperative goroutine (spec §4.B). It is the only component that
// reads or writes hop crypto state or the stream map.
type Reactor struct {
	ID     uint32
	Link   *link.Link
	Logger *slog.Logger

	hops           []*hopKey
	streams        map[uint16]*streamState
	streamOrder    []uint16 // round-robin order for fair polling
	rrCursor       int
	nextStreamID   uint16
	relayEarlySent int

	meta           *metaHandler
	pendingCreate  *createHandler
	incomingAccept *incomingAcceptor

	control  chan ControlRequest
	cmd      chan InternalRequest
	inbound  chan cell.Cell
	shutdown chan struct{}
	done     chan struct{}

	closed     bool
	closeCause error

	// confluxLeg, when non-nil, routes CONFLUX_* traffic and outbound data
	// scheduling decisions to the tunnel-level coordinator.
	confluxLeg ConfluxLegSink
}

// ConfluxLegSink is the narrow interface the conflux coordinator implements
// so a Reactor can hand it inbound sequenced cells and ask it whether this
// leg is currently allowed to carry outbound traffic. Kept here (rather than
// importing package conflux) to avoid a dependency cycle — conflux imports
// circuit, not the other way around.
type ConfluxLegSink interface {
	HandleMeta(legID uint32, hop int, msg RelayMessage) (done bool)
	DeliverSequenced(legID uint32, streamID uint16, body []byte)
}

// NewReactor constructs a Reactor bound to a freshly allocated circuit ID on
// l. It does not start the run loop; call Run.
func NewReactor(l *link.Link, circID uint32, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		ID:           circID,
		Link:         l,
		Logger:       logger,
		streams:      make(map[uint16]*streamState),
		nextStreamID: 1, // id 0 is never used
		control:      make(chan ControlRequest, controlQueueDepth),
		cmd:          make(chan InternalRequest, cmdQueueDepth),
		inbound:      make(chan cell.Cell, inboundQueueDepth),
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Control sends req and returns its reply, or an error if the reactor has
// already exited.
func (r *Reactor) Control(ctx context.Context, op controlOp, args any) (any, error) {
	reply := make(chan ControlReply, 1)
	req := ControlRequest{Op: op, Args: args, Reply: reply}
	select {
	case r.control <- req:
	case <-r.done:
		return nil, ErrCircuitClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-reply:
		return rep.Value, rep.Err
	case <-r.done:
		return nil, ErrCircuitClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cmd sends an internal synchronous request and returns its reply.
func (r *Reactor) Cmd(ctx context.Context, op internalOp, args any) (any, error) {
	reply := make(chan any, 1)
	req := InternalRequest{Op: op, Args: args, Reply: reply}
	select {
	case r.cmd <- req:
	case <-r.done:
		return nil, ErrCircuitClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		return nil, ErrCircuitClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown requests the reactor exit; it is idempotent.
func (r *Reactor) Shutdown() {
	select {
	case <-r.shutdown:
	default:
		close(r.shutdown)
	}
}

// Done reports a channel closed once the reactor's run loop has exited.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Run starts the reactor's event loop. It reads inbound cells from the
// channel in a companion goroutine and multiplexes control/cmd/inbound/
// stream-readiness per spec §4.B, biased to drain shutdown and control
// before anything else, then round-robinning across streams so a single
// busy stream cannot starve its siblings.
func (r *Reactor) Run() {
	go r.readLoop()
	defer close(r.done)

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		// Priority pre-check: shutdown and control commands win any race
		// against inbound cells or stream readiness (spec §4.B step 1).
		select {
		case <-r.shutdown:
			r.doShutdown(nil)
			return
		case req := <-r.control:
			r.handleControl(req)
			if r.closed {
				return
			}
			continue
		default:
		}

		select {
		case <-r.shutdown:
			r.doShutdown(nil)
			return
		case req := <-r.control:
			r.handleControl(req)
		case ic := <-r.cmd:
			r.handleInternal(ic)
		case c, ok := <-r.inbound:
			if !ok {
				r.doShutdown(&FatalCircuitError{Reason: ReasonChannelClosed})
				return
			}
			r.handleInboundCell(c)
		case <-ticker.C:
			r.pollStreamsRoundRobin()
		}
		if r.closed {
			return
		}
	}
}

// readLoop feeds inbound cells from the channel into r.inbound until the
// link errors or the reactor shuts down.
func (r *Reactor) readLoop() {
	for {
		c, err := r.Link.Reader.ReadCell()
		if err != nil {
			close(r.inbound)
			return
		}
		select {
		case r.inbound <- c:
		case <-r.done:
			return
		}
	}
}

func (r *Reactor) handleInboundCell(c cell.Cell) {
	switch c.Command() {
	case cell.CmdPadding, cell.CmdVPadding:
		return
	case cell.CmdCreated2, cell.CmdCreatedFast, cell.CmdCreated:
		if r.pendingCreate == nil {
			r.doShutdown(&FatalCircuitError{Reason: ReasonMalformedMessage, Err: fmt.Errorf("unexpected %d cell with no pending CREATE", c.Command())})
			return
		}
		ph := r.pendingCreate
		r.pendingCreate = nil
		ph.deliver(c)
		return
	case cell.CmdDestroy:
		reason := uint8(0)
		if len(c.Payload()) > 0 {
			reason = c.Payload()[0]
		}
		r.doShutdown(&FatalCircuitError{Reason: ReasonPeerDestroy, Err: fmt.Errorf("reason=%d", reason)})
		return
	case cell.CmdRelay, cell.CmdRelayEarly:
		hop, msg, tag, err := decryptInbound(r.hops, c)
		if err != nil {
			r.doShutdown(&FatalCircuitError{Reason: ReasonUnrecognizedCell, Err: err})
			return
		}
		if hop >= 0 && hop < len(r.hops) {
			hk := r.hops[hop]
			if budget := hk.settings.InboundCellBudget; budget > 0 {
				hk.inboundCells++
				if hk.inboundCells > budget {
					r.doShutdown(&FatalCircuitError{Reason: ReasonExcessInbound})
					return
				}
			}
		}
		r.dispatchRelay(hop, msg, tag)
	default:
		r.doShutdown(&FatalCircuitError{Reason: ReasonMalformedMessage, Err: fmt.Errorf("unexpected channel cell command %d", c.Command())})
	}
}

func (r *Reactor) dispatchRelay(hop int, msg RelayMessage, tag SendmeTag) {
	if msg.Command == RelaySendMe && msg.StreamID == 0 {
		r.handleCircuitSendme(hop, tag)
		return
	}
	if isConfluxCommand(msg.Command) {
		if r.confluxLeg == nil {
			r.doShutdown(&FatalCircuitError{Reason: ReasonConfluxViolation, Err: fmt.Errorf("conflux cell on unlinked circuit")})
			return
		}
		r.confluxLeg.HandleMeta(r.ID, hop, msg)
		return
	}

	if isMetaCommand(msg.Command) {
		consumed, fatal := r.dispatchMeta(hop, msg)
		if fatal != nil {
			r.doShutdown(fatal)
			return
		}
		if consumed {
			return
		}
		return
	}

	if msg.Command == RelayData {
		r.noteCircuitDataReceived(hop, tag)
	}

	if r.confluxLeg != nil && msg.Command == RelayData {
		// On a linked circuit, data arrives out of the logical tunnel's
		// sequence order (that's the point of running multiple legs); the
		// coordinator, not this leg, decides how to reorder and deliver it.
		r.confluxLeg.DeliverSequenced(r.ID, msg.StreamID, msg.Body)
		return
	}

	if msg.Command == RelayBegin || msg.Command == RelayBeginDir {
		if r.tryAcceptIncoming(hop, msg) {
			return
		}
	}

	st, ok := r.streams[msg.StreamID]
	if !ok {
		// Peer raced with our close: drop silently for DATA/END (spec §4.B).
		return
	}

	switch msg.Command {
	case RelayConnected:
		r.completeStreamOpen(st, nil)
	case RelayData:
		r.handleStreamData(st, msg.Body)
	case RelayEnd:
		reason := uint8(EndReasonMisc)
		if len(msg.Body) > 0 {
			reason = msg.Body[0]
		}
		if st.lifecycle == StreamOpening {
			r.completeStreamOpen(st, &StreamEndError{Reason: reason})
		}
		r.closeStream(st, reason)
	case RelaySendMe:
		st.sendWindow += streamSendmeIncrement
	default:
		r.closeStream(st, EndReasonMisc)
	}
}

// noteCircuitDataReceived tracks inbound data cells per hop and emits a
// circuit-level SENDME every 100 cells, echoing the tag from the digest
// state at the time of emission (spec §4.B: "every 100 data cells in a
// direction trigger a circuit-level SENDME").
func (r *Reactor) noteCircuitDataReceived(hop int, tag SendmeTag) {
	if hop < 0 || hop >= len(r.hops) {
		return
	}
	hk := r.hops[hop]
	hk.recvWindow--
	hk.recvSinceAck++
	if hk.recvSinceAck >= circSendmeIncrement {
		hk.recvSinceAck = 0
		hk.recvWindow += circSendmeIncrement
		_ = r.sendRelay(hop, RelayMessage{StreamID: 0, Command: RelaySendMe, Body: tag[:]})
	}
}

func (r *Reactor) handleCircuitSendme(hop int, tag SendmeTag) {
	if hop < 0 || hop >= len(r.hops) {
		return
	}
	hk := r.hops[hop]
	if len(hk.emittedTags) == 0 {
		r.doShutdown(&FatalCircuitError{Reason: ReasonSendmeTagMismatch, Err: fmt.Errorf("no outstanding tags")})
		return
	}
	expected := hk.emittedTags[0]
	if expected != tag {
		r.doShutdown(&FatalCircuitError{Reason: ReasonSendmeTagMismatch})
		return
	}
	hk.emittedTags = hk.emittedTags[1:]
	hk.sendWindow += circSendmeIncrement
}

// doShutdown tears the circuit down: it stops accepting new work, notifies
// all attached streams with CircuitClosed, sends DESTROY if the channel is
// still live, and exits the run loop.
func (r *Reactor) doShutdown(cause error) {
	if r.closed {
		return
	}
	r.closed = true
	r.closeCause = cause
	for _, st := range r.streams {
		r.failStream(st, ErrCircuitClosed)
	}
	if fce, ok := cause.(*FatalCircuitError); !ok || fce.Reason != ReasonChannelClosed {
		destroy := cell.NewFixedCell(r.ID, cell.CmdDestroy)
		destroy.Payload()[0] = 0
		_ = r.Link.Writer.WriteCell(destroy)
	}
	if cause != nil {
		r.Logger.Warn("circuit destroyed", "circID", r.ID, "cause", cause)
	}
	r.drainControlQueue()
}

// drainControlQueue replies ErrCircuitClosed to any command still queued
// after shutdown, so no caller blocks forever.
func (r *Reactor) drainControlQueue() {
	for {
		select {
		case req := <-r.control:
			req.Reply <- ControlReply{Err: ErrCircuitClosed}
		default:
			return
		}
	}
}

func (r *Reactor) handleInternal(ic InternalRequest) {
	switch ic.Op {
	case OpQuerySendWindow:
		hop, _ := ic.Args.(int)
		if hop < 0 || hop >= len(r.hops) {
			ic.Reply <- -1
			return
		}
		ic.Reply <- r.hops[hop].sendWindow
	case OpAddFakeHop:
		hk, _ := ic.Args.(*hopKey)
		r.hops = append(r.hops, hk)
		ic.Reply <- len(r.hops)
	case OpResolveTargetHop:
		ic.Reply <- len(r.hops) - 1
	case OpGetBindingKey:
		hop, _ := ic.Args.(int)
		if hop < 0 || hop >= len(r.hops) {
			ic.Reply <- []byte(nil)
			return
		}
		ic.Reply <- r.hops[hop].bindingKey
	case OpFirstHopClockSkew:
		ic.Reply <- time.Duration(0)
	default:
		ic.Reply <- nil
	}
}

// NHops reports the current hop count. Safe to call only from within the
// reactor goroutine (internal helpers) or via Cmd(OpResolveTargetHop,...)
// from the outside.
func (r *Reactor) NHops() int { return len(r.hops) }

// firstHopRelayInfo is an alias of descriptor.RelayInfo. Nothing in this
// package refers to it; extend.go imports package descriptor directly.
type firstHopRelayInfo = descriptor.RelayInfo
