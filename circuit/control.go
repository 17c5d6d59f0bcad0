package circuit

// handleControl dispatches one ControlRequest to its implementation. Every
// branch either replies immediately or defers the reply to a later inbound
// cell (create/extend handshakes, BEGIN) via a registered handler — it must
// never block, since it runs inline in Run()'s own select loop.
func (r *Reactor) handleControl(req ControlRequest) {
	switch req.Op {
	case OpCreateFast:
		r.beginCreateFast(req)
	case OpCreateNtor:
		r.beginCreateNtor(req)
	case OpCreateNtorV3:
		r.beginCreateNtorV3(req)
	case OpExtendNtor:
		r.beginExtendNtor(req)
	case OpExtendNtorV3:
		r.beginExtendNtorV3(req)
	case OpExtendVirtual:
		r.beginExtendVirtual(req)
	case OpExtendRaw:
		r.beginExtendRaw(req)
	case OpBeginStream:
		r.handleBeginStream(req, false)
	case OpBeginDirStream:
		r.handleBeginStream(req, true)
	case OpSendRelayCell:
		r.handleSendRelayCell(req)
	case OpLinkCircuits:
		r.handleLinkCircuits(req)
	case OpCloseStream:
		r.handleCloseStream(req)
	case OpAwaitMeta:
		r.handleAwaitMeta(req)
	case OpAcceptIncoming:
		r.handleAcceptIncoming(req)
	case OpShutdown:
		req.Reply <- ControlReply{}
		r.Shutdown()
	default:
		req.Reply <- ControlReply{Err: errUnknownOp}
	}
}

var errUnknownOp = &unknownOpError{}

type unknownOpError struct{}

func (*unknownOpError) Error() string { return "circuit: unknown control op" }

// sendRelayCellArgs is the Args payload for OpSendRelayCell: a one-shot
// fire-and-forget relay message to a given hop (RESOLVE, custom payloads).
type sendRelayCellArgs struct {
	Hop     int
	Message RelayMessage
}

func (r *Reactor) handleSendRelayCell(req ControlRequest) {
	args, _ := req.Args.(sendRelayCellArgs)
	hop := args.Hop
	if hop < 0 {
		hop = len(r.hops) - 1
	}
	err := r.sendRelay(hop, args.Message)
	req.Reply <- ControlReply{Err: err}
}

// linkCircuitsArgs attaches a ConfluxLegSink to this reactor so future
// CONFLUX_* meta cells and scheduling decisions route through it.
type linkCircuitsArgs struct {
	Sink ConfluxLegSink
}

func (r *Reactor) handleLinkCircuits(req ControlRequest) {
	args, _ := req.Args.(linkCircuitsArgs)
	r.confluxLeg = args.Sink
	req.Reply <- ControlReply{}
}

// closeStreamArgs is the Args payload for OpCloseStream.
type closeStreamArgs struct {
	StreamID uint16
	Reason   uint8
}

func (r *Reactor) handleCloseStream(req ControlRequest) {
	args, _ := req.Args.(closeStreamArgs)
	st, ok := r.streams[args.StreamID]
	if !ok {
		req.Reply <- ControlReply{}
		return
	}
	reason := args.Reason
	if reason == 0 {
		reason = EndReasonDone
	}
	_ = r.sendRelay(st.hop, RelayMessage{StreamID: st.id, Command: RelayEnd, Body: []byte{reason}})
	r.closeStream(st, reason)
	req.Reply <- ControlReply{}
}
