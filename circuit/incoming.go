package circuit

import "fmt"

// incomingAcceptor is a one-shot acceptor for the next peer-initiated
// BEGIN/BEGIN_DIR arriving from a specific hop with no matching local
// stream — the server-role mirror of handleBeginStream's client-role open
// (spec §6 AllowIncomingStreamRequests). Like metaHandler, only one may be
// outstanding at a time; callers wanting continuous servicing re-register
// after each accepted stream, the same pump-loop pattern used elsewhere in
// this repo for continuous inbound delivery.
type incomingAcceptor struct {
	hop     int
	cmds    map[uint8]bool
	deliver func(*StreamHandle, error)
}

// acceptIncomingArgs is the Args payload for OpAcceptIncoming.
type acceptIncomingArgs struct {
	Hop  int
	Cmds []uint8
}

func (r *Reactor) handleAcceptIncoming(req ControlRequest) {
	args, _ := req.Args.(acceptIncomingArgs)
	hop := args.Hop
	if hop < 0 {
		hop = len(r.hops) - 1
	}
	if r.incomingAccept != nil {
		req.Reply <- ControlReply{Err: fmt.Errorf("circuit: an incoming-stream acceptor is already registered")}
		return
	}
	cmds := make(map[uint8]bool, len(args.Cmds))
	for _, c := range args.Cmds {
		cmds[c] = true
	}
	if len(cmds) == 0 {
		cmds[RelayBegin] = true
		cmds[RelayBeginDir] = true
	}
	r.incomingAccept = &incomingAcceptor{
		hop:  hop,
		cmds: cmds,
		deliver: func(h *StreamHandle, err error) {
			req.Reply <- ControlReply{Value: h, Err: err}
		},
	}
}

// tryAcceptIncoming handles msg as a peer-initiated stream open if a
// matching acceptor is registered for hop and msg.Command, replying
// CONNECTED and handing the new stream to the waiting caller. Returns true
// if msg was consumed this way (whether or not the open ultimately
// succeeded), so callers must not also fall through to the stream-map path.
func (r *Reactor) tryAcceptIncoming(hop int, msg RelayMessage) bool {
	acc := r.incomingAccept
	if acc == nil || acc.hop != hop || !acc.cmds[msg.Command] {
		return false
	}
	if _, taken := r.streams[msg.StreamID]; taken {
		return false
	}
	r.incomingAccept = nil

	st := &streamState{
		id:         msg.StreamID,
		hop:        hop,
		lifecycle:  StreamOpen,
		outbound:   make(chan outboundChunk, streamQueueDepth),
		events:     make(chan StreamEvent, streamEventDepth),
		sendWindow: initialStreamWindow,
		recvWindow: initialStreamWindow,
	}
	r.streams[st.id] = st
	r.streamOrder = append(r.streamOrder, st.id)

	var target string
	if msg.Command == RelayBegin {
		target = string(msg.Body)
	}
	if err := r.sendRelay(hop, RelayMessage{StreamID: st.id, Command: RelayConnected}); err != nil {
		r.closeStream(st, EndReasonDestroy)
		acc.deliver(nil, err)
		return true
	}

	acc.deliver(&StreamHandle{ID: st.id, Events: st.events, Target: target, outbound: st.outbound, reactor: r}, nil)
	return true
}
