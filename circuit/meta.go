package circuit

import "fmt"

// metaHandler answers exactly one outstanding non-stream relay message
// (EXTENDED2, RESOLVED, or a rendezvous/introduction response). CONFLUX_*
// cells never reach it: dispatchRelay hands them to the circuit's conflux
// leg sink first. Spec §4.B models this as an
// explicit single-shot slot rather than a suspended coroutine (design note
// §9): registering a second handler while one is outstanding fails
// immediately, and a message from any hop but the expected one is fatal.
type metaHandler struct {
	expectHop int
	deliver   func(hop int, msg RelayMessage) (done bool)
}

// registerMeta installs h as the circuit's sole outstanding meta handler.
// It fails if one is already registered — spec §4.B.
func (r *Reactor) registerMeta(expectHop int, deliver func(int, RelayMessage) bool) error {
	if r.meta != nil {
		return fmt.Errorf("a meta handler is already outstanding on this circuit")
	}
	r.meta = &metaHandler{expectHop: expectHop, deliver: deliver}
	return nil
}

// dispatchMeta routes a non-stream relay message to the registered handler.
// A message from a hop other than expected is a fatal protocol violation.
// Returns true if the message was consumed by a meta handler.
func (r *Reactor) dispatchMeta(hop int, msg RelayMessage) (consumed bool, fatal *FatalCircuitError) {
	if r.meta == nil {
		return false, nil
	}
	if hop != r.meta.expectHop {
		return true, &FatalCircuitError{Reason: ReasonMetaWrongHop}
	}
	done := r.meta.deliver(hop, msg)
	if done {
		r.meta = nil
	}
	return true, nil
}

// isMetaCommand reports whether cmd never belongs to a stream and must be
// routed to the meta handler instead of the stream map.
func isMetaCommand(cmd uint8) bool {
	switch cmd {
	case RelayExtended2, RelayResolved,
		RelayConfluxLink, RelayConfluxLinked, RelayConfluxLinkedAck, RelayConfluxSwitch,
		RelayRendezvousEstablished, RelayIntroduceAck, RelayRendezvous2,
		RelayIntroEstablished, RelayIntroduce2:
		return true
	default:
		return false
	}
}

// awaitMetaArgs is the Args payload for OpAwaitMeta: wait for the next
// non-stream relay message expected from hop (rendezvous/introduction
// protocol responses, which have no stream id of their own).
type awaitMetaArgs struct {
	Hop int
}

// handleAwaitMeta registers a one-shot meta handler that completes req with
// whatever RelayMessage next arrives from the expected hop.
func (r *Reactor) handleAwaitMeta(req ControlRequest) {
	args, _ := req.Args.(awaitMetaArgs)
	hop := args.Hop
	if hop < 0 {
		hop = len(r.hops) - 1
	}
	if err := r.registerMeta(hop, func(_ int, msg RelayMessage) bool {
		req.Reply <- ControlReply{Value: msg}
		return true
	}); err != nil {
		req.Reply <- ControlReply{Err: err}
	}
}
