package circuit

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/cvsouth/tor-go/descriptor"
	"github.com/cvsouth/tor-go/link"
)

// MaxRelayEarly is the maximum number of RELAY_EARLY cells per circuit (tor-spec §5.6).
const MaxRelayEarly = relayEarlyBudget

// Circuit is the caller-facing handle for a built circuit: a thin wrapper
// that turns blocking-looking calls into Control/Cmd round trips against the
// Reactor goroutine that actually owns the circuit's hop and stream state
// (spec §4.B "one goroutine per circuit").
type Circuit struct {
	R *Reactor
}

// Create starts a new circuit's reactor goroutine and performs a
// CREATE2/ntor or CREATE2/ntor-v3 handshake (chosen by ChooseHandshake(caps))
// to build a single-hop circuit. CREATE_FAST is done by CreateFast instead.
func Create(ctx context.Context, l *link.Link, relayInfo *descriptor.RelayInfo, params CircParameters, caps RelayCapabilities, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}

	circID, err := claimCircID(l)
	if err != nil {
		return nil, fmt.Errorf("allocate circuit ID: %w", err)
	}
	logger.Info("circuit ID allocated", "circID", fmt.Sprintf("0x%08x", circID))

	r := NewReactor(l, circID, logger)
	go r.Run()

	settings := NegotiateHopSettings(params, caps)
	op := OpCreateNtor
	if ChooseHandshake(caps) == HandshakeNtorV3 {
		op = OpCreateNtorV3
	}
	if _, err := r.Control(ctx, op, createArgs{RelayInfo: relayInfo, Settings: settings}); err != nil {
		r.Shutdown()
		l.ReleaseCircID(circID)
		return nil, err
	}
	return &Circuit{R: r}, nil
}

// CreateFast performs a CREATE_FAST/CREATED_FAST handshake — used only for
// the first hop when no relay descriptor/onion key is available yet (tor-spec §5.1).
func CreateFast(ctx context.Context, l *link.Link, params CircParameters, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	circID, err := claimCircID(l)
	if err != nil {
		return nil, fmt.Errorf("allocate circuit ID: %w", err)
	}
	r := NewReactor(l, circID, logger)
	go r.Run()

	settings := NegotiateHopSettings(params, RelayCapabilities{})
	if _, err := r.Control(ctx, OpCreateFast, createFastArgs{Settings: settings}); err != nil {
		r.Shutdown()
		l.ReleaseCircID(circID)
		return nil, err
	}
	return &Circuit{R: r}, nil
}

// Extend extends the circuit through an additional relay via EXTEND2,
// preferring the ntor-v3 subprotocol when caps advertises it.
func (c *Circuit) Extend(ctx context.Context, relayInfo *descriptor.RelayInfo, params CircParameters, caps RelayCapabilities) error {
	settings := NegotiateHopSettings(params, caps)
	op := OpExtendNtor
	if ChooseHandshake(caps) == HandshakeNtorV3 {
		op = OpExtendNtorV3
	}
	_, err := c.R.Control(ctx, op, extendArgs{RelayInfo: relayInfo, Settings: settings})
	return err
}

// ExtendVirtual appends a hop derived from an out-of-band shared secret —
// used to attach the virtual onion-service hop after RENDEZVOUS2 (spec §4.E).
func (c *Circuit) ExtendVirtual(ctx context.Context, sharedSecret []byte, settings HopSettings) error {
	_, err := c.R.Control(ctx, OpExtendVirtual, extendVirtualArgs{SharedSecret: sharedSecret, Settings: settings})
	return err
}

// BeginStream opens a data stream over hop (-1 for the last hop), blocking
// until CONNECTED or END arrives.
func (c *Circuit) BeginStream(ctx context.Context, hop int, target string) (*StreamHandle, error) {
	v, err := c.R.Control(ctx, OpBeginStream, beginStreamArgs{Hop: hop, Target: target})
	if err != nil {
		return nil, err
	}
	return v.(*StreamHandle), nil
}

// BeginDirStream opens a directory (BEGIN_DIR) stream over hop.
func (c *Circuit) BeginDirStream(ctx context.Context, hop int) (*StreamHandle, error) {
	v, err := c.R.Control(ctx, OpBeginDirStream, beginStreamArgs{Hop: hop})
	if err != nil {
		return nil, err
	}
	return v.(*StreamHandle), nil
}

// SendRelayCell fires a one-shot relay message (e.g. RESOLVE) without
// opening a stream.
func (c *Circuit) SendRelayCell(ctx context.Context, hop int, msg RelayMessage) error {
	_, err := c.R.Control(ctx, OpSendRelayCell, sendRelayCellArgs{Hop: hop, Message: msg})
	return err
}

// AwaitMeta blocks for the next non-stream relay message expected from hop
// (-1 for the last hop) — used for the rendezvous/introduction responses
// (RENDEZVOUS_ESTABLISHED, INTRODUCE_ACK, RENDEZVOUS2) that carry no stream id.
func (c *Circuit) AwaitMeta(ctx context.Context, hop int) (RelayMessage, error) {
	v, err := c.R.Control(ctx, OpAwaitMeta, awaitMetaArgs{Hop: hop})
	if err != nil {
		return RelayMessage{}, err
	}
	return v.(RelayMessage), nil
}

// AddHop appends a hop whose crypto state was derived out of band (used for
// the onion-service virtual hop after the hs-ntor rendezvous handshake).
func (c *Circuit) AddHop(ctx context.Context, sharedSecret []byte, settings HopSettings) error {
	return c.ExtendVirtual(ctx, sharedSecret, settings)
}

// AddHopRaw appends a hop from hs-ntor's four independently-derived keys
// (Df, Db, Kf, Kb from HsNtorExpandKeys) rather than a single shared secret —
// unlike AddHop, the keys are used as-is with no further KDF expansion.
func (c *Circuit) AddHopRaw(ctx context.Context, df, db, kf, kb [32]byte, settings HopSettings) error {
	_, err := c.R.Control(ctx, OpExtendRaw, extendRawArgs{Df: df, Db: db, Kf: kf, Kb: kb, Settings: settings})
	return err
}

// LinkConflux attaches sink as this circuit's conflux leg handler.
func (c *Circuit) LinkConflux(ctx context.Context, sink ConfluxLegSink) error {
	_, err := c.R.Control(ctx, OpLinkCircuits, linkCircuitsArgs{Sink: sink})
	return err
}

// AcceptIncoming blocks for the next peer-initiated BEGIN/BEGIN_DIR arriving
// from hop (-1 for the last hop) whose command is in cmds (all BEGIN
// commands if cmds is empty), replies CONNECTED, and returns a StreamHandle
// for it — the server-role counterpart to BeginStream, used to let a remote
// peer open streams back through this circuit (spec §6
// AllowIncomingStreamRequests). Only one call may be outstanding per circuit
// at a time; callers servicing a steady stream of incoming requests call it
// again in a loop after each returned handle.
func (c *Circuit) AcceptIncoming(ctx context.Context, hop int, cmds []uint8) (*StreamHandle, error) {
	v, err := c.R.Control(ctx, OpAcceptIncoming, acceptIncomingArgs{Hop: hop, Cmds: cmds})
	if err != nil {
		return nil, err
	}
	h, _ := v.(*StreamHandle)
	return h, nil
}

// SendWindowOpen reports whether hop's circuit-level send window still has
// room for another data cell, for callers (the conflux coordinator) that
// must decide which leg to use without sending through a closed window.
func (c *Circuit) SendWindowOpen(ctx context.Context, hop int) (bool, error) {
	if hop < 0 {
		n, err := c.NHops(ctx)
		if err != nil {
			return false, err
		}
		hop = n - 1
	}
	v, err := c.R.Cmd(ctx, OpQuerySendWindow, hop)
	if err != nil {
		return false, err
	}
	window, _ := v.(int)
	return window > 0, nil
}

// BindingKey returns the channel-binding key material for hop (-1 for the
// last hop), or nil if that hop's handshake doesn't derive one (legacy ntor).
func (c *Circuit) BindingKey(ctx context.Context, hop int) ([]byte, error) {
	if hop < 0 {
		n, err := c.NHops(ctx)
		if err != nil {
			return nil, err
		}
		hop = n - 1
	}
	v, err := c.R.Cmd(ctx, OpGetBindingKey, hop)
	if err != nil {
		return nil, err
	}
	key, _ := v.([]byte)
	return key, nil
}

// FirstHopClockSkew reports the first hop's clock skew as answered by the
// reactor. The reactor does not measure skew; the value is always zero.
func (c *Circuit) FirstHopClockSkew(ctx context.Context) (time.Duration, error) {
	v, err := c.R.Cmd(ctx, OpFirstHopClockSkew, nil)
	if err != nil {
		return 0, err
	}
	d, _ := v.(time.Duration)
	return d, nil
}

// NHops returns the current hop count.
func (c *Circuit) NHops(ctx context.Context) (int, error) {
	v, err := c.R.Cmd(ctx, OpResolveTargetHop, nil)
	if err != nil {
		return 0, err
	}
	return v.(int) + 1, nil
}

// Destroy tears the circuit down and releases its circuit ID.
func (c *Circuit) Destroy() {
	c.R.Shutdown()
	<-c.R.Done()
	c.R.Link.ReleaseCircID(c.R.ID)
}

func claimCircID(l *link.Link) (uint32, error) {
	for attempts := 0; attempts < 16; attempts++ {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint32(buf[:]) | 0x80000000
		if l.ClaimCircID(id) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("failed to allocate unique circuit ID after 16 attempts")
}
