package circuit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/cvsouth/tor-go/cell"
	"github.com/cvsouth/tor-go/descriptor"
	"github.com/cvsouth/tor-go/ntor"
)

// LinkSpecType constants for EXTEND2 link specifiers.
const (
	LinkSpecIPv4    = 0x00 // 6 bytes: 4 IP + 2 port
	LinkSpecIPv6    = 0x01 // 18 bytes: 16 IP + 2 port
	LinkSpecRSAID   = 0x02 // 20 bytes: RSA identity fingerprint
	LinkSpecEd25519 = 0x03 // 32 bytes: Ed25519 identity
)

// createHandler answers the single CREATED2/CREATED_FAST/CREATED cell
// expected for the first hop; there is at most one outstanding at a time
// since no streams exist yet on an unestablished circuit.
type createHandler struct {
	deliver func(cell.Cell)
}

type createArgs struct {
	RelayInfo *descriptor.RelayInfo
	Settings  HopSettings
}

type createFastArgs struct {
	Settings HopSettings
}

type extendArgs struct {
	RelayInfo *descriptor.RelayInfo
	Settings  HopSettings
}

type extendVirtualArgs struct {
	SharedSecret []byte
	Settings     HopSettings
}

// beginCreateNtor sends CREATE2/ntor for the first hop and defers the reply
// to the CREATED2 cell.
func (r *Reactor) beginCreateNtor(req ControlRequest) {
	args, _ := req.Args.(createArgs)
	hs, err := ntor.NewHandshake(args.RelayInfo.NodeID, args.RelayInfo.NtorOnionKey)
	if err != nil {
		req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: err}}
		return
	}

	clientData := hs.ClientData()
	create2 := cell.NewFixedCell(r.ID, cell.CmdCreate2)
	p := create2.Payload()
	binary.BigEndian.PutUint16(p[0:2], 0x0002) // HTYPE = ntor
	binary.BigEndian.PutUint16(p[2:4], 84)
	copy(p[4:88], clientData[:])

	r.pendingCreate = &createHandler{deliver: func(c cell.Cell) {
		defer hs.Close()
		if c.Command() != cell.CmdCreated2 {
			req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: fmt.Errorf("expected CREATED2, got command %d", c.Command())}}
			return
		}
		rp := c.Payload()
		hlen := binary.BigEndian.Uint16(rp[0:2])
		if hlen != 64 {
			req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: fmt.Errorf("CREATED2 HLEN=%d, expected 64", hlen)}}
			return
		}
		var serverData [64]byte
		copy(serverData[:], rp[2:66])
		km, err := hs.Complete(serverData)
		if err != nil {
			req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: err}}
			return
		}
		hop, err := deriveHopFromVariant(km, args.Settings)
		clear(km.Kf[:])
		clear(km.Kb[:])
		if err != nil {
			req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: err}}
			return
		}
		r.hops = append(r.hops, hop)
		req.Reply <- ControlReply{}
	}}

	if err := r.Link.Writer.WriteCell(create2); err != nil {
		r.pendingCreate = nil
		hs.Close()
		req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: err}}
	}
}

// beginCreateNtorV3 is the NtorV3 analog of beginCreateNtor, negotiating the
// congestion-control/cell-budget extensions from settings.
func (r *Reactor) beginCreateNtorV3(req ControlRequest) {
	args, _ := req.Args.(createArgs)
	exts := encodeHopExtensions(args.Settings)
	hs, err := ntor.NewHandshakeV3(args.RelayInfo.NodeID, args.RelayInfo.NtorOnionKey, exts)
	if err != nil {
		req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: err}}
		return
	}

	clientData := hs.ClientData()
	create2 := cell.NewFixedCell(r.ID, cell.CmdCreate2)
	p := create2.Payload()
	binary.BigEndian.PutUint16(p[0:2], 0x0003) // HTYPE = ntor-v3
	binary.BigEndian.PutUint16(p[2:4], uint16(len(clientData)))
	copy(p[4:], clientData)

	r.pendingCreate = &createHandler{deliver: func(c cell.Cell) {
		defer hs.Close()
		if c.Command() != cell.CmdCreated2 {
			req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: fmt.Errorf("expected CREATED2, got command %d", c.Command())}}
			return
		}
		rp := c.Payload()
		hlen := binary.BigEndian.Uint16(rp[0:2])
		serverData := rp[2 : 2+int(hlen)]
		km, err := hs.Complete(serverData)
		if err != nil {
			req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: err}}
			return
		}
		hop, err := deriveHopFromV3(km, args.Settings)
		clear(km.Kf[:])
		clear(km.Kb[:])
		if err != nil {
			req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: err}}
			return
		}
		r.hops = append(r.hops, hop)
		req.Reply <- ControlReply{}
	}}

	if err := r.Link.Writer.WriteCell(create2); err != nil {
		r.pendingCreate = nil
		hs.Close()
		req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: err}}
	}
}

// beginCreateFast sends CREATE_FAST for the first hop when no relay
// descriptor/onion key is yet known (tor-spec §5.1). It has no forward
// secrecy against a future key compromise and is used only to reach the
// first hop of a circuit whose remaining hops use CREATE2/ntor.
func (r *Reactor) beginCreateFast(req ControlRequest) {
	args, _ := req.Args.(createFastArgs)
	var x [20]byte
	if _, err := rand.Read(x[:]); err != nil {
		req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: err}}
		return
	}

	cf := cell.NewFixedCell(r.ID, cell.CmdCreateFast)
	copy(cf.Payload()[:20], x[:])

	r.pendingCreate = &createHandler{deliver: func(c cell.Cell) {
		if c.Command() != cell.CmdCreatedFast {
			req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: fmt.Errorf("expected CREATED_FAST, got command %d", c.Command())}}
			return
		}
		var y, khReceived [20]byte
		copy(y[:], c.Payload()[:20])
		copy(khReceived[:], c.Payload()[20:40])

		k0 := append(append([]byte{}, x[:]...), y[:]...)
		km, kh, err := deriveLegacyFastKeys(k0)
		if err != nil {
			req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: err}}
			return
		}
		if !hmac.Equal(kh[:], khReceived[:]) {
			req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: fmt.Errorf("CREATED_FAST key-hash verification failed")}}
			return
		}
		hop, err := deriveLegacyHop(km, args.Settings)
		if err != nil {
			req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: err}}
			return
		}
		r.hops = append(r.hops, hop)
		req.Reply <- ControlReply{}
	}}

	if err := r.Link.Writer.WriteCell(cf); err != nil {
		r.pendingCreate = nil
		req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: err}}
	}
}

// beginExtendNtor sends EXTEND2/ntor to the last hop, registering a meta
// handler that completes the handshake and appends the new hop when
// EXTENDED2 arrives.
func (r *Reactor) beginExtendNtor(req ControlRequest) {
	args, _ := req.Args.(extendArgs)
	lastHop := len(r.hops) - 1
	if lastHop < 0 {
		req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: fmt.Errorf("cannot extend a circuit with no hops")}}
		return
	}

	hs, err := ntor.NewHandshake(args.RelayInfo.NodeID, args.RelayInfo.NtorOnionKey)
	if err != nil {
		req.Reply <- ControlReply{Err: &BuildError{Hop: lastHop + 1, Err: err}}
		return
	}
	clientData := hs.ClientData()
	payload := buildExtend2Payload(args.RelayInfo, 0x0002, clientData[:])

	if err := r.registerMeta(lastHop, func(hop int, msg RelayMessage) bool {
		defer hs.Close()
		if msg.Command != RelayExtended2 {
			req.Reply <- ControlReply{Err: &BuildError{Hop: lastHop + 1, Err: fmt.Errorf("expected EXTENDED2, got relay command %d", msg.Command)}}
			return true
		}
		km, err := completeNtorFromExtended(hs, msg.Body)
		if err != nil {
			req.Reply <- ControlReply{Err: &BuildError{Hop: lastHop + 1, Err: err}}
			return true
		}
		newHop, err := deriveHopFromVariant(km, args.Settings)
		if err != nil {
			req.Reply <- ControlReply{Err: &BuildError{Hop: lastHop + 1, Err: err}}
			return true
		}
		r.hops = append(r.hops, newHop)
		req.Reply <- ControlReply{}
		return true
	}); err != nil {
		hs.Close()
		req.Reply <- ControlReply{Err: err}
		return
	}

	if err := r.sendRelay(lastHop, RelayMessage{StreamID: 0, Command: RelayExtend2, Body: payload}); err != nil {
		r.meta = nil
		hs.Close()
		req.Reply <- ControlReply{Err: &BuildError{Hop: lastHop + 1, Err: err}}
	}
}

// beginExtendNtorV3 is the NtorV3 analog of beginExtendNtor.
func (r *Reactor) beginExtendNtorV3(req ControlRequest) {
	args, _ := req.Args.(extendArgs)
	lastHop := len(r.hops) - 1
	if lastHop < 0 {
		req.Reply <- ControlReply{Err: &BuildError{Hop: 0, Err: fmt.Errorf("cannot extend a circuit with no hops")}}
		return
	}

	exts := encodeHopExtensions(args.Settings)
	hs, err := ntor.NewHandshakeV3(args.RelayInfo.NodeID, args.RelayInfo.NtorOnionKey, exts)
	if err != nil {
		req.Reply <- ControlReply{Err: &BuildError{Hop: lastHop + 1, Err: err}}
		return
	}
	clientData := hs.ClientData()
	payload := buildExtend2Payload(args.RelayInfo, 0x0003, clientData)

	if err := r.registerMeta(lastHop, func(hop int, msg RelayMessage) bool {
		defer hs.Close()
		if msg.Command != RelayExtended2 {
			req.Reply <- ControlReply{Err: &BuildError{Hop: lastHop + 1, Err: fmt.Errorf("expected EXTENDED2, got relay command %d", msg.Command)}}
			return true
		}
		if len(msg.Body) < 2 {
			req.Reply <- ControlReply{Err: &BuildError{Hop: lastHop + 1, Err: fmt.Errorf("EXTENDED2 too short")}}
			return true
		}
		hlen := binary.BigEndian.Uint16(msg.Body[0:2])
		if len(msg.Body) < 2+int(hlen) {
			req.Reply <- ControlReply{Err: &BuildError{Hop: lastHop + 1, Err: fmt.Errorf("EXTENDED2 truncated")}}
			return true
		}
		km, err := hs.Complete(msg.Body[2 : 2+int(hlen)])
		if err != nil {
			req.Reply <- ControlReply{Err: &BuildError{Hop: lastHop + 1, Err: err}}
			return true
		}
		newHop, err := deriveHopFromV3(km, args.Settings)
		if err != nil {
			req.Reply <- ControlReply{Err: &BuildError{Hop: lastHop + 1, Err: err}}
			return true
		}
		r.hops = append(r.hops, newHop)
		req.Reply <- ControlReply{}
		return true
	}); err != nil {
		hs.Close()
		req.Reply <- ControlReply{Err: err}
		return
	}

	if err := r.sendRelay(lastHop, RelayMessage{StreamID: 0, Command: RelayExtend2, Body: payload}); err != nil {
		r.meta = nil
		hs.Close()
		req.Reply <- ControlReply{Err: &BuildError{Hop: lastHop + 1, Err: err}}
	}
}

// beginExtendVirtual appends the rendezvous-point virtual hop: no cell is
// exchanged, the hop key is derived directly from an out-of-band shared
// secret negotiated over the rendezvous circuit (spec §4.E).
func (r *Reactor) beginExtendVirtual(req ControlRequest) {
	args, _ := req.Args.(extendVirtualArgs)
	hop, err := deriveVirtualHop(args.SharedSecret, args.Settings)
	if err != nil {
		req.Reply <- ControlReply{Err: &BuildError{Hop: len(r.hops), Err: err}}
		return
	}
	r.hops = append(r.hops, hop)
	req.Reply <- ControlReply{}
}

// extendRawArgs is the Args payload for OpExtendRaw: an already-independent
// set of forward/backward keys and digest seeds (the hs-ntor handshake's
// Kf/Kb/Df/Db), as opposed to extendVirtualArgs's single shared secret that
// still needs expansion.
type extendRawArgs struct {
	Df, Db, Kf, Kb [32]byte
	Settings       HopSettings
}

// beginExtendRaw appends a hop built directly from hs-ntor's four
// independently-derived keys, with no further expansion and no cell
// exchange — used for the onion-service rendezvous virtual hop.
func (r *Reactor) beginExtendRaw(req ControlRequest) {
	args, _ := req.Args.(extendRawArgs)
	hop, err := deriveRendezvousHop(args.Df, args.Db, args.Kf, args.Kb, args.Settings)
	if err != nil {
		req.Reply <- ControlReply{Err: &BuildError{Hop: len(r.hops), Err: err}}
		return
	}
	r.hops = append(r.hops, hop)
	req.Reply <- ControlReply{}
}

func completeNtorFromExtended(hs *ntor.HandshakeState, body []byte) (*ntor.KeyMaterial, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("EXTENDED2 too short: %d bytes", len(body))
	}
	hlen := binary.BigEndian.Uint16(body[0:2])
	if hlen != 64 {
		return nil, fmt.Errorf("EXTENDED2 HLEN=%d, expected 64", hlen)
	}
	if len(body) < 2+int(hlen) {
		return nil, fmt.Errorf("EXTENDED2 truncated: %d bytes, need %d", len(body), 2+hlen)
	}
	var serverData [64]byte
	copy(serverData[:], body[2:66])
	return hs.Complete(serverData)
}

// encodeHopExtensions translates the client's requested HopSettings into the
// NtorV3 extension list (prop#332): congestion-control algorithm request and
// cell-budget hints.
func encodeHopExtensions(settings HopSettings) []ntor.Extension {
	var exts []ntor.Extension
	ccByte := byte(0)
	if settings.CongestionControl == CCVegas {
		ccByte = 1
	}
	exts = append(exts, ntor.Extension{Type: 0x0001, Body: []byte{ccByte}})
	if settings.InboundCellBudget > 0 {
		budget := make([]byte, 4)
		binary.BigEndian.PutUint32(budget, uint32(settings.InboundCellBudget))
		exts = append(exts, ntor.Extension{Type: 0x0002, Body: budget})
	}
	return exts
}

func buildExtend2Payload(relayInfo *descriptor.RelayInfo, htype uint16, clientData []byte) []byte {
	var specs [][]byte

	ip := net.ParseIP(relayInfo.Address)
	if ip4 := ip.To4(); ip4 != nil {
		spec := make([]byte, 8)
		spec[0] = LinkSpecIPv4
		spec[1] = 6
		copy(spec[2:6], ip4)
		binary.BigEndian.PutUint16(spec[6:8], relayInfo.ORPort)
		specs = append(specs, spec)
	}

	rsaSpec := make([]byte, 22)
	rsaSpec[0] = LinkSpecRSAID
	rsaSpec[1] = 20
	copy(rsaSpec[2:22], relayInfo.NodeID[:])
	specs = append(specs, rsaSpec)

	totalSpecLen := 0
	for _, s := range specs {
		totalSpecLen += len(s)
	}
	payload := make([]byte, 1+totalSpecLen+2+2+len(clientData))

	off := 0
	payload[off] = byte(len(specs))
	off++
	for _, s := range specs {
		copy(payload[off:], s)
		off += len(s)
	}
	binary.BigEndian.PutUint16(payload[off:], htype)
	off += 2
	binary.BigEndian.PutUint16(payload[off:], uint16(len(clientData)))
	off += 2
	copy(payload[off:], clientData)

	return payload
}

// deriveLegacyFastKeys implements the legacy KDF-TOR expansion (tor-spec
// §5.1/§5.2.2 "CREATE_FAST"): iterated SHA-1 over K0 || counter, with the
// first 20 bytes reserved as the key-hash used to authenticate CREATED_FAST.
func deriveLegacyFastKeys(k0 []byte) (*ntor.KeyMaterial, [20]byte, error) {
	need := 20 + 20 + 20 + 16 + 16 // KH, Df, Db, Kf, Kb
	out := make([]byte, 0, need)
	for i := byte(0); len(out) < need; i++ {
		h := sha1.New()
		h.Write(k0)
		h.Write([]byte{i})
		out = append(out, h.Sum(nil)...)
	}
	out = out[:need]

	var kh [20]byte
	copy(kh[:], out[0:20])
	km := &ntor.KeyMaterial{}
	copy(km.Df[:], out[20:40])
	copy(km.Db[:], out[40:60])
	copy(km.Kf[:], out[60:76])
	copy(km.Kb[:], out[76:92])
	return km, kh, nil
}
