package ntor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// NtorV3 adds a client->relay and relay->client extension list (tor-spec
// prop#332) to the plain ntor handshake, carried as encrypted "extra data"
// alongside the authenticator. It is the only handshake form that lets the
// client negotiate parameters (congestion-control algorithm, cell budgets)
// with the relay before the circuit is usable.
const (
	protoIDv3 = "ntor3-curve25519-sha256-1"
	tKeyV3    = protoIDv3 + ":kdf_phase1"
	tMsgMacV3 = protoIDv3 + ":msg_mac"
	tVerifyV3 = protoIDv3 + ":verify"
	mExpandV3 = protoIDv3 + ":key_expand"
)

// Extension is a single (type, body) pair carried in the encrypted message of
// a NtorV3 handshake (e.g. congestion-control algorithm request, cell budget).
type Extension struct {
	Type uint16
	Body []byte
}

// EncodeExtensions serializes a list of extensions as N(2) || (type(2) len(2) body)*.
func EncodeExtensions(exts []Extension) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(exts)))
	for _, e := range exts {
		hdr := make([]byte, 4)
		binary.BigEndian.PutUint16(hdr[0:2], e.Type)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(e.Body)))
		out = append(out, hdr...)
		out = append(out, e.Body...)
	}
	return out
}

// DecodeExtensions parses the output of EncodeExtensions.
func DecodeExtensions(data []byte) ([]Extension, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("extension list truncated")
	}
	n := binary.BigEndian.Uint16(data[0:2])
	off := 2
	exts := make([]Extension, 0, n)
	for i := 0; i < int(n); i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("extension %d header truncated", i)
		}
		typ := binary.BigEndian.Uint16(data[off : off+2])
		ln := binary.BigEndian.Uint16(data[off+2 : off+4])
		off += 4
		if off+int(ln) > len(data) {
			return nil, fmt.Errorf("extension %d body truncated", i)
		}
		exts = append(exts, Extension{Type: typ, Body: data[off : off+int(ln)]})
		off += int(ln)
	}
	return exts, nil
}

// HandshakeStateV3 holds the client's ephemeral state for a NtorV3 handshake.
type HandshakeStateV3 struct {
	nodeID  [20]byte
	ntorKey [32]byte
	x       [32]byte
	X       [32]byte
	exts    []Extension
}

// NewHandshakeV3 begins a NtorV3 handshake carrying the given client->relay extensions.
func NewHandshakeV3(nodeID [20]byte, ntorKey [32]byte, exts []Extension) (*HandshakeStateV3, error) {
	var x [32]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	X, err := curve25519.X25519(x[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("compute public key: %w", err)
	}
	hs := &HandshakeStateV3{nodeID: nodeID, ntorKey: ntorKey, x: x, exts: exts}
	copy(hs.X[:], X)
	return hs, nil
}

// Close zeroes the ephemeral private key.
func (hs *HandshakeStateV3) Close() {
	clear(hs.x[:])
}

// ClientData returns node_id || B || X || encrypted(extensions) for the CREATE2 payload.
func (hs *HandshakeStateV3) ClientData() []byte {
	plain := EncodeExtensions(hs.exts)
	// Phase-1 key derived from the partial secret_input (ephemeral-static only,
	// since the server's ephemeral Y is not yet known) per prop#332 §4.2.
	partial := make([]byte, 0, 20+32+32)
	partial = append(partial, hs.nodeID[:]...)
	partial = append(partial, hs.ntorKey[:]...)
	partial = append(partial, hs.X[:]...)
	kdf := hkdf.New(sha256.New, partial, []byte(tKeyV3), []byte("client"))
	keystream := make([]byte, len(plain))
	_, _ = io.ReadFull(kdf, keystream)
	enc := make([]byte, len(plain))
	for i := range plain {
		enc[i] = plain[i] ^ keystream[i]
	}

	out := make([]byte, 0, 20+32+32+len(enc))
	out = append(out, hs.nodeID[:]...)
	out = append(out, hs.ntorKey[:]...)
	out = append(out, hs.X[:]...)
	out = append(out, enc...)
	return out
}

// KeyMaterialV3 extends KeyMaterial with a binding key derived from the
// handshake transcript, used for tunnel.BindingKey().
type KeyMaterialV3 struct {
	KeyMaterial
	BindingKey  [32]byte
	ServerExts  []Extension
}

// Complete processes the server's Y || AUTH || encrypted(server extensions)
// response and derives circuit keys plus a binding secret.
func (hs *HandshakeStateV3) Complete(serverData []byte) (*KeyMaterialV3, error) {
	if len(serverData) < 64 {
		return nil, fmt.Errorf("NtorV3 server data too short: %d bytes", len(serverData))
	}
	var Y, authReceived [32]byte
	copy(Y[:], serverData[0:32])
	copy(authReceived[:], serverData[32:64])
	encExts := serverData[64:]

	exp1, err := curve25519.X25519(hs.x[:], Y[:])
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*Y: %w", err)
	}
	if isZero(exp1) {
		return nil, fmt.Errorf("x*Y produced all-zeros point")
	}
	exp2, err := curve25519.X25519(hs.x[:], hs.ntorKey[:])
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*B: %w", err)
	}
	if isZero(exp2) {
		return nil, fmt.Errorf("x*B produced all-zeros point")
	}

	secretInput := make([]byte, 0, 256)
	secretInput = append(secretInput, exp1...)
	secretInput = append(secretInput, exp2...)
	secretInput = append(secretInput, hs.nodeID[:]...)
	secretInput = append(secretInput, hs.ntorKey[:]...)
	secretInput = append(secretInput, hs.X[:]...)
	secretInput = append(secretInput, Y[:]...)
	secretInput = append(secretInput, []byte(protoIDv3)...)

	verify := ntorHMAC(secretInput, tVerifyV3)
	authInput := make([]byte, 0, 256)
	authInput = append(authInput, verify...)
	authInput = append(authInput, hs.nodeID[:]...)
	authInput = append(authInput, hs.ntorKey[:]...)
	authInput = append(authInput, Y[:]...)
	authInput = append(authInput, hs.X[:]...)
	authInput = append(authInput, []byte(protoIDv3)...)
	authInput = append(authInput, []byte("Server")...)

	expectedAuth := ntorHMAC(authInput, tMsgMacV3)
	if !hmac.Equal(expectedAuth, authReceived[:]) {
		return nil, fmt.Errorf("NtorV3 AUTH verification failed")
	}

	kdf := hkdf.New(sha256.New, secretInput, []byte(tKeyV3), []byte(mExpandV3))
	keys := make([]byte, 92+32) // Df,Db,Kf,Kb + 32-byte binding key
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("HKDF key derivation: %w", err)
	}

	km := &KeyMaterialV3{}
	copy(km.Df[:], keys[0:20])
	copy(km.Db[:], keys[20:40])
	copy(km.Kf[:], keys[40:56])
	copy(km.Kb[:], keys[56:72])
	copy(km.BindingKey[:], keys[72:104])

	// Server->client extensions are encrypted the same way as the client's,
	// keyed off the now-complete secret_input.
	if len(encExts) > 0 {
		kdf2 := hkdf.New(sha256.New, secretInput, []byte(tKeyV3), []byte("server"))
		keystream := make([]byte, len(encExts))
		_, _ = io.ReadFull(kdf2, keystream)
		plain := make([]byte, len(encExts))
		for i := range encExts {
			plain[i] = encExts[i] ^ keystream[i]
		}
		exts, err := DecodeExtensions(plain)
		if err != nil {
			return nil, fmt.Errorf("decode server extensions: %w", err)
		}
		km.ServerExts = exts
	}

	clear(keys)
	clear(secretInput)
	clear(authInput)
	clear(hs.x[:])

	return km, nil
}
