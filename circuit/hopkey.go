package circuit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"

	"github.com/cvsouth/tor-go/ntor"
)

// CryptoVariant selects the per-hop wire-level crypto protocol, negotiated
// once at hop-extension time and never mutated thereafter.
type CryptoVariant uint8

const (
	// CryptoLegacy is the digest-chained AES-128-CTR/SHA-1 stream cipher
	// construction used by every Tor relay since the ntor handshake shipped.
	CryptoLegacy CryptoVariant = iota
	// CryptoCGO is the "counter Galois" tweakable-block-cipher variant
	// (AES-256-CTR with a SHA3-256 digest chain in this implementation).
	CryptoCGO
)

// CongestionControl selects the per-hop flow-control algorithm.
type CongestionControl uint8

const (
	CCFixedWindow CongestionControl = iota
	CCVegas
)

// CircParameters is supplied by the caller building or extending a circuit;
// it is combined with the target relay's advertised capabilities to produce
// an immutable HopSettings for that hop.
type CircParameters struct {
	PreferredCongestionControl CongestionControl
	ExtendByEd25519ID          bool
	InboundCellBudget          int // 0 = unbounded
	OutboundCellBudget         int // 0 = unbounded
}

// RelayCapabilities describes what a target relay advertises in the consensus
// or its own protocol-versions line.
type RelayCapabilities struct {
	FlowControlCC bool // supports congestion-control (Vegas) negotiation
	CGO           bool // supports the counter-Galois crypto variant
	NtorV3        bool // supports the NtorV3 handshake subprotocol
}

// HopSettings is negotiated once per hop and stored alongside its HopKey.
// It never mutates after creation.
type HopSettings struct {
	CongestionControl    CongestionControl
	Crypto                CryptoVariant
	ExtendByEd25519ID     bool
	InboundCellBudget     int
	OutboundCellBudget    int
}

// NegotiateHopSettings applies the fallback rules from spec §4.B:
// Vegas requires flow-control-CC support, CGO requires the target to
// advertise it; both fall back to the conservative option otherwise.
func NegotiateHopSettings(params CircParameters, caps RelayCapabilities) HopSettings {
	cc := params.PreferredCongestionControl
	if cc == CCVegas && !caps.FlowControlCC {
		cc = CCFixedWindow
	}
	crypto := CryptoCGO
	if !caps.CGO {
		crypto = CryptoLegacy
	}
	return HopSettings{
		CongestionControl:  cc,
		Crypto:             crypto,
		ExtendByEd25519ID:  params.ExtendByEd25519ID,
		InboundCellBudget:  params.InboundCellBudget,
		OutboundCellBudget: params.OutboundCellBudget,
	}
}

// HandshakeKind identifies the flavor of CREATE/EXTEND handshake used for a hop.
type HandshakeKind uint8

const (
	HandshakeNtor HandshakeKind = iota
	HandshakeNtorV3
	HandshakeVirtual
)

// ChooseHandshake implements the handshake-choice rule from spec §4.B: prefer
// NtorV3 when the target advertises the subprotocol capability.
func ChooseHandshake(caps RelayCapabilities) HandshakeKind {
	if caps.NtorV3 {
		return HandshakeNtorV3
	}
	return HandshakeNtor
}

// hopKey holds the per-hop symmetric state: forward/backward stream ciphers,
// running digests, the negotiated settings, and flow-control bookkeeping.
// Created once when the hop is appended to a Circuit and owned exclusively by
// that circuit's reactor goroutine.
type hopKey struct {
	kf, kb     cipher.Stream
	df, db     hash.Hash
	settings   HopSettings
	bindingKey []byte // non-nil for NtorV3/virtual hops

	sendWindow     int
	recvWindow     int
	sentSinceAck   int // cells sent in this direction since last circuit SENDME
	recvSinceAck   int
	emittedTags    [][4]byte // FIFO of the most recent 3 sendme tags we emitted

	inboundCells  int // total relay cells received at this hop's layer, checked against settings.InboundCellBudget
	outboundCells int // total relay cells sent to this hop, checked against settings.OutboundCellBudget
}

const (
	initialCircSendWindow = 1000
	circSendmeIncrement   = 100
	maxEmittedTags        = 3
)

// newHopKey builds the per-hop crypto state for the negotiated variant from
// raw key material. kfKey/kbKey/dfSeed/dbSeed are sized per variant: 16 bytes
// for legacy AES-128, 32 bytes for CGO AES-256; digest seeds may be any length.
func newHopKey(variant CryptoVariant, kfKey, kbKey, dfSeed, dbSeed []byte, settings HopSettings, bindingKey []byte) (*hopKey, error) {
	var fwdBlock, bwdBlock cipher.Block
	var err error
	var df, db hash.Hash

	switch variant {
	case CryptoLegacy:
		fwdBlock, err = aes.NewCipher(kfKey)
		if err != nil {
			return nil, fmt.Errorf("AES-128 forward cipher: %w", err)
		}
		bwdBlock, err = aes.NewCipher(kbKey)
		if err != nil {
			return nil, fmt.Errorf("AES-128 backward cipher: %w", err)
		}
		df, db = newLegacyDigest(), newLegacyDigest()
	case CryptoCGO:
		fwdBlock, err = aes.NewCipher(kfKey)
		if err != nil {
			return nil, fmt.Errorf("AES-256 forward cipher: %w", err)
		}
		bwdBlock, err = aes.NewCipher(kbKey)
		if err != nil {
			return nil, fmt.Errorf("AES-256 backward cipher: %w", err)
		}
		df, db = sha3.New256(), sha3.New256()
	default:
		return nil, fmt.Errorf("unknown crypto variant %d", variant)
	}

	zeroIV := make([]byte, aes.BlockSize)
	df.Write(dfSeed)
	db.Write(dbSeed)

	hk := &hopKey{
		kf:         cipher.NewCTR(fwdBlock, zeroIV),
		kb:         cipher.NewCTR(bwdBlock, zeroIV),
		df:         df,
		db:         db,
		settings:   settings,
		bindingKey: bindingKey,
		sendWindow: initialCircSendWindow,
		recvWindow: initialCircSendWindow,
	}
	return hk, nil
}

// newLegacyDigest returns the running-digest hash used by the legacy variant.
func newLegacyDigest() hash.Hash {
	return sha1.New()
}

// expandForCGO derives 32-byte AES-256 keys from the 16-byte ntor key
// material so the same ntor/ntorv3 handshake output can feed either crypto
// variant; the real CGO construction's AEAD is out of scope here (see
// DESIGN.md) and only the independent-negotiation contract is preserved.
func expandForCGO(base []byte, tweak byte) []byte {
	h := sha3.New256()
	h.Write(base)
	h.Write([]byte{tweak})
	return h.Sum(nil)
}

// deriveLegacyHop builds a hopKey using the plain ntor KeyMaterial and the
// legacy AES-128/SHA-1 construction, exactly as the original synchronous
// client did.
func deriveLegacyHop(km *ntor.KeyMaterial, settings HopSettings) (*hopKey, error) {
	settings.Crypto = CryptoLegacy
	return newHopKey(CryptoLegacy, km.Kf[:], km.Kb[:], km.Df[:], km.Db[:], settings, nil)
}

// deriveCGOHop builds a hopKey using the CGO variant, expanding the ntor
// key material to 32-byte keys.
func deriveCGOHop(km *ntor.KeyMaterial, settings HopSettings) (*hopKey, error) {
	settings.Crypto = CryptoCGO
	kf := expandForCGO(km.Kf[:], 0x01)
	kb := expandForCGO(km.Kb[:], 0x02)
	return newHopKey(CryptoCGO, kf, kb, km.Df[:], km.Db[:], settings, nil)
}

// deriveHopFromVariant picks the legacy or CGO construction per settings.Crypto.
func deriveHopFromVariant(km *ntor.KeyMaterial, settings HopSettings) (*hopKey, error) {
	if settings.Crypto == CryptoCGO {
		return deriveCGOHop(km, settings)
	}
	return deriveLegacyHop(km, settings)
}

// deriveHopFromV3 builds a hopKey from a NtorV3 handshake, carrying its
// binding key forward per spec §3.1 (HopKey "optional binding secret").
func deriveHopFromV3(km *ntor.KeyMaterialV3, settings HopSettings) (*hopKey, error) {
	hk, err := deriveHopFromVariant(&km.KeyMaterial, settings)
	if err != nil {
		return nil, err
	}
	hk.bindingKey = append([]byte(nil), km.BindingKey[:]...)
	return hk, nil
}

// deriveVirtualHop builds a hopKey from an out-of-band shared secret (used
// for the rendezvous virtual hop): the secret is expanded into forward and
// backward key/digest material directly rather than via a wire handshake.
func deriveVirtualHop(sharedSecret []byte, settings HopSettings) (*hopKey, error) {
	kf := expandForCGO(sharedSecret, 0x10)
	kb := expandForCGO(sharedSecret, 0x11)
	df := expandForCGO(sharedSecret, 0x12)
	db := expandForCGO(sharedSecret, 0x13)
	settings.Crypto = CryptoCGO
	hk, err := newHopKey(CryptoCGO, kf, kb, df, db, settings, nil)
	if err != nil {
		return nil, err
	}
	hk.bindingKey = expandForCGO(sharedSecret, 0x14)
	return hk, nil
}

// deriveRendezvousHop builds a hopKey from already-independent key material
// (the hs-ntor handshake's Df/Db/Kf/Kb, each derived from a distinct SHAKE256
// output range rather than expanded from one secret) — used for the virtual
// hop appended after RENDEZVOUS2 completes the hs-ntor handshake.
func deriveRendezvousHop(df, db, kf, kb [32]byte, settings HopSettings) (*hopKey, error) {
	settings.Crypto = CryptoCGO
	hk, err := newHopKey(CryptoCGO, kf[:], kb[:], df[:], db[:], settings, nil)
	if err != nil {
		return nil, err
	}
	seed := append(append([]byte{}, kf[:]...), kb[:]...)
	hk.bindingKey = expandForCGO(seed, 0x16)
	return hk, nil
}
