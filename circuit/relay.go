package circuit

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding"
	"encoding/binary"
	"fmt"

	"github.com/cvsouth/tor-go/cell"
)

// Relay cell command constants (tor-spec §6.1, plus the conflux family from
// prop#329 and the onion-service rendezvous commands).
const (
	RelayBegin                 uint8 = 1
	RelayData                  uint8 = 2
	RelayEnd                   uint8 = 3
	RelayConnected             uint8 = 4
	RelaySendMe                uint8 = 5
	RelayTruncate              uint8 = 8
	RelayTruncated             uint8 = 9
	RelayResolve               uint8 = 11
	RelayResolved              uint8 = 12
	RelayBeginDir              uint8 = 13
	RelayExtend2               uint8 = 14
	RelayExtended2             uint8 = 15
	RelayConfluxLink           uint8 = 43
	RelayConfluxLinked         uint8 = 44
	RelayConfluxLinkedAck      uint8 = 45
	RelayConfluxSwitch         uint8 = 46
	RelayEstablishIntro        uint8 = 32
	RelayEstablishRendezvous   uint8 = 33
	RelayIntroduce1            uint8 = 34
	RelayIntroduce2            uint8 = 35
	RelayRendezvous2           uint8 = 37
	RelayIntroEstablished      uint8 = 38
	RelayRendezvousEstablished uint8 = 39
	RelayIntroduceAck          uint8 = 40
)

// RelayPayloadLen is the length of a relay cell payload (inside a fixed cell).
const RelayPayloadLen = cell.MaxPayloadLen // 509

// Relay header offsets within the 509-byte payload.
const (
	relayCommandOff    = 0  // 1 byte
	relayRecognizedOff = 1  // 2 bytes
	relayStreamIDOff   = 3  // 2 bytes
	relayDigestOff     = 5  // 4 bytes
	relayLengthOff     = 9  // 2 bytes
	relayDataOff       = 11 // up to 498 bytes
)

// MaxRelayDataLen is the maximum data in a single relay cell.
const MaxRelayDataLen = RelayPayloadLen - relayDataOff // 498

// SendmeTag authenticates a SENDME acknowledgement: it is derived from the
// innermost pre-encryption body of the cell it covers (spec §4.A).
type SendmeTag [4]byte

// RelayMessage is the payload encoded into a fixed-size cell (spec §3.1).
type RelayMessage struct {
	StreamID uint16
	Command  uint8
	Body     []byte
}

// encryptOutbound applies forward layers for hops 0..=targetHop in order
// from target to origin, producing a ciphertext cell body to hand to the
// channel, and returns the SendmeTag authenticating this cell's body.
func encryptOutbound(hops []*hopKey, msg RelayMessage, targetHop int) ([]byte, SendmeTag, error) {
	if targetHop < 0 || targetHop >= len(hops) {
		return nil, SendmeTag{}, fmt.Errorf("target hop %d out of range (%d hops)", targetHop, len(hops))
	}
	if len(msg.Body) > MaxRelayDataLen {
		return nil, SendmeTag{}, fmt.Errorf("relay data too large: %d > %d", len(msg.Body), MaxRelayDataLen)
	}

	var payload [RelayPayloadLen]byte
	payload[relayCommandOff] = msg.Command
	binary.BigEndian.PutUint16(payload[relayStreamIDOff:], msg.StreamID)
	binary.BigEndian.PutUint16(payload[relayLengthOff:], uint16(len(msg.Body)))
	copy(payload[relayDataOff:], msg.Body)

	// Per tor-spec §6.1: padding = 4 zero bytes + random bytes.
	padStart := relayDataOff + len(msg.Body)
	if padStart+4 < RelayPayloadLen {
		_, _ = rand.Read(payload[padStart+4:])
	}

	// Digest is computed against the target hop's running forward digest,
	// since that's the layer that will "recognize" this cell downstream.
	hop := hops[targetHop]
	hop.df.Write(payload[:])
	digest := hop.df.Sum(nil)
	copy(payload[relayDigestOff:relayDigestOff+4], digest[:4])

	var tag SendmeTag
	copy(tag[:], digest[:4])

	// Encrypt from target hop back to the origin (onion layering): every
	// hop up to and including targetHop wraps a layer, innermost first.
	encrypted := payload[:]
	for i := targetHop; i >= 0; i-- {
		hops[i].kf.XORKeyStream(encrypted, encrypted)
	}

	out := make([]byte, RelayPayloadLen)
	copy(out, encrypted)
	return out, tag, nil
}

// decryptInbound applies backward layers in order origin->last, stopping at
// the first layer whose recognize predicate (digest-chain match) succeeds.
// On success it returns the originating hop index, the parsed message, and
// the SendmeTag for that cell. If no layer recognizes it, the caller MUST
// destroy the circuit (protocol violation).
func decryptInbound(hops []*hopKey, incoming cell.Cell) (hopIdx int, msg RelayMessage, tag SendmeTag, err error) {
	if len(hops) == 0 {
		return 0, RelayMessage{}, SendmeTag{}, fmt.Errorf("circuit has no hops")
	}

	payload := make([]byte, RelayPayloadLen)
	copy(payload, incoming.Payload()[:RelayPayloadLen])

	for i, hop := range hops {
		hop.kb.XORKeyStream(payload, payload)

		recognized := binary.BigEndian.Uint16(payload[relayRecognizedOff:])
		if recognized != 0 {
			continue
		}

		var savedDigest [4]byte
		copy(savedDigest[:], payload[relayDigestOff:relayDigestOff+4])
		payload[relayDigestOff] = 0
		payload[relayDigestOff+1] = 0
		payload[relayDigestOff+2] = 0
		payload[relayDigestOff+3] = 0

		dbState, serr := hop.db.(encoding.BinaryMarshaler).MarshalBinary()
		if serr != nil {
			return 0, RelayMessage{}, SendmeTag{}, fmt.Errorf("snapshot digest state: %w", serr)
		}

		hop.db.Write(payload)
		computedDigest := hop.db.Sum(nil)

		if subtle.ConstantTimeCompare(savedDigest[:], computedDigest[:4]) == 1 {
			relayCmd := payload[relayCommandOff]
			streamID := binary.BigEndian.Uint16(payload[relayStreamIDOff:])
			dataLen := binary.BigEndian.Uint16(payload[relayLengthOff:])
			if int(dataLen) > MaxRelayDataLen {
				return 0, RelayMessage{}, SendmeTag{}, fmt.Errorf("relay data length %d exceeds maximum %d", dataLen, MaxRelayDataLen)
			}
			body := make([]byte, dataLen)
			copy(body, payload[relayDataOff:relayDataOff+int(dataLen)])
			var stag SendmeTag
			copy(stag[:], savedDigest[:])
			return i, RelayMessage{StreamID: streamID, Command: relayCmd, Body: body}, stag, nil
		}

		if uerr := hop.db.(encoding.BinaryUnmarshaler).UnmarshalBinary(dbState); uerr != nil {
			return 0, RelayMessage{}, SendmeTag{}, fmt.Errorf("restore digest state: %w", uerr)
		}
	}

	return 0, RelayMessage{}, SendmeTag{}, ErrCellNotRecognized
}
