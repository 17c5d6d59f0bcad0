package onion

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cvsouth/tor-go/descriptor"
	"github.com/cvsouth/tor-go/directory"
)

func makeTestRelayInfo(id byte) *descriptor.RelayInfo {
	var nodeID [20]byte
	nodeID[0] = id
	return &descriptor.RelayInfo{NodeID: nodeID, Address: "127.0.0.1", ORPort: 9001}
}

func mustIntroPoint(t *testing.T, current bool) *introPointRecord {
	t.Helper()
	p, err := newIntroPointRecord()
	if err != nil {
		t.Fatalf("newIntroPointRecord: %v", err)
	}
	p.isCurrent = current
	return p
}

// fakeEmptyDirProvider satisfies tunnel.DirectoryProvider with a consensus
// that has no suitable introduction-point candidates, so progressOnce's
// "select another relay" branch fails cleanly (selectIntroRelay's ordinary
// not-found error) instead of needing a real consensus fetch.
type fakeEmptyDirProvider struct{}

func (fakeEmptyDirProvider) Consensus() *directory.Consensus {
	return &directory.Consensus{}
}

func TestIptRelayCurrentPoint(t *testing.T) {
	ir := &iptRelay{relay: makeTestRelayInfo(1)}
	if ir.currentPoint() != nil {
		t.Fatal("expected no current point on an empty relay")
	}
	stale := mustIntroPoint(t, false)
	cur := mustIntroPoint(t, true)
	ir.points = []*introPointRecord{stale, cur}
	if got := ir.currentPoint(); got != cur {
		t.Fatal("currentPoint did not return the point marked isCurrent")
	}
}

func TestIptRelayShouldRetire(t *testing.T) {
	ir := &iptRelay{plannedRetirement: time.Now().Add(time.Hour)}
	if ir.shouldRetire(time.Now()) {
		t.Fatal("relay planned for the future should not be retiring yet")
	}
	ir.plannedRetirement = time.Now().Add(-time.Hour)
	if !ir.shouldRetire(time.Now()) {
		t.Fatal("relay planned in the past should be retiring")
	}
}

// TestProgressOnceGarbageCollectsExpiredNonCurrentPoint covers the first
// half of scenario S5: once a non-current introduction point's last
// advertised descriptor has expired, the next progress pass drops it and
// forgets its replay log.
func TestProgressOnceGarbageCollectsExpiredNonCurrentPoint(t *testing.T) {
	m := NewIptManager(IptManagerConfig{}, nil, nil, fakeEmptyDirProvider{})

	expired := time.Now().Add(-time.Minute)
	stale := mustIntroPoint(t, false)
	stale.lastDescriptorExpiry = &expired
	cur := mustIntroPoint(t, true)

	ir := &iptRelay{relay: makeTestRelayInfo(1), plannedRetirement: time.Now().Add(time.Hour), points: []*introPointRecord{stale, cur}}
	m.relays = []*iptRelay{ir}
	m.replayLogs[stale.LocalID] = &ReplayLog{} // present so forgetReplayLog has something to remove

	// The relay's only remaining point is already current, so progressOnce
	// falls through to "select another relay", which fails cleanly against
	// the empty consensus (changed=false) — the pruning itself is what this
	// test verifies, not that specific return value.
	if _, err := m.progressOnce(context.Background()); err != nil {
		t.Fatalf("progressOnce: %v", err)
	}
	if len(ir.points) != 1 || ir.points[0] != cur {
		t.Fatalf("expected only the current point to survive, got %d points", len(ir.points))
	}
	if _, stillTracked := m.replayLogs[stale.LocalID]; stillTracked {
		t.Fatal("expired point's replay log should have been forgotten")
	}
}

// TestProgressOnceRetiresCurrentPointWhenRelayShouldRetire covers the other
// half of S5: once a relay's planned retirement has passed, its current
// point is marked non-current on the next pass (so it can later be garbage
// collected once its descriptor expires, rather than vanishing abruptly).
func TestProgressOnceRetiresCurrentPointWhenRelayShouldRetire(t *testing.T) {
	m := NewIptManager(IptManagerConfig{}, nil, nil, nil)

	cur := mustIntroPoint(t, true)
	ir := &iptRelay{relay: makeTestRelayInfo(1), plannedRetirement: time.Now().Add(-time.Hour), points: []*introPointRecord{cur}}
	m.relays = []*iptRelay{ir}

	changed, err := m.progressOnce(nil)
	if err != nil {
		t.Fatalf("progressOnce: %v", err)
	}
	if !changed {
		t.Fatal("expected progressOnce to report a change")
	}
	if cur.isCurrent {
		t.Fatal("expected the retiring relay's point to be marked non-current")
	}
}

// TestProgressOnceDropsEmptyRetiredRelays covers the tail of S5: once a
// retiring relay has no points left at all, the relay itself is dropped
// from the pool.
func TestProgressOnceDropsEmptyRetiredRelays(t *testing.T) {
	m := NewIptManager(IptManagerConfig{}, nil, nil, fakeEmptyDirProvider{})
	ir := &iptRelay{relay: makeTestRelayInfo(1), plannedRetirement: time.Now().Add(-time.Hour)}
	m.relays = []*iptRelay{ir}

	if _, err := m.progressOnce(context.Background()); err != nil {
		t.Fatalf("progressOnce: %v", err)
	}
	if len(m.relays) != 0 {
		t.Fatalf("expected the empty retired relay to be dropped, got %d relays", len(m.relays))
	}
}

func TestSelectIntroRelayFiltersUnsuitable(t *testing.T) {
	suitable := makeTestRelay(1, false)
	suitable.Flags.Fast = true
	suitable.Flags.Stable = true
	suitable.HasNtorKey = true

	notFast := makeTestRelay(2, false)
	notFast.Flags.Stable = true
	notFast.HasNtorKey = true

	consensus := &directory.Consensus{Relays: []directory.Relay{suitable, notFast}}

	relay, err := selectIntroRelay(consensus, nil)
	if err != nil {
		t.Fatalf("selectIntroRelay: %v", err)
	}
	if relay.NodeID != suitable.Identity {
		t.Fatalf("selected relay %x, want the only suitable candidate %x", relay.NodeID, suitable.Identity)
	}
}

func TestSelectIntroRelayExcludesInUse(t *testing.T) {
	r := makeTestRelay(3, false)
	r.Flags.Fast = true
	r.Flags.Stable = true
	r.HasNtorKey = true
	consensus := &directory.Consensus{Relays: []directory.Relay{r}}

	excluded := map[[20]byte]bool{r.Identity: true}
	if _, err := selectIntroRelay(consensus, excluded); err == nil {
		t.Fatal("expected an error when the only suitable relay is excluded")
	}
}

func TestNewIntroPointRecordGeneratesUsableKeys(t *testing.T) {
	p, err := newIntroPointRecord()
	if err != nil {
		t.Fatalf("newIntroPointRecord: %v", err)
	}
	if p.LocalID == (uuid.UUID{}) {
		t.Fatal("expected a non-zero local id")
	}
	if len(p.sessionPub) != ed25519.PublicKeySize {
		t.Fatalf("session public key has length %d, want %d", len(p.sessionPub), ed25519.PublicKeySize)
	}
	sig := ed25519.Sign(p.sessionPriv, []byte("probe"))
	if !ed25519.Verify(p.sessionPub, []byte("probe"), sig) {
		t.Fatal("session keypair does not round-trip a signature")
	}
	if p.ntorPub == ([32]byte{}) {
		t.Fatal("expected a non-zero hs-ntor public key")
	}
}

type fakeBindingKeySource struct{ key []byte }

func (f fakeBindingKeySource) BindingKey(int) []byte { return f.key }

func TestBuildEstablishIntroWellFormed(t *testing.T) {
	p, err := newIntroPointRecord()
	if err != nil {
		t.Fatalf("newIntroPointRecord: %v", err)
	}

	body, err := buildEstablishIntro(fakeBindingKeySource{key: []byte("fixed-binding-key-for-test")}, p)
	if err != nil {
		t.Fatalf("buildEstablishIntro: %v", err)
	}

	if body[0] != 0x02 {
		t.Fatalf("AUTH_KEY_TYPE = %d, want 2 (Ed25519)", body[0])
	}
	keyLen := binary.BigEndian.Uint16(body[1:3])
	if int(keyLen) != len(p.sessionPub) {
		t.Fatalf("AUTH_KEY_LEN = %d, want %d", keyLen, len(p.sessionPub))
	}
	authKey := body[3 : 3+keyLen]
	for i := range authKey {
		if authKey[i] != p.sessionPub[i] {
			t.Fatal("AUTH_KEY field does not match the point's session public key")
		}
	}

	sig := body[len(body)-ed25519.SignatureSize:]
	signed := body[:len(body)-ed25519.SignatureSize]
	if !ed25519.Verify(p.sessionPub, signed, sig) {
		t.Fatal("ESTABLISH_INTRO signature does not verify under the session key")
	}
}

func TestPublishSetSkipsFaultyAndNonCurrentPoints(t *testing.T) {
	m := NewIptManager(IptManagerConfig{}, nil, nil, nil)

	good := mustIntroPoint(t, true)
	faulty := mustIntroPoint(t, true)
	faulty.status = introFaulty
	nonCurrent := mustIntroPoint(t, false)

	m.relays = []*iptRelay{
		{relay: makeTestRelayInfo(1), points: []*introPointRecord{good}},
		{relay: makeTestRelayInfo(2), points: []*introPointRecord{faulty}},
		{relay: makeTestRelayInfo(3), points: []*introPointRecord{nonCurrent}},
	}

	set := m.PublishSet()
	if len(set) != 1 {
		t.Fatalf("PublishSet returned %d entries, want 1 (only the good, current point)", len(set))
	}
	if set[0].OnionKey != good.ntorPub {
		t.Fatal("PublishSet's entry does not correspond to the good point")
	}
}
