package onion

import (
	"container/heap"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/cvsouth/tor-go/directory"
)

func TestRevisionCounterBaseDeterministicAndBounded(t *testing.T) {
	var blinded [32]byte
	blinded[0] = 0x11

	a := revisionCounterBase(blinded, 16904)
	b := revisionCounterBase(blinded, 16904)
	if a != b {
		t.Fatal("revisionCounterBase should be deterministic for the same key and period")
	}
	if a >= 1_000_000 {
		t.Fatalf("revisionCounterBase = %d, want < 1,000,000", a)
	}

	c := revisionCounterBase(blinded, 16905)
	if a == c {
		t.Fatal("different time periods should (almost certainly) produce different bases")
	}
}

func TestPeriodStartTimeOrdering(t *testing.T) {
	t1 := periodStartTime(16904, 1440)
	t2 := periodStartTime(16905, 1440)
	if !t2.After(t1) {
		t.Fatal("a later period number should start later")
	}
	if t2.Sub(t1) != 24*time.Hour {
		t.Fatalf("consecutive daily periods should be 24h apart, got %s", t2.Sub(t1))
	}
}

func TestTimerHeapOrdersByDueTime(t *testing.T) {
	var h timerHeap
	now := time.Now()
	push := func(d time.Duration, relay byte) {
		var id [20]byte
		id[0] = relay
		heap.Push(&h, reuploadTimer{due: now.Add(d), relay: id})
	}
	push(3*time.Hour, 3)
	push(1*time.Hour, 1)
	push(2*time.Hour, 2)

	if h.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", h.Len())
	}
	first := heap.Pop(&h).(reuploadTimer)
	if first.relay[0] != 1 {
		t.Fatalf("first popped relay = %d, want 1 (earliest due time)", first.relay[0])
	}
	second := heap.Pop(&h).(reuploadTimer)
	if second.relay[0] != 2 {
		t.Fatalf("second popped relay = %d, want 2", second.relay[0])
	}
}

func TestDueTimersOnlyReturnsPastDue(t *testing.T) {
	p := &Publisher{}
	now := time.Now()
	var early, late [20]byte
	early[0], late[0] = 1, 2
	heap.Push(&p.timers, reuploadTimer{due: now.Add(-time.Minute), relay: early})
	heap.Push(&p.timers, reuploadTimer{due: now.Add(time.Hour), relay: late})

	due := p.dueTimers(now)
	if len(due) != 1 {
		t.Fatalf("dueTimers returned %d entries, want 1", len(due))
	}
	if due[0].relay != early {
		t.Fatal("dueTimers returned the wrong entry")
	}
	if p.timers.Len() != 1 {
		t.Fatalf("expected the not-yet-due timer to remain on the heap, got %d left", p.timers.Len())
	}
}

// TestBuildDescriptorRoundTrips checks that buildDescriptor's three-layer
// output can be unwound by the teacher's own parser/decryptor pair
// (ParseDescriptorOuter, DecryptDescriptorLayer) back to the introduction
// points it was given — buildDescriptor is meant to be the structural
// inverse of those functions.
func TestBuildDescriptorRoundTrips(t *testing.T) {
	blinded, err := BlindPrivateKey([32]byte{0x42}, 16904, 1440)
	if err != nil {
		t.Fatalf("BlindPrivateKey: %v", err)
	}
	tpc := &timePeriodContext{
		periodNum:    16904,
		periodLength: 1440,
		blinded:      blinded,
		subcred:      Subcredential([32]byte{0x01}, blinded.Public),
		periodStart:  periodStartTime(16904, 1440),
	}

	points := []introducedPoint{{
		LinkSpecifiers: []byte("fake-link-specifiers"),
		OnionKey:       [32]byte{0xAA},
		AuthKeyCert:    []byte("fake-auth-cert"),
		EncKey:         [32]byte{0xBB},
		EncKeyCert:     []byte("fake-enc-cert"),
	}}

	text, digest, err := buildDescriptor("test-service", tpc, points, 12345)
	if err != nil {
		t.Fatalf("buildDescriptor: %v", err)
	}
	if digest != digestOf(text) {
		t.Fatal("returned digest does not match digestOf(text)")
	}

	outer, err := ParseDescriptorOuter(text)
	if err != nil {
		t.Fatalf("ParseDescriptorOuter: %v", err)
	}
	if outer.RevisionCounter != 12345 {
		t.Fatalf("RevisionCounter = %d, want 12345", outer.RevisionCounter)
	}
	if outer.LifetimeSeconds != int(descriptorLifetime.Seconds()) {
		t.Fatalf("LifetimeSeconds = %d, want %d", outer.LifetimeSeconds, int(descriptorLifetime.Seconds()))
	}

	first, err := DecryptDescriptorLayer(outer.Superencrypted, tpc.blinded.Public[:], tpc.subcred[:], 12345, "hsdir-superencrypted-data")
	if err != nil {
		t.Fatalf("decrypt first layer: %v", err)
	}
	firstText := string(first)
	if !strings.HasPrefix(firstText, "encrypted\n") {
		t.Fatalf("first layer does not start with 'encrypted\\n': %q", firstText)
	}
	encryptedBlob, err := decodeRestOfFirstLayer(firstText)
	if err != nil {
		t.Fatalf("decode second-layer blob: %v", err)
	}

	second, err := DecryptDescriptorLayer(encryptedBlob, tpc.blinded.Public[:], tpc.subcred[:], 12345, "hsdir-encrypted-data")
	if err != nil {
		t.Fatalf("decrypt second layer: %v", err)
	}
	secondText := string(second)
	if !strings.Contains(secondText, "introduction-point") {
		t.Fatal("second layer does not contain the introduction-point stanza")
	}
	if !strings.Contains(secondText, "enc-key ntor") {
		t.Fatal("second layer does not contain the enc-key stanza")
	}
}

func TestBuildDescriptorChangesDigestWithRevision(t *testing.T) {
	blinded, err := BlindPrivateKey([32]byte{0x42}, 16904, 1440)
	if err != nil {
		t.Fatalf("BlindPrivateKey: %v", err)
	}
	tpc := &timePeriodContext{
		periodNum:    16904,
		periodLength: 1440,
		blinded:      blinded,
		subcred:      Subcredential([32]byte{0x01}, blinded.Public),
		periodStart:  periodStartTime(16904, 1440),
	}

	_, d1, err := buildDescriptor("svc", tpc, nil, 1)
	if err != nil {
		t.Fatalf("buildDescriptor: %v", err)
	}
	_, d2, err := buildDescriptor("svc", tpc, nil, 2)
	if err != nil {
		t.Fatalf("buildDescriptor: %v", err)
	}
	if d1 == d2 {
		t.Fatal("descriptors built with different revision counters should digest differently")
	}
}

func TestRefreshTimePeriodsSchedulesCurrentAndNextPeriod(t *testing.T) {
	consensus := &directory.Consensus{
		ValidAfter:             time.Date(2020, 1, 1, 14, 0, 0, 0, time.UTC),
		SharedRandCurrentValue: make([]byte, 32),
	}
	for i := byte(0); i < 20; i++ {
		consensus.Relays = append(consensus.Relays, makeTestRelay(i, true))
	}

	p := NewPublisher(PublisherConfig{IdentitySeed: [32]byte{0x07}}, nil, nil, nil, nil)
	if err := p.refreshTimePeriods(consensus); err != nil {
		t.Fatalf("refreshTimePeriods: %v", err)
	}

	periodNum := TimePeriod(consensus.ValidAfter, p.cfg.PeriodLength)
	if _, ok := p.periods[periodNum]; !ok {
		t.Fatal("expected the current time period to have a context")
	}
	if _, ok := p.periods[periodNum+1]; !ok {
		t.Fatal("expected the next time period to have a context")
	}
	if p.timers.Len() == 0 {
		t.Fatal("expected reupload timers to be scheduled for the new periods")
	}

	// A second refresh with the same consensus should not duplicate periods
	// or schedule a fresh round of timers for periods already tracked.
	timersAfterFirst := p.timers.Len()
	if err := p.refreshTimePeriods(consensus); err != nil {
		t.Fatalf("second refreshTimePeriods: %v", err)
	}
	if p.timers.Len() != timersAfterFirst {
		t.Fatalf("second refresh changed timer count: %d -> %d", timersAfterFirst, p.timers.Len())
	}
}

// decodeRestOfFirstLayer extracts the base64 blob following the "encrypted\n"
// line buildDescriptor writes for the first (superencrypted) layer.
func decodeRestOfFirstLayer(firstText string) ([]byte, error) {
	b64 := strings.TrimPrefix(firstText, "encrypted\n")
	return base64.StdEncoding.DecodeString(b64)
}
