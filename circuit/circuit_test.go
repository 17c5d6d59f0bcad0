package circuit

import (
	"crypto/sha1"
	"testing"

	"github.com/cvsouth/tor-go/link"
	"github.com/cvsouth/tor-go/ntor"
)

func TestClaimCircID(t *testing.T) {
	l := &link.Link{}
	for i := 0; i < 100; i++ {
		id, err := claimCircID(l)
		if err != nil {
			t.Fatalf("claimCircID: %v", err)
		}
		if id&0x80000000 == 0 {
			t.Fatalf("MSB not set: 0x%08x", id)
		}
		if id == 0 {
			t.Fatal("circID is zero")
		}
	}
}

func TestDeriveLegacyHop(t *testing.T) {
	km := &ntor.KeyMaterial{}
	for i := range km.Kf {
		km.Kf[i] = byte(i)
	}
	for i := range km.Kb {
		km.Kb[i] = byte(i + 16)
	}
	for i := range km.Df {
		km.Df[i] = byte(i + 32)
	}
	for i := range km.Db {
		km.Db[i] = byte(i + 52)
	}

	hop, err := deriveLegacyHop(km, HopSettings{})
	if err != nil {
		t.Fatalf("deriveLegacyHop: %v", err)
	}
	if hop.settings.Crypto != CryptoLegacy {
		t.Fatal("expected legacy crypto variant")
	}

	plaintext := make([]byte, 32)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	ct := make([]byte, 32)
	hop.kf.XORKeyStream(ct, plaintext)

	same := true
	for i := range ct {
		if ct[i] != plaintext[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("encryption produced identical output")
	}

	ct2 := make([]byte, 32)
	hop.kf.XORKeyStream(ct2, plaintext)
	allSame := true
	for i := range ct {
		if ct[i] != ct2[i] {
			allSame = false
			break
		}
	}
	if allSame {
		t.Fatal("AES-CTR stream state not persisting - second encrypt identical to first")
	}
}

func TestDeriveCGOHop(t *testing.T) {
	km := &ntor.KeyMaterial{}
	for i := range km.Kf {
		km.Kf[i] = byte(i)
	}
	hop, err := deriveCGOHop(km, HopSettings{})
	if err != nil {
		t.Fatalf("deriveCGOHop: %v", err)
	}
	if hop.settings.Crypto != CryptoCGO {
		t.Fatal("expected CGO crypto variant")
	}
}

func TestDeriveVirtualHop(t *testing.T) {
	secret := []byte("rendezvous-shared-secret-material")
	hop, err := deriveVirtualHop(secret, HopSettings{})
	if err != nil {
		t.Fatalf("deriveVirtualHop: %v", err)
	}
	if hop.bindingKey == nil {
		t.Fatal("expected a non-nil binding key for the virtual hop")
	}

	// Same secret must derive the same keys (deterministic expansion).
	hop2, err := deriveVirtualHop(secret, HopSettings{})
	if err != nil {
		t.Fatalf("deriveVirtualHop (2nd): %v", err)
	}
	plaintext := make([]byte, 16)
	ct1 := make([]byte, 16)
	ct2 := make([]byte, 16)
	hop.kf.XORKeyStream(ct1, plaintext)
	hop2.kf.XORKeyStream(ct2, plaintext)
	for i := range ct1 {
		if ct1[i] != ct2[i] {
			t.Fatal("virtual hop derivation is not deterministic")
		}
	}
}

func TestNegotiateHopSettingsFallback(t *testing.T) {
	settings := NegotiateHopSettings(CircParameters{PreferredCongestionControl: CCVegas}, RelayCapabilities{FlowControlCC: false})
	if settings.CongestionControl != CCFixedWindow {
		t.Fatalf("expected fallback to fixed-window, got %v", settings.CongestionControl)
	}
	settings = NegotiateHopSettings(CircParameters{PreferredCongestionControl: CCVegas}, RelayCapabilities{FlowControlCC: true})
	if settings.CongestionControl != CCVegas {
		t.Fatal("expected Vegas to be honored when relay supports it")
	}
	settings = NegotiateHopSettings(CircParameters{}, RelayCapabilities{CGO: false})
	if settings.Crypto != CryptoLegacy {
		t.Fatal("expected fallback to legacy crypto when relay lacks CGO support")
	}
	settings = NegotiateHopSettings(CircParameters{}, RelayCapabilities{CGO: true})
	if settings.Crypto != CryptoCGO {
		t.Fatal("expected CGO crypto when relay advertises support")
	}
}

func TestChooseHandshake(t *testing.T) {
	if ChooseHandshake(RelayCapabilities{NtorV3: true}) != HandshakeNtorV3 {
		t.Fatal("expected ntor-v3 when advertised")
	}
	if ChooseHandshake(RelayCapabilities{NtorV3: false}) != HandshakeNtor {
		t.Fatal("expected plain ntor fallback")
	}
}

func TestDigestSeedPersistence(t *testing.T) {
	seed := make([]byte, 20)
	for i := range seed {
		seed[i] = byte(i)
	}

	h := sha1.New()
	h.Write(seed)
	h.Write([]byte("hello"))
	d1 := h.Sum(nil)

	h2 := sha1.New()
	h2.Write(seed)
	h2.Write([]byte("hello"))
	d2 := h2.Sum(nil)

	for i := range d1 {
		if d1[i] != d2[i] {
			t.Fatal("digest not deterministic")
		}
	}

	h.Write([]byte("world"))
	d3 := h.Sum(nil)
	same := true
	for i := range d1 {
		if d1[i] != d3[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("running digest not accumulating")
	}
}
