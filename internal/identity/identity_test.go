package identity

import (
	"bytes"
	"crypto/ed25519"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(id.PublicKey) != ed25519.PublicKeySize {
		t.Errorf("public key length = %d, want %d", len(id.PublicKey), ed25519.PublicKeySize)
	}
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		t.Errorf("private key length = %d, want %d", len(id.PrivateKey), ed25519.PrivateKeySize)
	}
	if !strings.HasPrefix(id.DID, "did:key:z") {
		t.Errorf("DID = %q, want did:key:z prefix", id.DID)
	}
	if id.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}
}

func TestDeriveDIDDeterministic(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	a := DeriveDID(id.PublicKey)
	b := DeriveDID(id.PublicKey)
	if a != b {
		t.Errorf("DeriveDID not deterministic: %q vs %q", a, b)
	}
}

func TestResolveRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pub, ok := Resolve(id.DID)
	if !ok {
		t.Fatalf("Resolve(%q) failed", id.DID)
	}
	if !bytes.Equal(pub, id.PublicKey) {
		t.Error("resolved public key differs from original")
	}
}

func TestResolveMalformed(t *testing.T) {
	cases := []string{
		"",
		"did:key:",
		"did:key:z",
		"did:web:example.com",
		"did:key:zO0Il",                // invalid base58 characters
		"did:key:z3x",                  // too short
		"not-a-did-at-all",
		DeriveDID(make([]byte, 32))[:20], // truncated
	}
	for _, c := range cases {
		if pub, ok := Resolve(c); ok || pub != nil {
			t.Errorf("Resolve(%q) = (%v, %v), want (nil, false)", c, pub, ok)
		}
	}
}

func TestResolveWrongCodecTag(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// Re-derive with a bogus codec tag and ensure it does not resolve.
	saved := multicodecEd25519
	multicodecEd25519 = []byte{0x12, 0x00}
	bogus := DeriveDID(id.PublicKey)
	multicodecEd25519 = saved

	if _, ok := Resolve(bogus); ok {
		t.Error("Resolve accepted identifier with wrong multicodec tag")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msg := []byte("introduce me")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(id.PublicKey, msg, sig) {
		t.Error("Verify = false for valid signature")
	}

	// Flipping any bit of the message must invalidate the signature.
	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0x01
	if Verify(id.PublicKey, tampered, sig) {
		t.Error("Verify = true for tampered message")
	}

	// Flipping any bit of the signature must invalidate it.
	badSig := append([]byte(nil), sig...)
	badSig[10] ^= 0x80
	if Verify(id.PublicKey, msg, badSig) {
		t.Error("Verify = true for tampered signature")
	}
}

func TestSignWithoutPrivateKey(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	verifyOnly := &Identity{DID: id.DID, PublicKey: id.PublicKey}
	if _, err := verifyOnly.Sign([]byte("x")); err != ErrNoPrivateKey {
		t.Errorf("Sign error = %v, want ErrNoPrivateKey", err)
	}
}

func TestLoadOrGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.key")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (fresh): %v", err)
	}
	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (reload): %v", err)
	}
	if first.DID != second.DID {
		t.Errorf("reloaded DID = %q, want %q", second.DID, first.DID)
	}
	if !bytes.Equal(first.PrivateKey, second.PrivateKey) {
		t.Error("reloaded private key differs")
	}
}
