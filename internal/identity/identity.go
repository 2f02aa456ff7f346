// Package identity provides Ed25519 agent identities with self-certifying
// identifiers. An identifier is derived directly from the public key, so any
// party holding the identifier can recover the key and verify signatures
// without a registry lookup.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// didPrefix is the method prefix for derived identifiers.
const didPrefix = "did:key:"

// multibaseBase58BTC is the multibase prefix character for base58btc.
const multibaseBase58BTC = "z"

// multicodecEd25519 is the two-byte multicodec tag for an Ed25519 public key.
var multicodecEd25519 = []byte{0xed, 0x01}

// ErrNoPrivateKey is returned when a signing operation is attempted on a
// verify-only identity.
var ErrNoPrivateKey = errors.New("identity: no private key")

// Identity is an agent's cryptographic identity. PrivateKey is nil for
// identities reconstructed from an identifier alone.
type Identity struct {
	DID        string             `json:"did"`
	PublicKey  ed25519.PublicKey  `json:"public_key"`
	PrivateKey ed25519.PrivateKey `json:"private_key,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Generate creates a fresh Ed25519 identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Identity{
		DID:        DeriveDID(pub),
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Load reads an identity's keypair from path. The file format is the 64-byte
// Ed25519 private key (which contains the public key in its last 32 bytes).
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key file: expected %d bytes, got %d", ed25519.PrivateKeySize, len(data))
	}
	priv := ed25519.PrivateKey(data)
	pub := priv.Public().(ed25519.PublicKey)
	info, statErr := os.Stat(path)
	created := time.Now().UTC()
	if statErr == nil {
		created = info.ModTime().UTC()
	}
	return &Identity{
		DID:        DeriveDID(pub),
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  created,
	}, nil
}

// LoadOrGenerate loads an identity's keypair from path, or generates a new
// one and saves it if the file doesn't exist.
func LoadOrGenerate(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat key file: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(id.PrivateKey), 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return id, nil
}

// DeriveDID encodes a public key as a did:key identifier: the multicodec
// Ed25519 tag followed by the raw key bytes, base58btc encoded with a
// multibase prefix. Deriving twice from the same key bytes always yields the
// same identifier.
func DeriveDID(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, len(multicodecEd25519)+len(pub))
	buf = append(buf, multicodecEd25519...)
	buf = append(buf, pub...)
	return didPrefix + multibaseBase58BTC + base58.Encode(buf)
}

// Resolve recovers the public key embedded in a derived identifier. It returns
// (nil, false) for any identifier that does not match the expected prefix,
// encoding, or length, so callers can treat unknown senders as untrusted
// rather than crashing.
func Resolve(did string) (ed25519.PublicKey, bool) {
	rest, ok := strings.CutPrefix(did, didPrefix+multibaseBase58BTC)
	if !ok || rest == "" {
		return nil, false
	}
	raw, err := base58.Decode(rest)
	if err != nil {
		return nil, false
	}
	if len(raw) != len(multicodecEd25519)+ed25519.PublicKeySize {
		return nil, false
	}
	if raw[0] != multicodecEd25519[0] || raw[1] != multicodecEd25519[1] {
		return nil, false
	}
	return ed25519.PublicKey(raw[2:]), true
}

// Sign signs msg with the identity's private key.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(id.PrivateKey, msg), nil
}

// Verify reports whether sig is a valid signature of msg by pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
