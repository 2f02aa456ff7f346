// Package envelope defines the signed message envelope that wraps every
// protocol payload, plus the canonical serialization that makes signatures
// reproducible. The same canonicalize-then-sign pattern is reused for
// standalone intent and proposal signing so those objects stay independently
// verifiable outside an envelope.
package envelope

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tacitprotocol/tacit-sub000/internal/identity"
)

// Version is the protocol version stamped on every envelope.
const Version = "1.0"

// DefaultMaxAge is the freshness window for received envelopes. Older
// envelopes are rejected to bound replay risk.
const DefaultMaxAge = 5 * time.Minute

// Message types carried on the wire.
const (
	TypeCardPublish     = "agent-card:publish"
	TypeIntentPublish   = "intent:publish"
	TypeIntentWithdraw  = "intent:withdraw"
	TypeProposalSend    = "proposal:send"
	TypeProposalAccept  = "proposal:accept"
	TypeProposalDecline = "proposal:decline"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeMatchNotify     = "match:notify"
	TypeError           = "error"
)

// Envelope is the signed wrapper around any protocol payload. The signature
// covers the canonical serialization of every field except the signature
// itself.
type Envelope struct {
	Version   string          `json:"version"`
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
	ID        string          `json:"id"`
	Signature string          `json:"signature,omitempty"`
}

// ErrorPayload is the payload of a relay "error" envelope.
type ErrorPayload struct {
	Error string `json:"error"`
}

// signable returns the canonical bytes covered by the signature.
func (e *Envelope) signable() ([]byte, error) {
	unsigned := struct {
		Version   string          `json:"version"`
		Type      string          `json:"type"`
		From      string          `json:"from"`
		To        string          `json:"to,omitempty"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp string          `json:"timestamp"`
		ID        string          `json:"id"`
	}{e.Version, e.Type, e.From, e.To, e.Payload, e.Timestamp, e.ID}
	return Canonicalize(unsigned)
}

// NewSigned builds a signed envelope from the given sender identity. The
// payload is marshaled to JSON, the envelope is stamped with an ISO timestamp
// and a generated id, and the hex-encoded signature over the canonical bytes
// is attached.
func NewSigned(id *identity.Identity, msgType, to string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	e := &Envelope{
		Version:   Version,
		Type:      msgType,
		From:      id.DID,
		To:        to,
		Payload:   raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ID:        uuid.NewString(),
	}
	msg, err := e.signable()
	if err != nil {
		return nil, err
	}
	sig, err := id.Sign(msg)
	if err != nil {
		return nil, err
	}
	e.Signature = hex.EncodeToString(sig)
	return e, nil
}

// Verify resolves the sender identifier to a public key and checks the
// signature over the recomputed canonical bytes. It returns false, never an
// error: unverifiable envelopes are expected under adversarial conditions.
func Verify(e *Envelope) bool {
	if e == nil || e.Signature == "" {
		return false
	}
	pub, ok := identity.Resolve(e.From)
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	msg, err := e.signable()
	if err != nil {
		return false
	}
	return identity.Verify(pub, msg, sig)
}

// Expired reports whether the envelope's timestamp falls outside maxAge of
// the current time in either direction, or is unparseable. A future-dated
// envelope beyond the window is rejected the same as a stale one. A
// non-positive maxAge uses DefaultMaxAge.
func Expired(e *Envelope, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return true
	}
	drift := time.Since(ts)
	if drift < 0 {
		drift = -drift
	}
	return drift > maxAge
}

// SignDetached canonicalizes v and returns a hex-encoded signature over the
// result. Used for standalone intent and proposal signing.
func SignDetached(id *identity.Identity, v any) (string, error) {
	msg, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sig, err := id.Sign(msg)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// VerifyDetached checks a hex-encoded detached signature over the canonical
// form of v against the key resolved from did. Returns false on any failure.
func VerifyDetached(did, sigHex string, v any) bool {
	pub, ok := identity.Resolve(did)
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	msg, err := Canonicalize(v)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
