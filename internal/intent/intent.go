// Package intent defines the structured seeking/offering declarations agents
// broadcast for matching, and an expiring local cache of them.
package intent

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tacitprotocol/tacit-sub000/internal/envelope"
	"github.com/tacitprotocol/tacit-sub000/internal/identity"
)

// PrivacyLevel controls how much of the owning agent is revealed alongside a
// broadcast intent.
type PrivacyLevel string

const (
	PrivacyAnonymous  PrivacyLevel = "anonymous"
	PrivacyPseudonym  PrivacyLevel = "pseudonymous"
	PrivacyIdentified PrivacyLevel = "identified"
)

// Filters are the thresholds a counterparty must meet before a match is
// considered.
type Filters struct {
	MinAuthenticity     int      `json:"min_authenticity"`
	RequiredCredentials []string `json:"required_credentials,omitempty"`
}

// Intent is a signed, time-limited declaration of what an agent seeks and
// offers. It expires automatically once now > CreatedAt + TTL.
type Intent struct {
	ID        string       `json:"id"`
	Owner     string       `json:"owner"`
	Type      string       `json:"type"`
	Domain    string       `json:"domain"`
	Seeking   []string     `json:"seeking,omitempty"`
	Context   []string     `json:"context,omitempty"`
	Filters   Filters      `json:"filters"`
	Privacy   PrivacyLevel `json:"privacy"`
	TTL       int64        `json:"ttl"` // seconds
	CreatedAt time.Time    `json:"created_at"`
	Signature string       `json:"signature,omitempty"`
}

// New builds an unsigned intent owned by the given identifier.
func New(owner, intentType, domain string, seeking, context []string, filters Filters, privacy PrivacyLevel, ttl time.Duration) *Intent {
	if privacy == "" {
		privacy = PrivacyPseudonym
	}
	return &Intent{
		ID:        uuid.NewString(),
		Owner:     owner,
		Type:      intentType,
		Domain:    domain,
		Seeking:   seeking,
		Context:   context,
		Filters:   filters,
		Privacy:   privacy,
		TTL:       int64(ttl.Seconds()),
		CreatedAt: time.Now().UTC(),
	}
}

// ExpiresAt returns the instant the intent lapses.
func (in *Intent) ExpiresAt() time.Time {
	return in.CreatedAt.Add(time.Duration(in.TTL) * time.Second)
}

// Expired reports whether the intent's TTL has elapsed at now.
func (in *Intent) Expired(now time.Time) bool {
	return now.After(in.ExpiresAt())
}

// RemainingFraction returns the fraction of TTL left at now, in [0,1].
func (in *Intent) RemainingFraction(now time.Time) float64 {
	if in.TTL <= 0 {
		return 0
	}
	left := in.ExpiresAt().Sub(now).Seconds() / float64(in.TTL)
	if left < 0 {
		return 0
	}
	if left > 1 {
		return 1
	}
	return left
}

// unsigned returns the intent with its signature stripped, the form covered
// by the detached signature.
func (in *Intent) unsigned() Intent {
	cp := *in
	cp.Signature = ""
	return cp
}

// Sign attaches the owner's detached signature over the canonical intent.
func (in *Intent) Sign(id *identity.Identity) error {
	if id.DID != in.Owner {
		return fmt.Errorf("sign intent: identity %s does not own intent", id.DID)
	}
	sig, err := envelope.SignDetached(id, in.unsigned())
	if err != nil {
		return err
	}
	in.Signature = sig
	return nil
}

// VerifySignature checks the detached signature against the owner's resolved
// public key. Returns false for unsigned or forged intents.
func (in *Intent) VerifySignature() bool {
	if in.Signature == "" {
		return false
	}
	return envelope.VerifyDetached(in.Owner, in.Signature, in.unsigned())
}
