package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tacitprotocol/tacit-sub000/internal/envelope"
	"github.com/tacitprotocol/tacit-sub000/internal/identity"
	"github.com/tacitprotocol/tacit-sub000/internal/match"
)

// Status is a proposal's lifecycle state. Acceptance by one side does not
// merge with acceptance by the other: there is no combined "confirmed"
// status, and a proposal whose terms expire while non-terminal simply stays
// where it is. Both are deliberate protocol behavior today.
type Status string

const (
	StatusPending             Status = "pending"
	StatusAcceptedByInitiator Status = "accepted_by_initiator"
	StatusAcceptedByResponder Status = "accepted_by_responder"
	StatusDeclined            Status = "declined"
)

// ErrBadTransition is returned for transitions outside the allowed set.
var ErrBadTransition = errors.New("agent: invalid proposal status transition")

// allowedTransitions is the closed set of legal status changes.
var allowedTransitions = map[Status][]Status{
	StatusPending:             {StatusAcceptedByInitiator, StatusAcceptedByResponder, StatusDeclined},
	StatusAcceptedByInitiator: {StatusDeclined},
	StatusAcceptedByResponder: {StatusDeclined},
	StatusDeclined:            {},
}

// Transition validates and applies a status change. Illegal transitions
// (e.g. declined -> accepted) are rejected, never silently permitted.
func (p *Proposal) Transition(to Status) error {
	for _, next := range allowedTransitions[p.Status] {
		if next == to {
			p.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, p.Status, to)
}

// AnonymityLevel scopes how much of the initiator's identity a persona
// reveals up front.
type AnonymityLevel string

const (
	AnonymityFull    AnonymityLevel = "full"
	AnonymityPartial AnonymityLevel = "partial"
	AnonymityNone    AnonymityLevel = "none"
)

// Persona is the anonymity-scoped face the initiator presents in a proposal.
type Persona struct {
	DisplayName string         `json:"display_name"`
	Context     string         `json:"context,omitempty"`
	Anonymity   AnonymityLevel `json:"anonymity"`
	SessionID   string         `json:"session_id"`
}

// Terms describe the staged reveal plan and bounds of an introduction.
type Terms struct {
	InitialReveal string    `json:"initial_reveal"`
	RevealStages  []string  `json:"reveal_stages"`
	Channel       string    `json:"channel"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Proposal is a signed offer to introduce two agents' principals, subject to
// double opt-in. Each participant persists their copy locally; the relay only
// routes it.
type Proposal struct {
	ID        string       `json:"id"`
	Initiator string       `json:"initiator"`
	Persona   Persona      `json:"persona"`
	Responder string       `json:"responder"`
	Match     match.Result `json:"match"`
	Terms     Terms        `json:"terms"`
	Status    Status       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	Signature string       `json:"signature,omitempty"`
}

// proposalExpiry is how long a proposal's terms remain open.
const proposalExpiry = 7 * 24 * time.Hour

// defaultRevealStages is the standard three-stage reveal plan.
var defaultRevealStages = []string{"domain-context", "professional-background", "identity"}

// NewProposal builds a pending proposal from a match result.
func NewProposal(initiator string, persona Persona, responder string, summary match.Result) *Proposal {
	now := time.Now().UTC()
	if persona.SessionID == "" {
		persona.SessionID = uuid.NewString()
	}
	return &Proposal{
		ID:        uuid.NewString(),
		Initiator: initiator,
		Persona:   persona,
		Responder: responder,
		Match:     summary,
		Terms: Terms{
			InitialReveal: defaultRevealStages[0],
			RevealStages:  defaultRevealStages[1:],
			Channel:       "relay",
			ExpiresAt:     now.Add(proposalExpiry),
		},
		Status:    StatusPending,
		CreatedAt: now,
	}
}

// ExpiredTerms reports whether the proposal's terms have lapsed at now.
func (p *Proposal) ExpiredTerms(now time.Time) bool {
	return now.After(p.Terms.ExpiresAt)
}

// signedForm strips the mutable fields (status, signature) so the signature
// stays valid across status transitions.
func (p *Proposal) signedForm() Proposal {
	cp := *p
	cp.Status = ""
	cp.Signature = ""
	return cp
}

// Sign attaches the initiator's detached signature.
func (p *Proposal) Sign(id *identity.Identity) error {
	if id.DID != p.Initiator {
		return fmt.Errorf("sign proposal: identity %s is not the initiator", id.DID)
	}
	sig, err := envelope.SignDetached(id, p.signedForm())
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// VerifySignature checks the initiator's detached signature.
func (p *Proposal) VerifySignature() bool {
	if p.Signature == "" {
		return false
	}
	return envelope.VerifyDetached(p.Initiator, p.Signature, p.signedForm())
}
