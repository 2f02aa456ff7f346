package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/tacitprotocol/tacit-sub000/internal/identity"
	"github.com/tacitprotocol/tacit-sub000/internal/match"
)

func TestProposalTransitions(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusPending, StatusAcceptedByInitiator, true},
		{StatusPending, StatusAcceptedByResponder, true},
		{StatusPending, StatusDeclined, true},
		{StatusAcceptedByInitiator, StatusDeclined, true},
		{StatusAcceptedByResponder, StatusDeclined, true},
		{StatusAcceptedByInitiator, StatusAcceptedByResponder, false},
		{StatusAcceptedByResponder, StatusAcceptedByInitiator, false},
		{StatusDeclined, StatusAcceptedByInitiator, false},
		{StatusDeclined, StatusAcceptedByResponder, false},
		{StatusDeclined, StatusPending, false},
		{StatusAcceptedByInitiator, StatusPending, false},
	}
	for _, tc := range cases {
		p := &Proposal{Status: tc.from}
		err := p.Transition(tc.to)
		if tc.ok && err != nil {
			t.Errorf("Transition(%s -> %s) = %v, want nil", tc.from, tc.to, err)
		}
		if !tc.ok {
			if !errors.Is(err, ErrBadTransition) {
				t.Errorf("Transition(%s -> %s) = %v, want ErrBadTransition", tc.from, tc.to, err)
			}
			if p.Status != tc.from {
				t.Errorf("status after rejected transition = %s, want %s", p.Status, tc.from)
			}
		}
	}
}

func TestProposalSignatureSurvivesTransition(t *testing.T) {
	initiator, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	p := NewProposal(initiator.DID, Persona{DisplayName: "Quill", Anonymity: AnonymityPartial}, "did:key:zresponder", match.Result{Score: 84})
	if err := p.Sign(initiator); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if !p.VerifySignature() {
		t.Fatal("VerifySignature() = false for freshly signed proposal")
	}
	if err := p.Transition(StatusAcceptedByResponder); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	if !p.VerifySignature() {
		t.Error("VerifySignature() = false after status transition, want true")
	}

	p.Responder = "did:key:zsomeoneelse"
	if p.VerifySignature() {
		t.Error("VerifySignature() = true after tampering with responder")
	}
}

func TestProposalSignRejectsNonInitiator(t *testing.T) {
	initiator, _ := identity.Generate()
	other, _ := identity.Generate()
	p := NewProposal(initiator.DID, Persona{}, "did:key:zresponder", match.Result{})
	if err := p.Sign(other); err == nil {
		t.Error("Sign() with non-initiator identity succeeded, want error")
	}
}

// A proposal whose terms lapse while pending stays actionable: expiry bounds
// the terms, not the record, and no sweeper retires it.
func TestProposalPendingPastExpiry(t *testing.T) {
	initiator, _ := identity.Generate()
	p := NewProposal(initiator.DID, Persona{}, "did:key:zresponder", match.Result{})
	p.Terms.ExpiresAt = time.Now().UTC().Add(-time.Hour)

	if !p.ExpiredTerms(time.Now().UTC()) {
		t.Fatal("ExpiredTerms() = false for lapsed terms")
	}
	if p.Status != StatusPending {
		t.Fatalf("status = %s, want pending", p.Status)
	}
	if err := p.Transition(StatusAcceptedByResponder); err != nil {
		t.Errorf("Transition() on lapsed proposal = %v, want nil", err)
	}
}

func TestNewProposalDefaults(t *testing.T) {
	p := NewProposal("did:key:zinit", Persona{}, "did:key:zresp", match.Result{})
	if p.Status != StatusPending {
		t.Errorf("Status = %s, want pending", p.Status)
	}
	if p.Terms.InitialReveal != "domain-context" {
		t.Errorf("InitialReveal = %q, want domain-context", p.Terms.InitialReveal)
	}
	if len(p.Terms.RevealStages) != 2 {
		t.Errorf("len(RevealStages) = %d, want 2", len(p.Terms.RevealStages))
	}
	wantExpiry := time.Now().UTC().Add(7 * 24 * time.Hour)
	if diff := p.Terms.ExpiresAt.Sub(wantExpiry); diff < -time.Minute || diff > time.Minute {
		t.Errorf("ExpiresAt = %v, want about %v", p.Terms.ExpiresAt, wantExpiry)
	}
	if p.Persona.SessionID == "" {
		t.Error("SessionID not populated")
	}
}
