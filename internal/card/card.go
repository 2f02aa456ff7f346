// Package card defines the agent card: the public profile an agent publishes
// to the relay on connect and whenever its authenticity vector is recomputed.
package card

import (
	"github.com/tacitprotocol/tacit-sub000/internal/authenticity"
)

// IntroStyle is an agent's preferred introduction pacing.
type IntroStyle string

const (
	StyleDirect  IntroStyle = "direct"
	StyleGradual IntroStyle = "gradual"
	StyleWarm    IntroStyle = "warm"
)

// Preferences capture how an agent wants introductions handled.
type Preferences struct {
	IntroStyle       IntroStyle `json:"intro_style"`
	AnonymousDefault bool       `json:"anonymous_default"`
	ResponseTime     string     `json:"response_time,omitempty"` // e.g. "24h"
	Languages        []string   `json:"languages,omitempty"`
}

// Domain is one seeking/offering declaration within a card.
type Domain struct {
	Name     string   `json:"name"`
	Seeking  []string `json:"seeking,omitempty"`
	Offering []string `json:"offering,omitempty"`
	Context  []string `json:"context,omitempty"`
}

// Card is the published agent profile. It is rebuilt on demand from the
// current identity and authenticity state rather than persisted.
type Card struct {
	DID          string              `json:"did"`
	DisplayName  string              `json:"display_name,omitempty"`
	Versions     []string            `json:"versions"`
	Domains      []Domain            `json:"domains,omitempty"`
	Authenticity authenticity.Vector `json:"authenticity"`
	Preferences  Preferences         `json:"preferences"`
	MinIntroAuth int                 `json:"min_intro_auth,omitempty"`
}

// SeekingTerms returns every seeking term across all declared domains.
func (c *Card) SeekingTerms() []string {
	var out []string
	for _, d := range c.Domains {
		out = append(out, d.Seeking...)
	}
	return out
}

// ContextTerms returns every context and offering term across all domains.
func (c *Card) ContextTerms() []string {
	var out []string
	for _, d := range c.Domains {
		out = append(out, d.Context...)
		out = append(out, d.Offering...)
	}
	return out
}
