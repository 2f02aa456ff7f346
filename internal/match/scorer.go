// Package match scores pairwise compatibility between two agents' intents and
// cards across five weighted dimensions, and recommends an action for the
// resulting score.
package match

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tacitprotocol/tacit-sub000/internal/card"
	"github.com/tacitprotocol/tacit-sub000/internal/intent"
)

// Dimension weights. They sum to 1.
const (
	WeightIntentAlignment = 0.30
	WeightDomainFit       = 0.25
	WeightTiming          = 0.20
	WeightAuthenticity    = 0.15
	WeightPreferences     = 0.10
)

// NotifyThreshold is the minimum overall score for a match to be worth
// surfacing at all.
const NotifyThreshold = 60

// Action is the recommendation derived from a match score.
type Action string

const (
	ActionAutoPropose Action = "auto-propose"
	ActionSuggest     Action = "suggest"
	ActionIgnore      Action = "ignore"
)

// Thresholds configure the score cutoffs for each action.
type Thresholds struct {
	AutoPropose int
	Suggest     int
}

// DefaultThresholds are the standard action cutoffs.
var DefaultThresholds = Thresholds{AutoPropose: 80, Suggest: 60}

// Breakdown is the per-dimension detail of a match score, each in [0,1].
type Breakdown struct {
	IntentAlignment float64 `json:"intent_alignment"`
	DomainFit       float64 `json:"domain_fit"`
	Timing          float64 `json:"timing"`
	Authenticity    float64 `json:"authenticity"`
	Preferences     float64 `json:"preferences"`
}

// Result is an ephemeral pairwise match outcome.
type Result struct {
	ID          string    `json:"id"`
	Initiator   string    `json:"initiator"`
	Responder   string    `json:"responder"`
	IntentA     string    `json:"intent_a"`
	IntentB     string    `json:"intent_b"`
	Score       int       `json:"score"`
	Breakdown   Breakdown `json:"breakdown"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Notification is the match:notify wire payload: the relay's scored result
// plus the peer's card and intent, so the recipient can rescore with full
// information before acting.
type Notification struct {
	Result
	PeerCard   *card.Card     `json:"peer_card,omitempty"`
	PeerIntent *intent.Intent `json:"peer_intent,omitempty"`
}

// relatedDomains lists domains treated as adjacent for domain-fit scoring.
var relatedDomains = map[string][]string{
	"professional": {"business", "technical", "academic"},
	"business":     {"professional", "investment"},
	"technical":    {"professional", "academic"},
	"academic":     {"technical", "professional", "research"},
	"research":     {"academic"},
	"investment":   {"business"},
	"creative":     {"social"},
	"social":       {"creative", "community"},
	"community":    {"social"},
}

// DomainFit returns 0.9 for identical domains, 0.5 for domains listed as
// related, and 0.1 otherwise.
func DomainFit(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b && a != "" {
		return 0.9
	}
	for _, rel := range relatedDomains[a] {
		if rel == b {
			return 0.5
		}
	}
	return 0.1
}

// Tokenize splits free text into lowercase terms, dropping short stop-words.
func Tokenize(terms []string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range terms {
		for _, w := range strings.Fields(strings.ToLower(t)) {
			w = strings.Trim(w, ".,;:!?\"'()[]{}")
			if len(w) > 2 {
				set[w] = true
			}
		}
	}
	return set
}

// overlap returns |a ∩ b| / |a|, the fraction of a's terms found in b.
func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 {
		return 0
	}
	hits := 0
	for w := range a {
		if b[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(a))
}

// intentAlignment measures bidirectional term overlap: one side's seeking
// terms against the other's seeking plus context, averaged both directions.
// Card domain declarations widen each side's term pool, so a sparse intent
// still aligns with a peer whose card advertises what it seeks.
func intentAlignment(a, b *intent.Intent, cardA, cardB *card.Card) float64 {
	seekA := Tokenize(append(append([]string{}, a.Seeking...), cardA.SeekingTerms()...))
	seekB := Tokenize(append(append([]string{}, b.Seeking...), cardB.SeekingTerms()...))
	fullA := Tokenize(append(append(append([]string{}, a.Seeking...), a.Context...), cardA.ContextTerms()...))
	fullB := Tokenize(append(append(append([]string{}, b.Seeking...), b.Context...), cardB.ContextTerms()...))
	return (overlap(seekA, fullB) + overlap(seekB, fullA)) / 2
}

// timingFit is zero when either intent has lapsed, otherwise the average
// fraction of TTL remaining on both sides.
func timingFit(a, b *intent.Intent, now time.Time) float64 {
	if a.Expired(now) || b.Expired(now) {
		return 0
	}
	return (a.RemainingFraction(now) + b.RemainingFraction(now)) / 2
}

// authenticityFit checks that both sides' minimum-authenticity filters are
// mutually satisfied: 0 when neither direction holds, 0.3 when only one does,
// otherwise 0.6 plus a bonus scaled by how far each side exceeds the other's
// minimum.
func authenticityFit(a, b *intent.Intent, cardA, cardB *card.Card) float64 {
	aSatisfied := cardB.Authenticity.Score >= a.Filters.MinAuthenticity
	bSatisfied := cardA.Authenticity.Score >= b.Filters.MinAuthenticity

	switch {
	case aSatisfied && bSatisfied:
		excess := float64(cardB.Authenticity.Score-a.Filters.MinAuthenticity+
			cardA.Authenticity.Score-b.Filters.MinAuthenticity) / 200
		return math.Min(1, 0.6+0.4*math.Min(1, excess))
	case aSatisfied || bSatisfied:
		return 0.3
	default:
		return 0
	}
}

// preferenceFit averages a language-overlap check and an introduction-style
// check. Mismatched styles earn partial credit.
func preferenceFit(a, b *card.Card) float64 {
	langs := 0.0
	setA := make(map[string]bool, len(a.Preferences.Languages))
	for _, l := range a.Preferences.Languages {
		setA[strings.ToLower(l)] = true
	}
	for _, l := range b.Preferences.Languages {
		if setA[strings.ToLower(l)] {
			langs = 1
			break
		}
	}
	if len(a.Preferences.Languages) == 0 && len(b.Preferences.Languages) == 0 {
		langs = 1
	}

	style := 0.5
	if a.Preferences.IntroStyle == b.Preferences.IntroStyle {
		style = 1
	}
	return (langs + style) / 2
}

// Score computes the full five-dimension compatibility between two
// (intent, card) pairs. The returned result's Initiator is always side A.
func Score(intA *intent.Intent, cardA *card.Card, intB *intent.Intent, cardB *card.Card, now time.Time) Result {
	bd := Breakdown{
		IntentAlignment: intentAlignment(intA, intB, cardA, cardB),
		DomainFit:       DomainFit(intA.Domain, intB.Domain),
		Timing:          timingFit(intA, intB, now),
		Authenticity:    authenticityFit(intA, intB, cardA, cardB),
		Preferences:     preferenceFit(cardA, cardB),
	}
	total := WeightIntentAlignment*bd.IntentAlignment +
		WeightDomainFit*bd.DomainFit +
		WeightTiming*bd.Timing +
		WeightAuthenticity*bd.Authenticity +
		WeightPreferences*bd.Preferences

	return Result{
		ID:         uuid.NewString(),
		Initiator:  intA.Owner,
		Responder:  intB.Owner,
		IntentA:    intA.ID,
		IntentB:    intB.ID,
		Score:      int(math.Round(total * 100)),
		Breakdown:  bd,
		ComputedAt: now,
	}
}

// ActionFor maps a score to a recommendation under the given thresholds.
func ActionFor(score int, t Thresholds) Action {
	switch {
	case score >= t.AutoPropose:
		return ActionAutoPropose
	case score >= t.Suggest:
		return ActionSuggest
	default:
		return ActionIgnore
	}
}
