package relay

import (
	"encoding/json"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/tacitprotocol/tacit-sub000/internal/intent"
	"github.com/tacitprotocol/tacit-sub000/internal/match"
)

// The relay does not hold enough card detail to score authenticity and
// preference compatibility, so the sweep holds those two dimensions at a
// fixed default and lets the client-side scorer refine them.
const sweepDefaultFit = 0.7

// alignmentBoost compensates for keyword-sparse intents in the bag-of-words
// comparison. The boosted value is capped at 1.
const alignmentBoost = 3

// sweepScore is the relay's simplified three-factor compatibility score for a
// pair of intents, on the same 0-100 scale and dimension weights as the
// client-side scorer.
func sweepScore(a, b *intent.Intent, now time.Time) (int, match.Breakdown) {
	bd := match.Breakdown{
		IntentAlignment: textAlignment(a, b),
		DomainFit:       match.DomainFit(a.Domain, b.Domain),
		Timing:          sweepTiming(a, b, now),
		Authenticity:    sweepDefaultFit,
		Preferences:     sweepDefaultFit,
	}
	total := match.WeightIntentAlignment*bd.IntentAlignment +
		match.WeightDomainFit*bd.DomainFit +
		match.WeightTiming*bd.Timing +
		match.WeightAuthenticity*bd.Authenticity +
		match.WeightPreferences*bd.Preferences
	return int(math.Round(total * 100)), bd
}

// textAlignment compares the bag of words of one intent's full JSON rendering
// against the other's, averaged both directions and boosted.
func textAlignment(a, b *intent.Intent) float64 {
	wordsA := intentWords(a)
	wordsB := intentWords(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}
	hitsA := 0
	for w := range wordsA {
		if wordsB[w] {
			hitsA++
		}
	}
	hitsB := 0
	for w := range wordsB {
		if wordsA[w] {
			hitsB++
		}
	}
	raw := (float64(hitsA)/float64(len(wordsA)) + float64(hitsB)/float64(len(wordsB))) / 2
	return math.Min(1, raw*alignmentBoost)
}

// intentWords tokenizes the JSON text of an intent's declarative fields into
// a word set. Volatile fields (id, owner, signature, timestamps) and the JSON
// field names are excluded: they are identical or unique per intent and would
// only distort the overlap.
func intentWords(in *intent.Intent) map[string]bool {
	values := append(append(append([]string{in.Type, in.Domain}, in.Seeking...),
		in.Context...), in.Filters.RequiredCredentials...)
	raw, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	words := strings.FieldsFunc(strings.ToLower(string(raw)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) > 2 {
			set[w] = true
		}
	}
	return set
}

func sweepTiming(a, b *intent.Intent, now time.Time) float64 {
	if a.Expired(now) || b.Expired(now) {
		return 0
	}
	return (a.RemainingFraction(now) + b.RemainingFraction(now)) / 2
}

// runMatchSweep scores every not-yet-scored pair of active intents from
// different owners and notifies both parties of pairs at or above the
// threshold. Notified intents are marked matched so they are not re-offered.
func (s *Server) runMatchSweep(now time.Time) {
	candidates := s.state.activeUnmatched(now)

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			if a.Owner == b.Owner {
				continue
			}
			if !s.state.markScored(a.ID, b.ID, now) {
				continue
			}
			score, bd := sweepScore(a, b, now)
			if score < s.cfg.MatchThreshold {
				continue
			}
			result := match.Result{
				ID:         uuid.NewString(),
				Initiator:  a.Owner,
				Responder:  b.Owner,
				IntentA:    a.ID,
				IntentB:    b.ID,
				Score:      score,
				Breakdown:  bd,
				ComputedAt: now,
			}
			s.state.markMatched(a.ID, b.ID)
			s.notifyMatch(a.Owner, result, b)
			s.notifyMatch(b.Owner, result, a)
			s.log.Info().
				Str("initiator", a.Owner).
				Str("responder", b.Owner).
				Int("score", score).
				Msg("match notified")
		}
	}
}
