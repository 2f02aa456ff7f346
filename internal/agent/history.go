package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tacitprotocol/tacit-sub000/internal/authenticity"
	"github.com/tacitprotocol/tacit-sub000/internal/storage"
)

// Interaction outcomes recorded in history.
const (
	InteractionIntroAccepted = "intro_accepted"
	InteractionIntroDeclined = "intro_declined"
	InteractionPositive      = "positive"
	InteractionNegative      = "negative"
)

// Interaction is one recorded exchange with a peer. History feeds the
// network-trust dimension of authenticity recomputation.
type Interaction struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Peer    string    `json:"peer"`
	Mutual  bool      `json:"mutual,omitempty"`
	At      time.Time `json:"at"`
}

const historyPrefix = "history/"

// recordInteraction appends an interaction to persistent history.
func recordInteraction(store storage.Store, kind, peer string, mutual bool) error {
	rec := Interaction{
		ID:     uuid.NewString(),
		Kind:   kind,
		Peer:   peer,
		Mutual: mutual,
		At:     time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal interaction: %w", err)
	}
	key := historyPrefix + rec.At.Format(time.RFC3339Nano) + "/" + rec.ID
	return store.Set(key, raw)
}

// loadHistory reads all recorded interactions.
func loadHistory(store storage.Store) ([]Interaction, error) {
	keys, err := store.List(historyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	out := make([]Interaction, 0, len(keys))
	for _, k := range keys {
		raw, err := store.Get(k)
		if err != nil {
			return nil, fmt.Errorf("read history %q: %w", k, err)
		}
		var rec Interaction
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue // skip corrupt entries rather than wedging recomputation
		}
		out = append(out, rec)
	}
	return out, nil
}

// networkSignals folds history into the authenticity engine's inputs.
func networkSignals(history []Interaction) authenticity.NetworkSignals {
	if len(history) == 0 {
		return authenticity.NetworkSignals{}
	}

	var intros, introSuccesses, positives int
	mutualPeers := make(map[string]bool)
	var last time.Time

	for _, rec := range history {
		switch rec.Kind {
		case InteractionIntroAccepted:
			intros++
			introSuccesses++
		case InteractionIntroDeclined:
			intros++
		case InteractionPositive:
			positives++
		}
		if rec.Mutual {
			mutualPeers[rec.Peer] = true
		}
		if rec.At.After(last) {
			last = rec.At
		}
	}

	signals := authenticity.NetworkSignals{
		TotalInteractions:  len(history),
		PositiveRate:       float64(positives+introSuccesses) / float64(len(history)),
		MutualTrustedPeers: len(mutualPeers),
		LastInteraction:    last,
	}
	if intros > 0 {
		signals.IntroSuccessRate = float64(introSuccesses) / float64(intros)
	}
	return signals
}
