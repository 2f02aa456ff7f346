package agent

import (
	"sync"

	"github.com/rs/zerolog"
)

// EventKind categorizes orchestrator events surfaced to the application.
type EventKind string

const (
	// EventSuggestion carries a match worth human review.
	EventSuggestion EventKind = "suggestion"
	// EventProposalReceived carries an inbound introduction proposal.
	EventProposalReceived EventKind = "proposal:received"
	// EventProposalAccepted fires when a peer accepts one of our proposals.
	EventProposalAccepted EventKind = "proposal:accepted"
	// EventProposalDeclined fires when a peer declines one of our proposals.
	EventProposalDeclined EventKind = "proposal:declined"
	// EventOffline fires when the relay connection is lost for good.
	EventOffline EventKind = "offline"
)

// Event is one orchestrator occurrence.
type Event struct {
	Kind     EventKind
	Match    *MatchSuggestion
	Proposal *Proposal
	Err      error
}

// MatchSuggestion pairs a match result with the recommendation that stopped
// short of auto-proposing.
type MatchSuggestion struct {
	Score     int
	Peer      string
	MatchID   string
	IntentID  string
}

// Observer receives orchestrator events synchronously.
type Observer func(Event)

// observerList fans events out to registered observers. A panic in one
// observer is recovered and logged so it cannot block delivery to the rest.
type observerList struct {
	mu        sync.RWMutex
	observers []Observer
	log       zerolog.Logger
}

func newObserverList(log zerolog.Logger) *observerList {
	return &observerList{log: log}
}

// subscribe registers an observer for all subsequent events.
func (o *observerList) subscribe(fn Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

// publish delivers ev to every observer in registration order.
func (o *observerList) publish(ev Event) {
	o.mu.RLock()
	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)
	o.mu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.log.Error().Interface("panic", r).Str("event", string(ev.Kind)).Msg("observer panicked")
				}
			}()
			fn(ev)
		}()
	}
}
