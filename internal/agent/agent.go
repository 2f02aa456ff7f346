// Package agent ties the protocol together for one participant: it owns an
// identity, publishes intents, reacts to match notifications, and drives the
// double-opt-in introduction proposal lifecycle, persisting state through a
// pluggable key-value store.
package agent

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tacitprotocol/tacit-sub000/internal/authenticity"
	"github.com/tacitprotocol/tacit-sub000/internal/card"
	"github.com/tacitprotocol/tacit-sub000/internal/client"
	"github.com/tacitprotocol/tacit-sub000/internal/envelope"
	"github.com/tacitprotocol/tacit-sub000/internal/identity"
	"github.com/tacitprotocol/tacit-sub000/internal/intent"
	"github.com/tacitprotocol/tacit-sub000/internal/match"
	"github.com/tacitprotocol/tacit-sub000/internal/storage"
)

// ErrUnknownProposal is returned when operating on a proposal id the agent
// does not hold. This indicates a programming error, not network conditions.
var ErrUnknownProposal = errors.New("agent: unknown proposal")

// ErrUnknownIntent is returned when withdrawing an intent the agent never
// published.
var ErrUnknownIntent = errors.New("agent: unknown intent")

// RelayLink is the connection surface the orchestrator drives. The production
// implementation is client.Client; tests substitute a double behind the same
// interface.
type RelayLink interface {
	Connect() error
	Close() error
	Events() <-chan client.Event
	PublishCard(*card.Card) error
	PublishIntent(*intent.Intent) error
	WithdrawIntent(intentID string) error
	SendProposal(to string, proposal any) error
	AcceptProposal(to string, payload any) error
	DeclineProposal(to string, payload any) error
}

// Profile is the agent's published self-description and matching posture.
type Profile struct {
	DisplayName  string                          `json:"display_name"`
	Domains      []card.Domain                   `json:"domains"`
	Preferences  card.Preferences                `json:"preferences"`
	Credentials  []authenticity.Credential       `json:"credentials,omitempty"`
	Consistency  authenticity.ConsistencySignals `json:"consistency"`
	MinIntroAuth int                             `json:"min_intro_auth"`
	Thresholds   match.Thresholds                `json:"-"`
}

const (
	identityKey    = "identity"
	intentPrefix   = "intent/"
	proposalPrefix = "proposal/"
)

// storedIdentity is the persisted identity record.
type storedIdentity struct {
	PrivateKey string    `json:"private_key"` // hex-encoded 64-byte Ed25519 key
	CreatedAt  time.Time `json:"created_at"`
}

// Agent is the orchestrator for one identity.
type Agent struct {
	id      *identity.Identity
	store   storage.Store
	log     zerolog.Logger
	profile Profile

	mu        sync.Mutex
	link      RelayLink
	connected bool
	vector    authenticity.Vector
	proposals map[string]*Proposal

	intents   *intent.Store
	observers *observerList
	wg        sync.WaitGroup
	stop      chan struct{}
	stopOnce  sync.Once
}

// intentPruneInterval is how often the local intent cache drops lapsed
// entries.
const intentPruneInterval = time.Minute

// HasIdentity reports whether the store already holds a persisted identity.
func HasIdentity(store storage.Store) (bool, error) {
	raw, err := store.Get(identityKey)
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

// New generates a fresh identity, persists it, and returns the agent.
func New(store storage.Store, profile Profile, log zerolog.Logger) (*Agent, error) {
	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	rec := storedIdentity{
		PrivateKey: hex.EncodeToString(id.PrivateKey),
		CreatedAt:  id.CreatedAt,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}
	if err := store.Set(identityKey, raw); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return newAgent(id, store, profile, log)
}

// Load restores an agent from storage. It fails if no identity was ever
// persisted there.
func Load(store storage.Store, profile Profile, log zerolog.Logger) (*Agent, error) {
	raw, err := store.Get(identityKey)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	if raw == nil {
		return nil, errors.New("agent: no identity in storage")
	}
	var rec storedIdentity
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	keyBytes, err := hex.DecodeString(rec.PrivateKey)
	if err != nil || len(keyBytes) != ed25519.PrivateKeySize {
		return nil, errors.New("agent: corrupt identity record")
	}
	priv := ed25519.PrivateKey(keyBytes)
	pub := priv.Public().(ed25519.PublicKey)
	id := &identity.Identity{
		DID:        identity.DeriveDID(pub),
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  rec.CreatedAt,
	}
	return newAgent(id, store, profile, log)
}

func newAgent(id *identity.Identity, store storage.Store, profile Profile, log zerolog.Logger) (*Agent, error) {
	if profile.Thresholds == (match.Thresholds{}) {
		profile.Thresholds = match.DefaultThresholds
	}
	a := &Agent{
		id:        id,
		store:     store,
		log:       log.With().Str("did", id.DID).Logger(),
		profile:   profile,
		proposals: make(map[string]*Proposal),
		intents:   intent.NewStore(),
		observers: newObserverList(log),
		stop:      make(chan struct{}),
	}
	if err := a.loadProposals(); err != nil {
		return nil, err
	}
	if err := a.loadIntents(); err != nil {
		return nil, err
	}
	a.RecomputeAuthenticity()
	return a, nil
}

func (a *Agent) loadProposals() error {
	keys, err := a.store.List(proposalPrefix)
	if err != nil {
		return fmt.Errorf("list proposals: %w", err)
	}
	for _, k := range keys {
		raw, err := a.store.Get(k)
		if err != nil {
			return fmt.Errorf("read proposal %q: %w", k, err)
		}
		var p Proposal
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		a.proposals[p.ID] = &p
	}
	return nil
}

func (a *Agent) loadIntents() error {
	keys, err := a.store.List(intentPrefix)
	if err != nil {
		return fmt.Errorf("list intents: %w", err)
	}
	now := time.Now()
	for _, k := range keys {
		raw, err := a.store.Get(k)
		if err != nil {
			return fmt.Errorf("read intent %q: %w", k, err)
		}
		var in intent.Intent
		if err := json.Unmarshal(raw, &in); err != nil {
			continue
		}
		if in.Expired(now) {
			_ = a.store.Delete(k)
			continue
		}
		a.intents.Add(&in)
	}
	return nil
}

// DID returns the agent's identifier.
func (a *Agent) DID() string {
	return a.id.DID
}

// Identity returns the agent's signing identity, for wiring up a relay
// client.
func (a *Agent) Identity() *identity.Identity {
	return a.id
}

// Vector returns the most recently computed authenticity vector.
func (a *Agent) Vector() authenticity.Vector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vector
}

// Subscribe registers an observer for orchestrator events. Observers run
// synchronously; an error or panic in one does not block the others.
func (a *Agent) Subscribe(fn Observer) {
	a.observers.subscribe(fn)
}

// Card rebuilds the agent card from current identity and authenticity state.
func (a *Agent) Card() *card.Card {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &card.Card{
		DID:          a.id.DID,
		DisplayName:  a.profile.DisplayName,
		Versions:     []string{envelope.Version},
		Domains:      a.profile.Domains,
		Authenticity: a.vector,
		Preferences:  a.profile.Preferences,
		MinIntroAuth: a.profile.MinIntroAuth,
	}
}

// Connect attaches a relay link, publishes the agent card, and starts
// dispatching inbound events.
func (a *Agent) Connect(link RelayLink) error {
	if err := link.Connect(); err != nil {
		return err
	}
	if err := link.PublishCard(a.Card()); err != nil {
		return fmt.Errorf("publish card: %w", err)
	}

	a.mu.Lock()
	a.link = link
	a.connected = true
	a.mu.Unlock()

	a.wg.Add(2)
	go a.eventLoop(link)
	go a.pruneLoop()
	return nil
}

func (a *Agent) pruneLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(intentPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if n := a.intents.PruneExpired(); n > 0 {
				a.log.Debug().Int("pruned", n).Msg("expired intents dropped")
			}
		}
	}
}

func (a *Agent) eventLoop(link RelayLink) {
	defer a.wg.Done()
	for ev := range link.Events() {
		switch ev.Type {
		case client.EventConnected:
			a.resync(link)
		case client.EventMatch:
			a.handleMatch(ev.Envelope)
		case client.EventProposalReceived:
			a.handleProposalReceived(ev.Envelope)
		case client.EventProposalAccepted:
			a.handlePeerAccept(ev.Envelope)
		case client.EventProposalDeclined:
			a.handlePeerDecline(ev.Envelope)
		case client.EventFatal:
			a.mu.Lock()
			a.connected = false
			a.mu.Unlock()
			a.log.Error().Err(ev.Err).Msg("relay link lost, operating offline")
			a.observers.publish(Event{Kind: EventOffline, Err: ev.Err})
		}
	}
}

// resync restores the agent's relay state after the link reports a
// (re)connection. The relay unbinds the identifier route when a socket dies,
// so the card must be republished on the fresh socket or the agent stays
// unroutable. Active intents are rebroadcast too, which covers a relay that
// restarted and lost its index entirely.
func (a *Agent) resync(link RelayLink) {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	if err := link.PublishCard(a.Card()); err != nil {
		a.log.Warn().Err(err).Msg("card republish after reconnect failed")
		return
	}
	for _, in := range a.intents.Active() {
		if err := link.PublishIntent(in); err != nil {
			a.log.Warn().Err(err).Str("intent", in.ID).Msg("intent rebroadcast failed")
		}
	}
}

// PublishIntent builds, signs, locally caches, and broadcasts an intent.
// When offline, the intent is still cached and the broadcast skipped.
func (a *Agent) PublishIntent(intentType, domain string, seeking, context []string, filters intent.Filters, privacy intent.PrivacyLevel, ttl time.Duration) (*intent.Intent, error) {
	in := intent.New(a.id.DID, intentType, domain, seeking, context, filters, privacy, ttl)
	if err := in.Sign(a.id); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal intent: %w", err)
	}
	if err := a.store.Set(intentPrefix+in.ID, raw); err != nil {
		return nil, fmt.Errorf("persist intent: %w", err)
	}
	a.intents.Add(in)

	a.mu.Lock()
	link, connected := a.link, a.connected
	a.mu.Unlock()
	if connected {
		if err := link.PublishIntent(in); err != nil {
			return nil, fmt.Errorf("broadcast intent: %w", err)
		}
	}
	return in, nil
}

// WithdrawIntent removes an intent from the local cache and the relay.
func (a *Agent) WithdrawIntent(intentID string) error {
	if !a.intents.Remove(intentID) {
		return ErrUnknownIntent
	}
	if err := a.store.Delete(intentPrefix + intentID); err != nil {
		return fmt.Errorf("delete intent: %w", err)
	}
	a.mu.Lock()
	link, connected := a.link, a.connected
	a.mu.Unlock()
	if connected {
		return link.WithdrawIntent(intentID)
	}
	return nil
}

// ActiveIntents returns the agent's unexpired cached intents.
func (a *Agent) ActiveIntents() []*intent.Intent {
	return a.intents.Active()
}

// handleMatch reacts to a relay match notification: auto-propose above the
// configured threshold, surface a suggestion above the lower threshold,
// otherwise ignore. The relay's sweep scores with placeholder authenticity
// and preference dimensions, so the notification is first rescored locally
// against this agent's own card and intent when the peer's are included.
// Only the side the relay lists as initiator proposes, so a single match
// yields at most one proposal.
func (a *Agent) handleMatch(env *envelope.Envelope) {
	var note match.Notification
	if err := json.Unmarshal(env.Payload, &note); err != nil {
		a.log.Debug().Err(err).Msg("malformed match payload")
		return
	}
	result := note.Result
	peer := result.Responder
	if peer == a.id.DID {
		peer = result.Initiator
	}

	if refined, ok := a.rescore(&note); ok {
		a.log.Debug().
			Int("sweep_score", result.Score).
			Int("refined_score", refined.Score).
			Msg("match rescored with full cards")
		result.Score = refined.Score
		result.Breakdown = refined.Breakdown
	}

	switch match.ActionFor(result.Score, a.profile.Thresholds) {
	case match.ActionAutoPropose:
		if result.Initiator != a.id.DID {
			return // the other side proposes
		}
		if _, err := a.ProposeIntro(peer, result); err != nil {
			a.log.Error().Err(err).Str("peer", peer).Msg("auto-propose failed")
		}
	case match.ActionSuggest:
		a.observers.publish(Event{
			Kind: EventSuggestion,
			Match: &MatchSuggestion{
				Score:    result.Score,
				Peer:     peer,
				MatchID:  result.ID,
				IntentID: result.IntentA,
			},
		})
	}
}

// rescore recomputes the five-dimension score with this agent's own card and
// intent on one side and the notified peer's on the other, replacing the
// sweep's fixed-default dimensions. It reports false when the notification
// carries no peer data or the local intent is no longer held.
func (a *Agent) rescore(note *match.Notification) (match.Result, bool) {
	if note.PeerCard == nil || note.PeerIntent == nil {
		return match.Result{}, false
	}
	ownID := note.IntentB
	if note.Initiator == a.id.DID {
		ownID = note.IntentA
	}
	own := a.intents.Get(ownID)
	if own == nil {
		return match.Result{}, false
	}
	return match.Score(own, a.Card(), note.PeerIntent, note.PeerCard, time.Now().UTC()), true
}

// ProposeIntro constructs, signs, persists, and routes an introduction
// proposal with the standard staged reveal plan and seven-day expiry.
func (a *Agent) ProposeIntro(responder string, summary match.Result) (*Proposal, error) {
	persona := Persona{
		DisplayName: a.profile.DisplayName,
		Anonymity:   AnonymityPartial,
	}
	if a.profile.Preferences.AnonymousDefault {
		persona.DisplayName = ""
		persona.Anonymity = AnonymityFull
	}
	p := NewProposal(a.id.DID, persona, responder, summary)
	if err := p.Sign(a.id); err != nil {
		return nil, err
	}
	if err := a.saveProposal(p); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.proposals[p.ID] = p
	link, connected := a.link, a.connected
	a.mu.Unlock()

	if connected {
		if err := link.SendProposal(responder, p); err != nil {
			return nil, fmt.Errorf("route proposal: %w", err)
		}
	}
	a.log.Info().Str("proposal", p.ID).Str("responder", responder).Msg("proposal sent")
	return p, nil
}

// AcceptProposal transitions a held proposal to the acceptance state for this
// agent's side, notifies the peer, and records a positive interaction that
// feeds future authenticity recomputation.
func (a *Agent) AcceptProposal(proposalID string) error {
	a.mu.Lock()
	p, ok := a.proposals[proposalID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownProposal
	}
	target := StatusAcceptedByResponder
	peer := p.Initiator
	if p.Initiator == a.id.DID {
		target = StatusAcceptedByInitiator
		peer = p.Responder
	}
	if err := p.Transition(target); err != nil {
		a.mu.Unlock()
		return err
	}
	link, connected := a.link, a.connected
	a.mu.Unlock()

	if err := a.saveProposal(p); err != nil {
		return err
	}
	if connected {
		payload := map[string]string{"proposal_id": p.ID, "status": string(target)}
		if err := link.AcceptProposal(peer, payload); err != nil {
			return fmt.Errorf("notify acceptance: %w", err)
		}
	}
	if err := recordInteraction(a.store, InteractionIntroAccepted, peer, false); err != nil {
		a.log.Warn().Err(err).Msg("record interaction failed")
	}
	a.log.Info().Str("proposal", p.ID).Str("status", string(target)).Msg("proposal accepted")
	return nil
}

// DeclineProposal removes the local copy and notifies the peer. No decline
// reason is disclosed, so rejection reasons cannot leak.
func (a *Agent) DeclineProposal(proposalID string) error {
	a.mu.Lock()
	p, ok := a.proposals[proposalID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownProposal
	}
	delete(a.proposals, proposalID)
	peer := p.Initiator
	if p.Initiator == a.id.DID {
		peer = p.Responder
	}
	link, connected := a.link, a.connected
	a.mu.Unlock()

	if err := a.store.Delete(proposalPrefix + proposalID); err != nil {
		return fmt.Errorf("delete proposal: %w", err)
	}
	if connected {
		payload := map[string]string{"proposal_id": proposalID}
		if err := link.DeclineProposal(peer, payload); err != nil {
			return fmt.Errorf("notify decline: %w", err)
		}
	}
	return nil
}

// PendingProposals lists held proposals still awaiting action.
func (a *Agent) PendingProposals() []*Proposal {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Proposal
	for _, p := range a.proposals {
		if p.Status == StatusPending {
			out = append(out, p)
		}
	}
	return out
}

// Proposal returns a held proposal by id, or nil.
func (a *Agent) Proposal(id string) *Proposal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.proposals[id]
}

func (a *Agent) handleProposalReceived(env *envelope.Envelope) {
	var p Proposal
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		a.log.Debug().Err(err).Msg("malformed proposal payload")
		return
	}
	if !p.VerifySignature() {
		a.log.Debug().Str("initiator", p.Initiator).Msg("dropped proposal with bad signature")
		return
	}
	if p.Responder != a.id.DID {
		a.log.Debug().Str("responder", p.Responder).Msg("dropped misrouted proposal")
		return
	}
	if err := a.saveProposal(&p); err != nil {
		a.log.Error().Err(err).Msg("persist inbound proposal")
		return
	}
	a.mu.Lock()
	a.proposals[p.ID] = &p
	a.mu.Unlock()
	a.observers.publish(Event{Kind: EventProposalReceived, Proposal: &p})
}

func (a *Agent) handlePeerAccept(env *envelope.Envelope) {
	var payload struct {
		ProposalID string `json:"proposal_id"`
		Status     Status `json:"status"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	a.mu.Lock()
	p, ok := a.proposals[payload.ProposalID]
	if ok {
		if err := p.Transition(payload.Status); err != nil {
			a.log.Warn().Err(err).Str("proposal", payload.ProposalID).Msg("peer acceptance rejected")
			ok = false
		}
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	if err := a.saveProposal(p); err != nil {
		a.log.Error().Err(err).Msg("persist accepted proposal")
	}
	if err := recordInteraction(a.store, InteractionPositive, env.From, true); err != nil {
		a.log.Warn().Err(err).Msg("record interaction failed")
	}
	a.observers.publish(Event{Kind: EventProposalAccepted, Proposal: p})
}

func (a *Agent) handlePeerDecline(env *envelope.Envelope) {
	var payload struct {
		ProposalID string `json:"proposal_id"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	a.mu.Lock()
	p, ok := a.proposals[payload.ProposalID]
	if ok {
		delete(a.proposals, payload.ProposalID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	_ = a.store.Delete(proposalPrefix + payload.ProposalID)
	if err := recordInteraction(a.store, InteractionIntroDeclined, env.From, false); err != nil {
		a.log.Warn().Err(err).Msg("record interaction failed")
	}
	a.observers.publish(Event{Kind: EventProposalDeclined, Proposal: p})
}

// saveProposal persists a proposal. The snapshot is taken under the lock
// because Transition mutates Status under it from other goroutines.
func (a *Agent) saveProposal(p *Proposal) error {
	a.mu.Lock()
	snapshot := *p
	a.mu.Unlock()
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	if err := a.store.Set(proposalPrefix+snapshot.ID, raw); err != nil {
		return fmt.Errorf("persist proposal: %w", err)
	}
	return nil
}

// RecomputeAuthenticity rebuilds the trust vector from stored interaction
// history and profile credentials, and republishes the agent card when
// connected.
func (a *Agent) RecomputeAuthenticity() authenticity.Vector {
	a.intents.PruneExpired()
	history, err := loadHistory(a.store)
	if err != nil {
		a.log.Warn().Err(err).Msg("history load failed, scoring without it")
	}
	signals := networkSignals(history)
	now := time.Now().UTC()
	lastActive := signals.LastInteraction
	vec := authenticity.ComputeVector(a.id.CreatedAt, a.profile.Consistency, a.profile.Credentials, signals, lastActive, now)

	a.mu.Lock()
	a.vector = vec
	link, connected := a.link, a.connected
	a.mu.Unlock()

	if connected {
		if err := link.PublishCard(a.Card()); err != nil {
			a.log.Warn().Err(err).Msg("card republish failed")
		}
	}
	return vec
}

// Shutdown closes the relay link (rejecting its pending requests) and the
// backing store.
func (a *Agent) Shutdown() error {
	a.stopOnce.Do(func() { close(a.stop) })
	a.mu.Lock()
	link := a.link
	a.link = nil
	a.connected = false
	a.mu.Unlock()

	if link != nil {
		if err := link.Close(); err != nil {
			a.log.Warn().Err(err).Msg("link close failed")
		}
	}
	a.wg.Wait()
	return a.store.Close()
}
