package relay

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tacitprotocol/tacit-sub000/internal/card"
	"github.com/tacitprotocol/tacit-sub000/internal/intent"
)

// indexedIntent tracks an intent plus its match status. Matched intents are
// not re-offered by the sweep.
type indexedIntent struct {
	intent  *intent.Intent
	matched bool
}

// state is the single owner of the relay's shared mutable structures: the
// card registry, the intent index, the identifier-to-connection routing
// table, per-IP connection counts, and the already-scored pair set. All
// access goes through its methods under one mutex, so the sweep goroutines
// and connection handlers never alias the underlying maps.
type state struct {
	mu       sync.Mutex
	cards    map[string]*card.Card     // DID -> latest published card
	intents  map[string]*indexedIntent // intent id -> entry
	conns    map[string]*conn          // DID -> live connection
	ipCounts map[string]int            // remote IP -> open connections
	pairs    map[string]time.Time      // sorted intent-id pair -> scored at
}

func newState() *state {
	return &state{
		cards:    make(map[string]*card.Card),
		intents:  make(map[string]*indexedIntent),
		conns:    make(map[string]*conn),
		ipCounts: make(map[string]int),
		pairs:    make(map[string]time.Time),
	}
}

// tryAddIP increments the connection count for ip if it is below limit.
func (s *state) tryAddIP(ip string, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ipCounts[ip] >= limit {
		return false
	}
	s.ipCounts[ip]++
	return true
}

// releaseIP decrements the connection count for ip.
func (s *state) releaseIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ipCounts[ip] <= 1 {
		delete(s.ipCounts, ip)
		return
	}
	s.ipCounts[ip]--
}

// bindCard registers a card and routes the DID to the connection. A newer
// connection for the same DID replaces the old route.
func (s *state) bindCard(c *card.Card, cn *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[c.DID] = c
	s.conns[c.DID] = cn
}

// dropConn removes the routing entry if it still points at cn. The card and
// its intents survive a disconnect; intents lapse by TTL.
func (s *state) dropConn(did string, cn *conn) {
	if did == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[did] == cn {
		delete(s.conns, did)
	}
}

// connFor returns the live connection routed to a DID, or nil.
func (s *state) connFor(did string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[did]
}

// cardFor returns the latest published card for a DID, or nil.
func (s *state) cardFor(did string) *card.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cards[did]
}

// addIntent indexes a broadcast intent.
func (s *state) addIntent(in *intent.Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[in.ID] = &indexedIntent{intent: in}
}

// removeIntent withdraws an intent if it is owned by owner.
func (s *state) removeIntent(id, owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.intents[id]
	if !ok || e.intent.Owner != owner {
		return false
	}
	delete(s.intents, id)
	return true
}

// activeUnmatched returns intents that are unexpired and not yet matched.
func (s *state) activeUnmatched(now time.Time) []*intent.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*intent.Intent
	for _, e := range s.intents {
		if !e.matched && !e.intent.Expired(now) {
			out = append(out, e.intent)
		}
	}
	return out
}

// markMatched flags both intents of a notified pair so they are not
// re-offered.
func (s *state) markMatched(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.intents[id]; ok {
			e.matched = true
		}
	}
}

// pairKey builds the order-independent key for a scored intent pair.
func pairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// markScored records that a pair has been scored, returning false if it was
// already recorded.
func (s *state) markScored(a, b string, now time.Time) bool {
	key := pairKey(a, b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.pairs[key]; seen {
		return false
	}
	s.pairs[key] = now
	return true
}

// pruneExpired drops lapsed intents and scored-pair entries older than
// retention, returning the number of intents removed and the active count.
func (s *state) pruneExpired(now time.Time, retention time.Duration) (dropped, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.intents {
		if e.intent.Expired(now) {
			delete(s.intents, id)
			dropped++
		} else {
			active++
		}
	}
	cutoff := now.Add(-retention)
	for key, at := range s.pairs {
		if at.Before(cutoff) {
			delete(s.pairs, key)
		}
	}
	return dropped, active
}

// closeAll closes every live connection with the given close code and clears
// all indexes.
func (s *state) closeAll(code int, reason string) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, cn := range s.conns {
		conns = append(conns, cn)
	}
	s.cards = make(map[string]*card.Card)
	s.intents = make(map[string]*indexedIntent)
	s.conns = make(map[string]*conn)
	s.ipCounts = make(map[string]int)
	s.pairs = make(map[string]time.Time)
	s.mu.Unlock()

	for _, cn := range conns {
		cn.closeWithCode(code, reason)
	}
}
