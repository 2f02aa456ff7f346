// Package relay implements the rendezvous service agents connect to: it
// authenticates agents via their published cards, indexes broadcast intents,
// runs a periodic matching sweep, and routes point-to-point proposal
// envelopes between connected agents.
package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tacitprotocol/tacit-sub000/internal/envelope"
	"github.com/tacitprotocol/tacit-sub000/internal/identity"
	"github.com/tacitprotocol/tacit-sub000/internal/intent"
	"github.com/tacitprotocol/tacit-sub000/internal/match"
	"github.com/tacitprotocol/tacit-sub000/internal/ratelimit"
)

// Server is the relay service. It owns all shared mutable state; connection
// handlers and sweep goroutines only touch it through the state methods.
type Server struct {
	cfg      *Config
	identity *identity.Identity
	state    *state
	limiter  *ratelimit.Limiter
	log      zerolog.Logger

	mux      *http.ServeMux
	http     *http.Server
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a relay Server with its routes registered. The identity signs
// relay-originated envelopes (errors, pongs, match notifications).
func New(cfg *Config, id *identity.Identity, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		identity: id,
		state:    newState(),
		limiter:  ratelimit.New(cfg.RateLimit, cfg.RateLimitWindow),
		log:      log,
		mux:      http.NewServeMux(),
		stop:     make(chan struct{}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler, so the server can be mounted in tests
// via httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","service":"tacit-relay"}`))
}

// Start begins listening and runs the match and expiry sweeps until Shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{Addr: s.cfg.ListenAddr, Handler: s.mux}

	go s.sweepLoop(s.cfg.MatchSweepInterval, func(now time.Time) { s.runMatchSweep(now) })
	go s.sweepLoop(s.cfg.ExpirySweepInterval, func(now time.Time) { s.runExpirySweep(now) })

	s.log.Info().Str("addr", s.cfg.ListenAddr).Str("relay", s.identity.DID).Msg("relay listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// StartSweeps runs only the background sweeps, for servers mounted on an
// external listener.
func (s *Server) StartSweeps() {
	go s.sweepLoop(s.cfg.MatchSweepInterval, func(now time.Time) { s.runMatchSweep(now) })
	go s.sweepLoop(s.cfg.ExpirySweepInterval, func(now time.Time) { s.runExpirySweep(now) })
}

func (s *Server) sweepLoop(interval time.Duration, fn func(time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

// runExpirySweep purges lapsed intents, stale scored-pair entries, and
// rate-limiter keys with no requests left in the window.
func (s *Server) runExpirySweep(now time.Time) {
	s.limiter.Prune()
	dropped, active := s.state.pruneExpired(now, s.cfg.PairRetention)
	intentsActive.Set(float64(active))
	if dropped > 0 {
		s.log.Info().Int("dropped", dropped).Int("active", active).Msg("expired intents purged")
	}
}

// notifyMatch pushes a match:notify envelope to one participant if connected.
// The payload carries the peer's card and intent so the recipient can rescore
// with full information the sweep did not have.
func (s *Server) notifyMatch(did string, result match.Result, peerIntent *intent.Intent) {
	cn := s.state.connFor(did)
	if cn == nil {
		droppedRoutesTotal.Inc()
		return
	}
	note := match.Notification{
		Result:     result,
		PeerCard:   s.state.cardFor(peerIntent.Owner),
		PeerIntent: peerIntent,
	}
	env, err := envelope.NewSigned(s.identity, envelope.TypeMatchNotify, did, note)
	if err != nil {
		s.log.Error().Err(err).Msg("sign match notification")
		return
	}
	if err := cn.writeEnvelope(env); err != nil {
		s.log.Debug().Err(err).Str("to", did).Msg("match notify write failed")
		return
	}
	matchesNotifiedTotal.Inc()
}

// Shutdown closes every connection with the shutdown close code, clears all
// indexes, and stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.state.closeAll(CloseShutdown, "relay shutting down")
	if s.http != nil {
		return s.http.Shutdown(ctx)
	}
	return nil
}
