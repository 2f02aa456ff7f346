package relay

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tacitprotocol/tacit-sub000/internal/card"
	"github.com/tacitprotocol/tacit-sub000/internal/envelope"
	"github.com/tacitprotocol/tacit-sub000/internal/intent"
)

// Close codes used by the relay.
const (
	// CloseTooManyConns rejects a connection over the per-IP cap.
	CloseTooManyConns = 4001
	// CloseShutdown is sent to every connection when the relay stops.
	CloseShutdown = 4002
)

// conn is one websocket connection and its private per-connection state. The
// state machine is: connected (did == "") -> carded (did bound) ->
// disconnected. A connection binds to exactly one identifier for its
// lifetime.
type conn struct {
	id      string
	sock    *websocket.Conn
	ip      string
	writeMu sync.Mutex

	// did is set once the connection publishes an agent card.
	did string
}

// writeEnvelope serializes one envelope as a single JSON text frame. Writes
// are serialized per connection.
func (c *conn) writeEnvelope(e *envelope.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteJSON(e)
}

// closeWithCode sends a close frame with the given code and closes the
// socket.
func (c *conn) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.sock.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades an HTTP request and runs the connection's read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	cn := &conn{id: uuid.NewString(), sock: sock, ip: ip}

	if !s.state.tryAddIP(ip, s.cfg.MaxConnsPerIP) {
		s.log.Warn().Str("ip", ip).Msg("connection cap exceeded")
		cn.closeWithCode(CloseTooManyConns, "connection limit per address")
		return
	}

	activeConnections.Inc()
	defer func() {
		activeConnections.Dec()
		s.state.releaseIP(ip)
		s.state.dropConn(cn.did, cn)
		// Forget both limiter keys: frames before the card publish were
		// counted under the connection id, frames after under the DID.
		s.limiter.Forget(cn.id)
		if cn.did != "" {
			s.limiter.Forget(cn.did)
		}
		_ = sock.Close()
	}()

	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Str("conn", cn.id).Msg("read error")
			}
			return
		}
		if !s.handleFrame(cn, raw) {
			return
		}
	}
}

// rateKey is the limiter key for this connection: the bound identifier when
// carded, else the connection id.
func (c *conn) rateKey() string {
	if c.did != "" {
		return c.did
	}
	return c.id
}

// handleFrame processes one inbound frame. It returns false when the
// connection should be torn down.
func (s *Server) handleFrame(cn *conn, raw []byte) bool {
	if !s.limiter.Allow(cn.rateKey()) {
		rateLimitedTotal.Inc()
		s.writeError(cn, "rate limit exceeded")
		return true
	}

	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.writeError(cn, "malformed envelope")
		return true
	}
	messagesTotal.WithLabelValues(env.Type).Inc()

	// Authentication failures are dropped without a reply; they are expected
	// under adversarial conditions and get no oracle.
	if !envelope.Verify(&env) || envelope.Expired(&env, s.cfg.MaxEnvelopeAge) {
		rejectedAuthTotal.Inc()
		s.log.Debug().Str("from", env.From).Str("type", env.Type).Msg("dropped unverifiable envelope")
		return true
	}

	// A carded connection speaks for exactly one identifier.
	if cn.did != "" && env.From != cn.did {
		s.writeError(cn, "envelope sender does not match bound identifier")
		return true
	}

	switch env.Type {
	case envelope.TypeCardPublish:
		s.handleCardPublish(cn, &env)
	case envelope.TypeIntentPublish:
		s.handleIntentPublish(cn, &env)
	case envelope.TypeIntentWithdraw:
		s.handleIntentWithdraw(cn, &env)
	case envelope.TypeProposalSend, envelope.TypeProposalAccept, envelope.TypeProposalDecline:
		s.routeEnvelope(cn, &env)
	case envelope.TypePing:
		s.handlePing(cn, &env)
	default:
		s.writeError(cn, "unknown message type: "+env.Type)
	}
	return true
}

func (s *Server) handleCardPublish(cn *conn, env *envelope.Envelope) {
	var c card.Card
	if err := json.Unmarshal(env.Payload, &c); err != nil {
		s.writeError(cn, "invalid agent card payload")
		return
	}
	if c.DID != env.From {
		s.writeError(cn, "card identifier does not match envelope sender")
		return
	}
	cn.did = c.DID
	s.state.bindCard(&c, cn)
	s.log.Info().Str("did", c.DID).Msg("agent carded")
}

func (s *Server) handleIntentPublish(cn *conn, env *envelope.Envelope) {
	if cn.did == "" {
		s.writeError(cn, "agent card required before publishing intents")
		return
	}
	var in intent.Intent
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		s.writeError(cn, "invalid intent payload")
		return
	}
	if in.Owner != cn.did {
		s.writeError(cn, "intent owner does not match bound identifier")
		return
	}
	if !in.VerifySignature() {
		rejectedAuthTotal.Inc()
		s.log.Debug().Str("owner", in.Owner).Msg("dropped intent with bad signature")
		return
	}
	if in.Expired(time.Now()) {
		s.writeError(cn, "intent already expired")
		return
	}
	s.state.addIntent(&in)
	s.log.Info().Str("owner", in.Owner).Str("intent", in.ID).Str("domain", in.Domain).Msg("intent indexed")
}

func (s *Server) handleIntentWithdraw(cn *conn, env *envelope.Envelope) {
	if cn.did == "" {
		s.writeError(cn, "agent card required")
		return
	}
	var payload struct {
		IntentID string `json:"intent_id"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.IntentID == "" {
		s.writeError(cn, "invalid withdraw payload")
		return
	}
	if !s.state.removeIntent(payload.IntentID, cn.did) {
		s.writeError(cn, "unknown intent")
		return
	}
	s.log.Info().Str("owner", cn.did).Str("intent", payload.IntentID).Msg("intent withdrawn")
}

// routeEnvelope forwards a point-to-point envelope verbatim to the
// recipient's connection. Envelopes for offline recipients are silently
// dropped; delivery is at-most-once with no store-and-forward.
func (s *Server) routeEnvelope(cn *conn, env *envelope.Envelope) {
	if cn.did == "" {
		s.writeError(cn, "agent card required")
		return
	}
	if env.To == "" {
		s.writeError(cn, "missing recipient")
		return
	}
	dest := s.state.connFor(env.To)
	if dest == nil {
		droppedRoutesTotal.Inc()
		s.log.Debug().Str("to", env.To).Str("type", env.Type).Msg("recipient offline, dropped")
		return
	}
	if err := dest.writeEnvelope(env); err != nil {
		droppedRoutesTotal.Inc()
		s.log.Debug().Err(err).Str("to", env.To).Msg("route write failed")
	}
}

func (s *Server) handlePing(cn *conn, env *envelope.Envelope) {
	pong, err := envelope.NewSigned(s.identity, envelope.TypePong, env.From, map[string]string{"echo": env.ID})
	if err != nil {
		s.log.Error().Err(err).Msg("sign pong")
		return
	}
	if err := cn.writeEnvelope(pong); err != nil {
		s.log.Debug().Err(err).Msg("pong write failed")
	}
}

// writeError sends a protocol error envelope; the connection stays open.
func (s *Server) writeError(cn *conn, msg string) {
	env, err := envelope.NewSigned(s.identity, envelope.TypeError, cn.did, envelope.ErrorPayload{Error: msg})
	if err != nil {
		s.log.Error().Err(err).Msg("sign error envelope")
		return
	}
	if err := cn.writeEnvelope(env); err != nil {
		s.log.Debug().Err(err).Msg("error write failed")
	}
}
