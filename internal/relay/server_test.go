package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tacitprotocol/tacit-sub000/internal/agent"
	"github.com/tacitprotocol/tacit-sub000/internal/card"
	"github.com/tacitprotocol/tacit-sub000/internal/client"
	"github.com/tacitprotocol/tacit-sub000/internal/envelope"
	"github.com/tacitprotocol/tacit-sub000/internal/identity"
	"github.com/tacitprotocol/tacit-sub000/internal/intent"
	"github.com/tacitprotocol/tacit-sub000/internal/match"
	"github.com/tacitprotocol/tacit-sub000/internal/storage"
)

func newTestRelay(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	id, err := identity.Generate()
	require.NoError(t, err)
	s := New(cfg, id, zerolog.Nop())
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendSigned(t *testing.T, ws *websocket.Conn, id *identity.Identity, msgType, to string, payload any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.NewSigned(id, msgType, to, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
	return env
}

func readEnv(t *testing.T, ws *websocket.Conn) *envelope.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env envelope.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return &env
}

// expectSilence asserts that no frame arrives within the wait window.
func expectSilence(t *testing.T, ws *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(wait)))
	var env envelope.Envelope
	err := ws.ReadJSON(&env)
	require.Error(t, err, "expected no frame, got type %q", env.Type)
}

func testCard(id *identity.Identity) *card.Card {
	return &card.Card{
		DID:         id.DID,
		DisplayName: "Test Agent",
		Versions:    []string{envelope.Version},
		Domains:     []card.Domain{{Name: "professional"}},
	}
}

func cardedConn(t *testing.T, srv *httptest.Server, id *identity.Identity) *websocket.Conn {
	t.Helper()
	ws := dialWS(t, srv)
	sendSigned(t, ws, id, envelope.TypeCardPublish, "", testCard(id))
	// Frames on one connection are handled in order, so a pong confirms the
	// card bind is visible to the rest of the relay.
	sendSigned(t, ws, id, envelope.TypePing, "", map[string]string{})
	require.Equal(t, envelope.TypePong, readEnv(t, ws).Type)
	return ws
}

func signedIntent(t *testing.T, id *identity.Identity, seeking, context []string) *intent.Intent {
	t.Helper()
	in := intent.New(id.DID, "seeking-collaborator", "professional", seeking, context, intent.Filters{}, intent.PrivacyPseudonym, 24*time.Hour)
	require.NoError(t, in.Sign(id))
	return in
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestRelay(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPingPong(t *testing.T) {
	_, srv := newTestRelay(t, nil)
	id, err := identity.Generate()
	require.NoError(t, err)
	ws := dialWS(t, srv)

	ping := sendSigned(t, ws, id, envelope.TypePing, "", map[string]string{})
	pong := readEnv(t, ws)

	require.Equal(t, envelope.TypePong, pong.Type)
	require.True(t, envelope.Verify(pong), "pong not verifiably signed by relay")
	var payload map[string]string
	require.NoError(t, json.Unmarshal(pong.Payload, &payload))
	require.Equal(t, ping.ID, payload["echo"])
}

func TestIntentRequiresCard(t *testing.T) {
	_, srv := newTestRelay(t, nil)
	id, err := identity.Generate()
	require.NoError(t, err)
	ws := dialWS(t, srv)

	sendSigned(t, ws, id, envelope.TypeIntentPublish, "", signedIntent(t, id, []string{"rust"}, nil))
	reply := readEnv(t, ws)

	require.Equal(t, envelope.TypeError, reply.Type)
	var ep envelope.ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &ep))
	require.Contains(t, ep.Error, "card")
}

func TestPerIPConnectionCap(t *testing.T) {
	_, srv := newTestRelay(t, func(cfg *Config) { cfg.MaxConnsPerIP = 2 })

	first := dialWS(t, srv)
	_ = dialWS(t, srv)

	third := dialWS(t, srv)
	require.NoError(t, third.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := third.ReadMessage()
	require.True(t, websocket.IsCloseError(err, CloseTooManyConns),
		"third connection read = %v, want close code %d", err, CloseTooManyConns)

	// The earlier connections are unaffected.
	id, err2 := identity.Generate()
	require.NoError(t, err2)
	sendSigned(t, first, id, envelope.TypePing, "", map[string]string{})
	require.Equal(t, envelope.TypePong, readEnv(t, first).Type)
}

func TestRateLimitRejection(t *testing.T) {
	_, srv := newTestRelay(t, func(cfg *Config) { cfg.RateLimit = 3 })
	id, err := identity.Generate()
	require.NoError(t, err)
	ws := dialWS(t, srv)

	for i := 0; i < 3; i++ {
		sendSigned(t, ws, id, envelope.TypePing, "", map[string]string{})
		require.Equal(t, envelope.TypePong, readEnv(t, ws).Type)
	}

	sendSigned(t, ws, id, envelope.TypePing, "", map[string]string{})
	reply := readEnv(t, ws)
	require.Equal(t, envelope.TypeError, reply.Type)
	var ep envelope.ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &ep))
	require.Contains(t, ep.Error, "rate limit")
}

func TestForgedEnvelopeSilentlyDropped(t *testing.T) {
	_, srv := newTestRelay(t, nil)
	id, err := identity.Generate()
	require.NoError(t, err)
	ws := dialWS(t, srv)

	forged, err := envelope.NewSigned(id, envelope.TypePing, "", map[string]string{})
	require.NoError(t, err)
	forged.Signature = "deadbeef"
	require.NoError(t, ws.WriteJSON(forged))

	// No reply of any kind for the forgery; the connection stays usable.
	expectSilence(t, ws, 200*time.Millisecond)
	sendSigned(t, ws, id, envelope.TypePing, "", map[string]string{})
	require.Equal(t, envelope.TypePong, readEnv(t, ws).Type)
}

func TestBoundIdentifierMismatch(t *testing.T) {
	_, srv := newTestRelay(t, nil)
	idA, err := identity.Generate()
	require.NoError(t, err)
	idB, err := identity.Generate()
	require.NoError(t, err)
	ws := cardedConn(t, srv, idA)

	// Validly signed, but from a different identifier than the bound card.
	sendSigned(t, ws, idB, envelope.TypePing, "", map[string]string{})
	reply := readEnv(t, ws)
	require.Equal(t, envelope.TypeError, reply.Type)
}

func TestProposalRouting(t *testing.T) {
	_, srv := newTestRelay(t, nil)
	idA, err := identity.Generate()
	require.NoError(t, err)
	idB, err := identity.Generate()
	require.NoError(t, err)
	wsA := cardedConn(t, srv, idA)
	wsB := cardedConn(t, srv, idB)

	sent := sendSigned(t, wsA, idA, envelope.TypeProposalSend, idB.DID, map[string]string{"hello": "world"})
	got := readEnv(t, wsB)

	// Forwarded verbatim: same id, signature, and payload.
	require.Equal(t, sent.ID, got.ID)
	require.Equal(t, sent.Signature, got.Signature)
	require.Equal(t, idA.DID, got.From)
	require.True(t, envelope.Verify(got))

	// Envelopes for offline recipients vanish without an error reply.
	sendSigned(t, wsA, idA, envelope.TypeProposalSend, "did:key:zghost", map[string]string{})
	expectSilence(t, wsA, 200*time.Millisecond)
}

func TestIntentWithdraw(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	id, err := identity.Generate()
	require.NoError(t, err)
	ws := cardedConn(t, srv, id)

	in := signedIntent(t, id, []string{"rust"}, nil)
	sendSigned(t, ws, id, envelope.TypeIntentPublish, "", in)
	sendSigned(t, ws, id, envelope.TypeIntentWithdraw, "", map[string]string{"intent_id": in.ID})

	// Withdrawing again reports unknown intent, proving the first succeeded.
	sendSigned(t, ws, id, envelope.TypeIntentWithdraw, "", map[string]string{"intent_id": in.ID})
	reply := readEnv(t, ws)
	require.Equal(t, envelope.TypeError, reply.Type)
	require.Empty(t, s.state.activeUnmatched(time.Now()))
}

func TestMatchSweepNotifiesBothOnce(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	idA, err := identity.Generate()
	require.NoError(t, err)
	idB, err := identity.Generate()
	require.NoError(t, err)
	wsA := cardedConn(t, srv, idA)
	wsB := cardedConn(t, srv, idB)

	inA := signedIntent(t, idA, []string{"distributed systems engineer", "rust"}, []string{"realtime data pipelines"})
	inB := signedIntent(t, idB, []string{"realtime systems collaborator"}, []string{"distributed rust pipelines"})
	sendSigned(t, wsA, idA, envelope.TypeIntentPublish, "", inA)
	sendSigned(t, wsB, idB, envelope.TypeIntentPublish, "", inB)

	require.Eventually(t, func() bool {
		return len(s.state.activeUnmatched(time.Now())) == 2
	}, 2*time.Second, 10*time.Millisecond)

	s.runMatchSweep(time.Now())

	// Each side's notification carries the other side's card and intent for
	// local rescoring.
	peers := map[*websocket.Conn]struct {
		did      string
		intentID string
	}{
		wsA: {idB.DID, inB.ID},
		wsB: {idA.DID, inA.ID},
	}
	for ws, want := range peers {
		env := readEnv(t, ws)
		require.Equal(t, envelope.TypeMatchNotify, env.Type)
		require.True(t, envelope.Verify(env), "match notification not signed by relay")
		var note match.Notification
		require.NoError(t, json.Unmarshal(env.Payload, &note))
		require.GreaterOrEqual(t, note.Score, 60)
		require.ElementsMatch(t,
			[]string{idA.DID, idB.DID},
			[]string{note.Initiator, note.Responder})
		require.NotNil(t, note.PeerCard)
		require.Equal(t, want.did, note.PeerCard.DID)
		require.NotNil(t, note.PeerIntent)
		require.Equal(t, want.intentID, note.PeerIntent.ID)
	}

	// A second sweep does not re-offer the matched pair.
	s.runMatchSweep(time.Now())
	expectSilence(t, wsA, 200*time.Millisecond)
	expectSilence(t, wsB, 200*time.Millisecond)
}

func TestExpirySweepPurges(t *testing.T) {
	s, _ := newTestRelay(t, nil)
	now := time.Now()
	in := intent.New("did:key:za", "seeking-collaborator", "professional", nil, nil, intent.Filters{}, intent.PrivacyPseudonym, time.Hour)
	in.CreatedAt = now.Add(-2 * time.Hour)
	s.state.addIntent(in)

	s.runExpirySweep(now)
	require.Empty(t, s.state.activeUnmatched(now))
}

func TestDisconnectClearsLimiterKeys(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	id, err := identity.Generate()
	require.NoError(t, err)
	ws := dialWS(t, srv)

	// A frame before the card bind counts under the connection id, frames
	// after under the DID, so the limiter holds two keys for this socket.
	sendSigned(t, ws, id, envelope.TypePing, "", map[string]string{})
	require.Equal(t, envelope.TypePong, readEnv(t, ws).Type)
	sendSigned(t, ws, id, envelope.TypeCardPublish, "", testCard(id))
	sendSigned(t, ws, id, envelope.TypePing, "", map[string]string{})
	require.Equal(t, envelope.TypePong, readEnv(t, ws).Type)
	require.Equal(t, 2, s.limiter.Tracked())

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return s.limiter.Tracked() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestExpirySweepPrunesLimiter(t *testing.T) {
	s, srv := newTestRelay(t, func(cfg *Config) {
		cfg.RateLimitWindow = 20 * time.Millisecond
	})
	id, err := identity.Generate()
	require.NoError(t, err)
	ws := dialWS(t, srv)
	sendSigned(t, ws, id, envelope.TypePing, "", map[string]string{})
	require.Equal(t, envelope.TypePong, readEnv(t, ws).Type)
	require.Equal(t, 1, s.limiter.Tracked())

	// The connection stays open, so only the sweep can reclaim the key once
	// its hits leave the window.
	time.Sleep(50 * time.Millisecond)
	s.runExpirySweep(time.Now())
	require.Zero(t, s.limiter.Tracked())
}

func TestReconnectRestoresAgentRoute(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	a, err := agent.New(storage.NewMemStore(), agent.Profile{
		DisplayName: "Test Agent",
		Domains:     []card.Domain{{Name: "professional"}},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown() })

	ccfg := client.DefaultConfig(url)
	ccfg.ReconnectBase = 20 * time.Millisecond
	cl := client.New(ccfg, a.Identity(), zerolog.Nop())
	require.NoError(t, a.Connect(cl))

	require.Eventually(t, func() bool { return s.state.connFor(a.DID()) != nil },
		2*time.Second, 10*time.Millisecond)
	old := s.state.connFor(a.DID())

	// Kill the socket server-side. The client reconnects on its own, and the
	// agent must republish its card or the relay has no route to it.
	old.sock.Close()

	require.Eventually(t, func() bool {
		cn := s.state.connFor(a.DID())
		return cn != nil && cn != old
	}, 5*time.Second, 20*time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	s, srv := newTestRelay(t, nil)
	id, err := identity.Generate()
	require.NoError(t, err)
	ws := cardedConn(t, srv, id)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, readErr := ws.ReadMessage()
	require.True(t, websocket.IsCloseError(readErr, CloseShutdown),
		"read after shutdown = %v, want close code %d", readErr, CloseShutdown)
}
