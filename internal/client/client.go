// Package client maintains an agent's connection to a relay: it signs
// outgoing requests, verifies and dispatches inbound envelopes, keeps a
// heartbeat, and reconnects with exponential backoff when the transport
// drops.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tacitprotocol/tacit-sub000/internal/card"
	"github.com/tacitprotocol/tacit-sub000/internal/envelope"
	"github.com/tacitprotocol/tacit-sub000/internal/identity"
	"github.com/tacitprotocol/tacit-sub000/internal/intent"
)

// ErrNotConnected is returned by send operations while the socket is down.
// Callers are expected to queue or retry.
var ErrNotConnected = errors.New("client: not connected")

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("client: closed")

// ErrRequestTimeout is returned when a pending request's timeout elapses.
var ErrRequestTimeout = errors.New("client: request timed out")

// ErrReconnectExhausted is carried by the fatal event once the reconnect
// retry budget is spent.
var ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")

// EventType tags events emitted to the orchestrator.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventMatch            EventType = "match"
	EventProposalReceived EventType = "proposal:received"
	EventProposalAccepted EventType = "proposal:accepted"
	EventProposalDeclined EventType = "proposal:declined"
	EventFatal            EventType = "fatal"
)

// Event is one inbound occurrence dispatched to the orchestrator.
type Event struct {
	Type     EventType
	Envelope *envelope.Envelope
	Err      error
}

// Config holds client connection settings.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	MaxReconnects     uint64
	RequestTimeout    time.Duration
}

// DefaultConfig returns the standard client settings for the given relay URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		HeartbeatInterval: 30 * time.Second,
		ReconnectBase:     time.Second,
		MaxReconnects:     6,
		RequestTimeout:    10 * time.Second,
	}
}

// Client is a reconnecting relay connection for one agent identity.
type Client struct {
	cfg Config
	id  *identity.Identity
	log zerolog.Logger

	mu      sync.Mutex
	sock    *websocket.Conn
	closed  bool
	pending map[string]chan *envelope.Envelope

	events chan Event

	stopHeartbeat chan struct{}
	wg            sync.WaitGroup
}

// New creates a Client. Events delivers inbound matches, proposals, and fatal
// connection errors; the channel is buffered and slow consumers drop events.
func New(cfg Config, id *identity.Identity, log zerolog.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		id:      id,
		log:     log,
		pending: make(map[string]chan *envelope.Envelope),
		events:  make(chan Event, 64),
	}
}

// Events returns the inbound event stream.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect dials the relay. A failure during the initial connect is returned
// directly rather than retried silently; reconnection applies only to
// connections that were established and then dropped.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	sock, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	c.installSocket(sock)
	c.emit(Event{Type: EventConnected})
	return nil
}

// installSocket atomically replaces the active socket and starts its
// heartbeat and read loop.
func (c *Client) installSocket(sock *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sock.Close()
		return
	}
	if c.sock != nil {
		_ = c.sock.Close()
	}
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
	}
	c.sock = sock
	c.stopHeartbeat = make(chan struct{})
	stop := c.stopHeartbeat
	c.mu.Unlock()

	c.wg.Add(2)
	go c.heartbeatLoop(stop)
	go c.readLoop(sock)
}

// Close tears the connection down and rejects all pending requests
// immediately rather than leaving them to time out.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	sock := c.sock
	c.sock = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if sock != nil {
		_ = sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = sock.Close()
	}
	c.wg.Wait()
	close(c.events)
	return nil
}

// send signs a payload into an envelope and writes it as one JSON frame.
func (c *Client) send(msgType, to string, payload any) (*envelope.Envelope, error) {
	env, err := envelope.NewSigned(c.id, msgType, to, payload)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.sock == nil {
		return nil, ErrNotConnected
	}
	if err := c.sock.WriteJSON(env); err != nil {
		return nil, fmt.Errorf("write envelope: %w", err)
	}
	return env, nil
}

// PublishCard publishes the agent's card, binding this connection to its
// identifier on the relay.
func (c *Client) PublishCard(crd *card.Card) error {
	_, err := c.send(envelope.TypeCardPublish, "", crd)
	return err
}

// PublishIntent broadcasts a signed intent for matching.
func (c *Client) PublishIntent(in *intent.Intent) error {
	_, err := c.send(envelope.TypeIntentPublish, "", in)
	return err
}

// WithdrawIntent removes a broadcast intent before its TTL lapses.
func (c *Client) WithdrawIntent(intentID string) error {
	_, err := c.send(envelope.TypeIntentWithdraw, "", map[string]string{"intent_id": intentID})
	return err
}

// SendProposal routes a proposal payload to the responder.
func (c *Client) SendProposal(to string, proposal any) error {
	_, err := c.send(envelope.TypeProposalSend, to, proposal)
	return err
}

// AcceptProposal notifies the peer of an acceptance.
func (c *Client) AcceptProposal(to string, payload any) error {
	_, err := c.send(envelope.TypeProposalAccept, to, payload)
	return err
}

// DeclineProposal notifies the peer of a decline. No reason is carried.
func (c *Client) DeclineProposal(to string, payload any) error {
	_, err := c.send(envelope.TypeProposalDecline, to, payload)
	return err
}

// Ping sends a heartbeat and waits for the relay's pong, bounded by the
// configured request timeout. The pending entry is registered before the
// frame is written, so a pong cannot arrive ahead of it.
func (c *Client) Ping() error {
	env, err := envelope.NewSigned(c.id, envelope.TypePing, "", map[string]string{})
	if err != nil {
		return err
	}
	ch := make(chan *envelope.Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sock == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[env.ID] = ch
	writeErr := c.sock.WriteJSON(env)
	c.mu.Unlock()
	if writeErr != nil {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return fmt.Errorf("write envelope: %w", writeErr)
	}

	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	select {
	case reply, ok := <-ch:
		if !ok || reply == nil {
			return ErrClosed
		}
		return nil
	case <-time.After(c.cfg.RequestTimeout):
		return ErrRequestTimeout
	}
}

func (c *Client) heartbeatLoop(stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil && err != ErrClosed {
				c.log.Debug().Err(err).Msg("heartbeat ping failed")
			}
		}
	}
}

// readLoop consumes frames from one socket until it closes, then hands off
// to the reconnect path. Every envelope's signature is verified before
// dispatch; unverifiable envelopes are logged and dropped.
func (c *Client) readLoop(sock *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.closed || c.sock != sock
			c.mu.Unlock()
			if stale {
				return
			}
			c.log.Warn().Err(err).Msg("relay connection lost")
			c.wg.Add(1)
			go c.reconnect()
			return
		}

		var env envelope.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Debug().Err(err).Msg("dropped malformed frame")
			continue
		}
		if !envelope.Verify(&env) {
			c.log.Debug().Str("from", env.From).Str("type", env.Type).Msg("dropped unverifiable envelope")
			continue
		}
		c.dispatch(&env)
	}
}

// dispatch resolves pending requests or emits a typed event.
func (c *Client) dispatch(env *envelope.Envelope) {
	if env.Type == envelope.TypePong {
		var payload struct {
			Echo string `json:"echo"`
		}
		_ = json.Unmarshal(env.Payload, &payload)
		c.mu.Lock()
		ch, ok := c.pending[payload.Echo]
		if ok {
			delete(c.pending, payload.Echo)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
		return
	}

	switch env.Type {
	case envelope.TypeMatchNotify:
		c.emit(Event{Type: EventMatch, Envelope: env})
	case envelope.TypeProposalSend:
		c.emit(Event{Type: EventProposalReceived, Envelope: env})
	case envelope.TypeProposalAccept:
		c.emit(Event{Type: EventProposalAccepted, Envelope: env})
	case envelope.TypeProposalDecline:
		c.emit(Event{Type: EventProposalDeclined, Envelope: env})
	case envelope.TypeError:
		var payload envelope.ErrorPayload
		_ = json.Unmarshal(env.Payload, &payload)
		c.log.Warn().Str("error", payload.Error).Msg("relay reported protocol error")
	default:
		c.log.Debug().Str("type", env.Type).Msg("ignored envelope type")
	}
}

// reconnect re-dials with exponential backoff (base doubling per attempt).
// Exhausting the retry budget is fatal and surfaced as an error event; the
// orchestrator decides whether to keep operating offline.
func (c *Client) reconnect() {
	defer c.wg.Done()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.ReconnectBase
	exp.Multiplier = 2
	exp.RandomizationFactor = 0

	attempt := func() error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return backoff.Permanent(ErrClosed)
		}
		c.mu.Unlock()
		sock, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)
		if err != nil {
			return err
		}
		c.installSocket(sock)
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithMaxRetries(exp, c.cfg.MaxReconnects))
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		c.log.Error().Err(err).Msg("reconnect attempts exhausted")
		c.emit(Event{Type: EventFatal, Err: fmt.Errorf("%w: %v", ErrReconnectExhausted, err)})
		return
	}
	c.emit(Event{Type: EventConnected})
}

// emit delivers an event without blocking; if the consumer lags, the event is
// dropped.
func (c *Client) emit(ev Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Str("event", string(ev.Type)).Msg("event consumer lagging, dropped")
	}
}
