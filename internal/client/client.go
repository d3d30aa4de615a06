// Package client is a reconnecting websocket client for the quiz coordinator. It keeps an
// ordered outbound queue across connection drops and rejoins its session after every reconnect.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/kauschie/knewit/internal/protocol"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Send when the outbound queue is at capacity.
var ErrQueueFull = errors.New("client send queue full")

const (
	DefaultQueueSize      = 64
	DefaultPingInterval   = 20 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 15 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Client. Zero values use the defaults.
type Config struct {
	URL           string
	ParticipantID string
	QueueSize     int
	// PingInterval is the server's probe interval; the read deadline is three intervals.
	PingInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	WriteTimeout   time.Duration
	Dialer         *websocket.Dialer
	OnMessage      func(protocol.Envelope)
	OnStateChange  func(State)
	Logger         *zap.Logger
}

// Client maintains one logical connection to the coordinator.
type Client struct {
	cfg Config
	log *zap.Logger

	mu            sync.Mutex
	state         State
	queue         []protocol.Envelope
	participantID string
	sessionID     string
	name          string
	password      string
	resumeToken   string
	rejoining     bool

	wake    chan struct{}
	writeMu sync.Mutex
}

func New(cfg Config) *Client {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		cfg:           cfg,
		log:           cfg.Logger.With(zap.String("module", "client")),
		participantID: cfg.ParticipantID,
		wake:          make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ParticipantID returns the id the client connects as. Without a configured id it is the one the
// server assigned in its first welcome.
func (c *Client) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// SessionID returns the session the client is bound to, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Send enqueues env. Messages are written in order; a message stays queued until a write of
// it succeeds.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	if len(c.queue) >= c.cfg.QueueSize {
		c.mu.Unlock()
		return ErrQueueFull
	}
	c.rememberLocked(env)
	c.queue = append(c.queue, env)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run connects and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	bo := newBackOff(c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			bo.Reset()
			c.setState(StateConnected)
			err = c.serve(ctx, conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		c.log.Info("connection lost", zap.Error(err), zap.Duration("retry_in", wait))
		c.setState(StateBackoff)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	if pid := c.ParticipantID(); pid != "" {
		q := target.Query()
		q.Set("participantId", pid)
		target.RawQuery = q.Encode()
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target.String(), http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// serve runs one connection until it fails. The rejoin frame goes out before any queued frame.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	if rejoin, ok := c.rejoinEnvelope(); ok {
		if err := c.write(conn, rejoin); err != nil {
			return err
		}
	}

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	for {
		env, ok := c.peek()
		if !ok {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return ctx.Err()
			case err := <-readErr:
				return err
			case <-c.wake:
			}
			continue
		}
		if err := c.write(conn, env); err != nil {
			return err
		}
		c.pop()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	deadline := 3 * c.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if env.Type == protocol.TypePing {
			var ping protocol.PingPayload
			_ = env.Into(&ping)
			if err := c.write(conn, protocol.MustNew(protocol.TypePong, ping)); err != nil {
				return err
			}
			continue
		}
		c.observe(env)
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(env)
		}
	}
}

func (c *Client) write(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) peek() (protocol.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return protocol.Envelope{}, false
	}
	return c.queue[0], true
}

func (c *Client) pop() {
	c.mu.Lock()
	c.queue = c.queue[1:]
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// rememberLocked keeps the credentials needed to rejoin after a drop.
func (c *Client) rememberLocked(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSessionCreate:
		var p protocol.CreatePayload
		if env.Into(&p) == nil {
			c.name, c.password = p.Name, p.Password
		}
	case protocol.TypeSessionJoin:
		var p protocol.JoinPayload
		if env.Into(&p) == nil {
			c.name, c.password = p.Name, p.Password
		}
	case protocol.TypeSessionLeave, protocol.TypeSessionClose:
		c.forgetSessionLocked()
	}
}

func (c *Client) forgetSessionLocked() {
	c.sessionID = ""
	c.resumeToken = ""
	c.rejoining = false
}

// observe tracks session membership from server replies.
func (c *Client) observe(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch env.Type {
	case protocol.TypeWelcome:
		var p protocol.WelcomePayload
		if env.Into(&p) == nil && p.ParticipantID != "" {
			c.participantID = p.ParticipantID
		}
	case protocol.TypeSessionCreated:
		var p protocol.CreatedPayload
		if env.Into(&p) == nil {
			c.sessionID, c.resumeToken = p.SessionID, p.ResumeToken
		}
	case protocol.TypeSessionJoined:
		var p protocol.JoinedPayload
		if env.Into(&p) == nil {
			c.sessionID, c.resumeToken = p.SessionID, p.ResumeToken
			c.rejoining = false
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if env.Into(&p) == nil && p.Request == protocol.TypeSessionJoin && c.rejoining {
			c.log.Warn("rejoin refused, dropping session", zap.String("session_id", c.sessionID), zap.String("reason", p.Message))
			c.forgetSessionLocked()
		}
	case protocol.TypeSessionClosed, protocol.TypeKicked, protocol.TypeLeft:
		c.forgetSessionLocked()
	}
}

func (c *Client) rejoinEnvelope() (protocol.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		return protocol.Envelope{}, false
	}
	c.rejoining = true
	return protocol.MustNew(protocol.TypeSessionJoin, protocol.JoinPayload{
		SessionID:   c.sessionID,
		Name:        c.name,
		Password:    c.password,
		ResumeToken: c.resumeToken,
	}), true
}

func newBackOff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.Multiplier = 2
	bo.MaxInterval = maxInterval
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
