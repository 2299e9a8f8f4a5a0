// Package link correlates commands published to a device with the responses
// it sends back over the message transport.
package link

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"Assembler-Devlink/internal/core/network"
	"Assembler-Devlink/internal/store"
)

const (
	DefaultNamespace   = "devlink"
	DefaultTimeout     = 10 * time.Second
	DefaultSettleDelay = 100 * time.Millisecond
)

// Channels names the per-device channels a session talks on.
type Channels struct {
	Command  string `json:"command" yaml:"command"`
	Ack      string `json:"ack" yaml:"ack"`
	Status   string `json:"status" yaml:"status"`
	Wildcard string `json:"wildcard" yaml:"wildcard"`
}

func DefaultChannels() Channels {
	return Channels{
		Command:  "from_clients",
		Ack:      "from_device",
		Status:   "status",
		Wildcard: network.WildcardMulti,
	}
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithNamespace(ns string) Option {
	return func(s *Session) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithChannels overrides the non-empty fields of the default channel names.
func WithChannels(c Channels) Option {
	return func(s *Session) {
		if c.Command != "" {
			s.channels.Command = c.Command
		}
		if c.Ack != "" {
			s.channels.Ack = c.Ack
		}
		if c.Status != "" {
			s.channels.Status = c.Status
		}
		if c.Wildcard != "" {
			s.channels.Wildcard = c.Wildcard
		}
	}
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithSettleDelay sets the pause between subscribing and publishing.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.settleDelay = d
		}
	}
}

// WithDeterministic labels every envelope with envelope.DeterministicLabel
// and keeps injected fixtures across listen cycles.
func WithDeterministic(on bool) Option {
	return func(s *Session) { s.deterministic = on }
}

// WithSendingDisabled turns Publish into a logged no-op.
func WithSendingDisabled(on bool) Option {
	return func(s *Session) { s.disabled = on }
}

func WithStore(st *store.MessageStore) Option {
	return func(s *Session) {
		if st != nil {
			s.store = st
		}
	}
}

// Session owns one device's transport connection, message store and error
// state. Listens on distinct channels may run concurrently; a second listen
// on a channel that is already being listened on fails with ErrChannelBusy.
type Session struct {
	dial           network.Dialer
	creds          network.Credentials
	namespace      string
	channels       Channels
	defaultTimeout time.Duration
	settleDelay    time.Duration
	deterministic  bool
	disabled       bool
	logger         *slog.Logger
	store          *store.MessageStore

	connMu sync.Mutex
	conn   network.PubSub

	mu      sync.Mutex
	state   State
	states  map[string]State
	lastErr error
	active  map[string]struct{}
}

func NewSession(dial network.Dialer, creds network.Credentials, opts ...Option) *Session {
	s := &Session{
		dial:           dial,
		creds:          creds,
		namespace:      DefaultNamespace,
		channels:       DefaultChannels(),
		defaultTimeout: DefaultTimeout,
		settleDelay:    DefaultSettleDelay,
		logger:         slog.Default(),
		store:          store.NewMessageStore(),
		states:         make(map[string]State),
		active:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Channels() Channels         { return s.channels }
func (s *Session) Store() *store.MessageStore { return s.store }
func (s *Session) Deterministic() bool        { return s.deterministic }
func (s *Session) SendingDisabled() bool      { return s.disabled }

// Err returns the error recorded by the most recent listen or publish.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// State returns the most recent transition made by any listen or watch on
// the session. Concurrent cycles on distinct channels each move their own
// ChannelState.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChannelState reports where the latest cycle on channel stands. Channels
// never listened on are IDLE.
func (s *Session) ChannelState(channel string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[channel]
}

// States returns a copy of every channel's state.
func (s *Session) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.states))
	for ch, st := range s.states {
		out[ch] = st
	}
	return out
}

func (s *Session) Connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

// Inject records payload as the standing fixture for channel. In
// deterministic mode a listen on channel is satisfied by it without any
// device traffic.
func (s *Session) Inject(channel string, payload any) {
	s.store.Inject(channel, payload)
}

// Close releases the transport. The session reconnects lazily on next use.
func (s *Session) Close() error {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	s.mu.Lock()
	s.state = StateIdle
	s.states = make(map[string]State)
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *Session) topic(channel string) string {
	return network.Topic(s.namespace, s.creds.DeviceID, channel)
}

func (s *Session) connect(ctx context.Context) (network.PubSub, error) {
	if !s.creds.Valid() {
		return nil, ErrNoCredentials
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := s.dial(ctx, s.creds)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", s.creds.Broker, err)
	}
	s.conn = conn
	s.logger.Info("transport connected", "device", s.creds.DeviceID, "broker", s.creds.Broker)
	return conn, nil
}

func (s *Session) acquire(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[channel]; busy {
		return fmt.Errorf("%w: %s", ErrChannelBusy, channel)
	}
	s.active[channel] = struct{}{}
	return nil
}

func (s *Session) busy(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[channel]
	return ok
}

func (s *Session) release(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, channel)
}

func (s *Session) setState(channel string, st State) {
	s.mu.Lock()
	prev := s.states[channel]
	s.states[channel] = st
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug("state", "channel", channel, "from", prev.String(), "to", st.String())
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}
