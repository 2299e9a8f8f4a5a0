package link

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"Assembler-Devlink/internal/core/network"
	"Assembler-Devlink/internal/diff"
	"Assembler-Devlink/internal/envelope"
	"Assembler-Devlink/internal/store"
)

// ListenOptions configures one listen cycle.
type ListenOptions struct {
	// Channel defaults to the status channel. The wildcard channel collects
	// every channel of the device.
	Channel string
	// Label, when set, discards any arrival whose args.label differs.
	Label string
	// StopCount is the number of messages to collect. Above one the wait
	// has no deadline and ends only on a match or cancellation.
	StopCount int
	Timeout   time.Duration
	// Publish is sent after the subscription is in place. Its wait
	// commands extend the deadline.
	Publish *envelope.Envelope
	// Path selects a dot-separated excerpt of each payload.
	Path string
	// DiffOnly reports the delta between the two newest payloads (or
	// excerpts) instead of the payload itself.
	DiffOnly bool
}

// Listen subscribes to a channel, optionally publishes an envelope, and waits
// until enough matching messages arrive, the deadline passes or ctx ends.
// The subscription is released on every path out.
//
// The returned error is non-nil only for failures that prevent the cycle
// from running; timeouts and interrupts are reported in the Result.
func (s *Session) Listen(ctx context.Context, opts ListenOptions) (*Result, error) {
	if !s.creds.Valid() {
		return nil, ErrNoCredentials
	}
	if opts.Channel == "" {
		opts.Channel = s.channels.Status
	}
	if opts.StopCount < 1 {
		opts.StopCount = 1
	}
	key := opts.Channel
	log := s.logger.With("channel", key)

	if err := s.acquire(key); err != nil {
		return nil, err
	}
	defer s.release(key)

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	msgs, cancel, err := conn.Subscribe(s.topic(key))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	s.setState(key, StateSubscribed)
	defer func() {
		cancel()
		s.setState(key, StateStopped)
	}()

	s.store.Reset(key, s.deterministic)
	if last, ok := s.store.Last(key); ok {
		s.derive(key, last, opts)
	}
	c := s.newCycle(key, opts, s.deterministic)
	s.setState(key, StateWaiting)

	res := &Result{Channel: key, Label: opts.Label}
	matchLabel := opts.Label != "" && !s.relaxLabel(key, opts.Publish)

	if opts.Publish != nil {
		if err := s.settle(ctx); err != nil {
			return s.finish(res, c, OutcomeInterrupted, err, time.Now()), nil
		}
		payload, err := opts.Publish.Marshal()
		if err != nil {
			return nil, err
		}
		if err := conn.Publish(s.topic(s.channels.Command), payload); err != nil {
			return nil, fmt.Errorf("publish %s: %w", s.channels.Command, err)
		}
		log.Debug("published", "label", opts.Publish.Label(), "bytes", len(payload))
	}

	start := time.Now()
	satisfied := func() bool {
		last, ok := s.store.Last(key)
		if !ok {
			return false
		}
		if matchLabel {
			if got := envelope.ReadAck(last).Label; got != opts.Label {
				log.Debug("label mismatch, discarding", "want", opts.Label, "got", got)
				c.discard()
				return false
			}
		}
		return s.store.Len(key) >= opts.StopCount
	}
	if satisfied() {
		return s.finish(res, c, OutcomeMatched, nil, start), nil
	}

	var deadline <-chan time.Time
	if d, bounded := s.deadline(opts); bounded {
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("listen interrupted")
			return s.finish(res, c, OutcomeInterrupted, ctx.Err(), start), nil
		case <-deadline:
			log.Info("listen timed out", "elapsed", time.Since(start))
			return s.finish(res, c, OutcomeTimedOut, ErrTimeout, start), nil
		case msg, ok := <-msgs:
			if !ok {
				log.Warn("subscription closed")
				return s.finish(res, c, OutcomeInterrupted, ErrNotConnected, start), nil
			}
			c.deliver(msg)
			if satisfied() {
				return s.finish(res, c, OutcomeMatched, nil, start), nil
			}
		}
	}
}

// relaxLabel reports whether a label mismatch is tolerated. Status
// snapshots requested by read_status do not echo the request label.
func (s *Session) relaxLabel(channel string, published *envelope.Envelope) bool {
	return published != nil && channel == s.channels.Status && published.Has(envelope.KindReadStatus)
}

func (s *Session) deadline(opts ListenOptions) (time.Duration, bool) {
	if opts.StopCount > 1 {
		return 0, false
	}
	d := opts.Timeout
	if d <= 0 {
		d = s.defaultTimeout
	}
	if opts.Publish != nil {
		d += time.Duration(opts.Publish.WaitExtension()) * time.Millisecond
	}
	return d, true
}

func (s *Session) settle(ctx context.Context) error {
	if s.settleDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.settleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cycle is the delivery side of one listen or watch. A wildcard cycle counts
// arrivals under its own key but files each one under the concrete channel it
// arrived on as well, and derives excerpts and diffs there so a delta never
// compares payloads from two different channels.
type cycle struct {
	s        *Session
	key      string
	wildcard bool
	preserve bool
	opts     ListenOptions

	// seen holds the concrete channels already reset during this cycle.
	seen map[string]struct{}
	// last is the store key the newest arrival was derived under.
	last string
}

func (s *Session) newCycle(key string, opts ListenOptions, preserve bool) *cycle {
	return &cycle{
		s:        s,
		key:      key,
		wildcard: network.IsWildcard(key),
		preserve: preserve,
		opts:     opts,
		seen:     make(map[string]struct{}),
		last:     key,
	}
}

// deliver decodes msg, appends it under the cycle key and returns what the
// caller should observe. The first arrival on a concrete channel during a
// wildcard cycle starts that channel afresh.
func (c *cycle) deliver(msg network.Message) Update {
	payload := decode(msg.Payload)
	channel := network.ChannelOf(msg.Topic)
	src := c.key
	if c.wildcard && channel != c.key {
		if _, ok := c.seen[channel]; !ok {
			c.seen[channel] = struct{}{}
			// a direct listen on the channel owns its sequence
			if !c.s.busy(channel) {
				c.s.store.Reset(channel, c.preserve)
			}
		}
		c.s.store.Append(channel, payload)
		src = channel
	}
	c.s.store.Append(c.key, payload)
	c.last = src
	value, changed := c.s.derive(src, payload, c.opts)
	return Update{Channel: channel, Value: value, Changed: changed, Raw: payload}
}

// discard drops the newest arrival from the cycle key and from the channel
// it was filed under.
func (c *cycle) discard() {
	c.s.store.Discard(c.key)
	if c.last != c.key {
		c.s.store.Discard(c.last)
	}
}

// trim keeps only what the next diff needs.
func (c *cycle) trim() {
	for _, k := range []string{c.key, c.last} {
		c.s.store.Trim(k, 2)
		c.s.store.Trim(store.ExcerptKey(k), 2)
		c.s.store.Trim(store.DiffKey(k), 1)
	}
}

func (c *cycle) observed() (any, bool) {
	return c.s.observed(c.last, c.opts)
}

// derive records the excerpt and diff for the newest payload under key and
// returns the value a caller should observe.
func (s *Session) derive(key string, payload any, opts ListenOptions) (any, bool) {
	src := key
	value := payload
	if opts.Path != "" {
		value, _ = diff.Excerpt(payload, opts.Path)
		src = store.ExcerptKey(key)
		s.store.Append(src, value)
	}
	if !opts.DiffOnly {
		return value, true
	}
	latest, prev, _ := s.store.LastTwo(src)
	delta, changed := diff.Changes(latest, prev)
	s.store.Append(store.DiffKey(key), delta)
	return delta, changed
}

func (s *Session) finish(res *Result, c *cycle, outcome Outcome, err error, start time.Time) *Result {
	res.Outcome = outcome
	res.Err = err
	res.Elapsed = time.Since(start)
	res.Messages = s.store.Messages(c.key)
	res.Value, res.Changed = c.observed()
	if outcome == OutcomeMatched {
		s.setState(c.key, StateMatched)
	} else if outcome == OutcomeTimedOut {
		s.setState(c.key, StateTimedOut)
	}
	s.setErr(err)
	return res
}

func (s *Session) observed(key string, opts ListenOptions) (any, bool) {
	src := key
	if opts.Path != "" {
		src = store.ExcerptKey(key)
	}
	latest, prev, n := s.store.LastTwo(src)
	if n == 0 {
		return nil, false
	}
	if !opts.DiffOnly {
		return latest, true
	}
	return diff.Changes(latest, prev)
}

// decode parses a JSON payload. Payloads that are not JSON are kept as text.
func decode(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
