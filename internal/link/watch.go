package link

import (
	"context"
	"fmt"
)

type WatchOptions struct {
	// Channel defaults to the status channel.
	Channel  string
	Path     string
	DiffOnly bool
}

// Watch streams every message on a channel to fn until ctx ends or fn
// returns an error. With DiffOnly set, messages that change nothing are
// skipped. Cancellation is a normal stop and returns nil.
func (s *Session) Watch(ctx context.Context, opts WatchOptions, fn func(Update) error) error {
	if !s.creds.Valid() {
		return ErrNoCredentials
	}
	if opts.Channel == "" {
		opts.Channel = s.channels.Status
	}
	key := opts.Channel
	if err := s.acquire(key); err != nil {
		return err
	}
	defer s.release(key)

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	msgs, cancel, err := conn.Subscribe(s.topic(key))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	defer func() {
		cancel()
		s.setState(key, StateStopped)
	}()
	s.store.Reset(key, false)
	c := s.newCycle(key, ListenOptions{Channel: key, Path: opts.Path, DiffOnly: opts.DiffOnly}, false)
	s.setState(key, StateWaiting)

	s.logger.Info("watching", "channel", key, "path", opts.Path, "diff_only", opts.DiffOnly)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return ErrNotConnected
			}
			upd := c.deliver(msg)
			c.trim()
			if opts.DiffOnly && !upd.Changed {
				continue
			}
			if err := fn(upd); err != nil {
				return err
			}
		}
	}
}
