package link

import (
	"context"
	"fmt"
	"time"

	"Assembler-Devlink/internal/envelope"
)

type PublishOptions struct {
	Priority *int
	Timeout  time.Duration
	// Channel is where the response is awaited. Defaults to the ack channel.
	Channel string
	Path    string
	// DiffOnly only applies when Channel is not the ack channel.
	DiffOnly bool
}

// Publish wraps cmd in a labelled envelope, sends it to the device and waits
// for the response carrying the same label. An rpc_ok ack clears the session
// error; any other ack kind records ErrNegativeAck.
//
// With sending disabled nothing is sent and the Result has OutcomeDisabled.
func (s *Session) Publish(ctx context.Context, cmd envelope.Command, opts PublishOptions) (*Result, error) {
	env := envelope.AssignLabel(envelope.Wrap(cmd, opts.Priority), s.deterministic)
	channel := opts.Channel
	if channel == "" {
		channel = s.channels.Ack
	}

	if s.disabled {
		s.logger.Info("sending disabled", "label", env.Label(), "kind", cmd.Kind)
		s.setErr(nil)
		return &Result{Channel: channel, Label: env.Label(), Outcome: OutcomeDisabled}, nil
	}

	res, err := s.Listen(ctx, ListenOptions{
		Channel:   channel,
		Label:     env.Label(),
		StopCount: 1,
		Timeout:   opts.Timeout,
		Publish:   &env,
		Path:      opts.Path,
		DiffOnly:  opts.DiffOnly && channel != s.channels.Ack,
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome != OutcomeMatched || channel != s.channels.Ack || len(res.Messages) == 0 {
		return res, nil
	}

	ack := envelope.ReadAck(res.Messages[len(res.Messages)-1])
	if ack.OK() {
		res.Err = nil
	} else {
		res.Err = fmt.Errorf("%w: %s", ErrNegativeAck, ack.Kind)
		s.logger.Warn("negative ack", "label", env.Label(), "kind", ack.Kind)
	}
	s.setErr(res.Err)
	return res, nil
}

// ReadStatus asks the device for a status snapshot and waits for it on the
// status channel. The snapshot is accepted whatever label it carries.
func (s *Session) ReadStatus(ctx context.Context, opts PublishOptions) (*Result, error) {
	opts.Channel = s.channels.Status
	return s.Publish(ctx, envelope.ReadStatus(), opts)
}
