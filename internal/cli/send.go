package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"Assembler-Devlink/internal/envelope"
	"Assembler-Devlink/internal/link"
)

type SendOptions struct {
	*RootOptions
	Raw      string
	Priority int
	Timeout  time.Duration
	Channel  string
	Path     string
	DiffOnly bool
}

func NewSendCommand(root *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "send <kind> [key=value...]",
		Short: "Publish a command and wait for the device's acknowledgment",
		Example: `  devlink send wait milliseconds=500
  devlink send move x=10 y=0 --priority 600
  devlink send --json '{"kind":"home","args":{"axes":["x","y"]}}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := commandFromArgs(opts.Raw, args)
			if err != nil {
				return WrapExitError(ExitCommandError, "parse command", err)
			}
			var priority *int
			if cmd.Flags().Changed("priority") {
				priority = &opts.Priority
			}
			s, err := opts.Session()
			if err != nil {
				return err
			}
			res, err := s.Publish(cmd.Context(), c, link.PublishOptions{
				Priority: priority,
				Timeout:  opts.Timeout,
				Channel:  opts.Channel,
				Path:     opts.Path,
				DiffOnly: opts.DiffOnly,
			})
			if err != nil {
				return linkError(err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if err := out.Result(res); err != nil {
				return err
			}
			return resultError(res)
		},
	}

	cmd.Flags().StringVar(&opts.Raw, "json", "", "command as a JSON object")
	cmd.Flags().IntVarP(&opts.Priority, "priority", "p", 0, "envelope priority")
	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 0, "response timeout (default from config)")
	cmd.Flags().StringVar(&opts.Channel, "channel", "", "channel to await the response on (default ack channel)")
	cmd.Flags().StringVar(&opts.Path, "path", "", "dot path to excerpt from the response")
	cmd.Flags().BoolVar(&opts.DiffOnly, "diff-only", false, "report only what changed")

	return cmd
}

// commandFromArgs builds a command from either raw JSON or "kind key=value"
// arguments. Values that parse as JSON keep their type; others are strings.
func commandFromArgs(raw string, args []string) (envelope.Command, error) {
	if raw != "" {
		var c envelope.Command
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return envelope.Command{}, err
		}
		if c.Kind == "" {
			return envelope.Command{}, errors.New("command kind required")
		}
		if c.Args == nil {
			c.Args = map[string]any{}
		}
		return c, nil
	}
	if len(args) == 0 {
		return envelope.Command{}, errors.New("command kind required")
	}
	kv := make(map[string]any, len(args)-1)
	for _, a := range args[1:] {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return envelope.Command{}, fmt.Errorf("argument %q is not key=value", a)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			parsed = v
		}
		kv[k] = parsed
	}
	return envelope.New(args[0], kv), nil
}

func linkError(err error) error {
	if errors.Is(err, link.ErrNoCredentials) || errors.Is(err, link.ErrChannelBusy) {
		return WrapExitError(ExitCommandError, "link", err)
	}
	return WrapExitError(ExitFailure, "link", err)
}
