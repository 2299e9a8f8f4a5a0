package cli

import (
	"time"

	"github.com/spf13/cobra"

	"Assembler-Devlink/internal/link"
)

type ListenOptions struct {
	*RootOptions
	Label     string
	StopCount int
	Timeout   time.Duration
	Path      string
	DiffOnly  bool
}

func NewListenCommand(root *RootOptions) *cobra.Command {
	opts := &ListenOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "listen [channel]",
		Short: "Wait for messages on a device channel",
		Long: "Wait for messages on a device channel (status by default).\n" +
			"With --stop-count above 1 the wait has no deadline and ends on the last message or Ctrl-C.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.Session()
			if err != nil {
				return err
			}
			lo := link.ListenOptions{
				Label:     opts.Label,
				StopCount: opts.StopCount,
				Timeout:   opts.Timeout,
				Path:      opts.Path,
				DiffOnly:  opts.DiffOnly,
			}
			if len(args) == 1 {
				lo.Channel = args[0]
			}
			res, err := s.Listen(cmd.Context(), lo)
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

	cmd.Flags().StringVarP(&opts.Label, "label", "l", "", "only accept messages with this label")
	cmd.Flags().IntVarP(&opts.StopCount, "stop-count", "n", 1, "number of messages to collect")
	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 0, "single-message timeout (default from config)")
	cmd.Flags().StringVar(&opts.Path, "path", "", "dot path to excerpt from each message")
	cmd.Flags().BoolVar(&opts.DiffOnly, "diff-only", false, "report only what changed")

	return cmd
}
