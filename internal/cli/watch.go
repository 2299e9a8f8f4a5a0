package cli

import (
	"github.com/spf13/cobra"

	"Assembler-Devlink/internal/link"
)

func NewWatchCommand(root *RootOptions) *cobra.Command {
	var wo link.WatchOptions

	cmd := &cobra.Command{
		Use:   "watch [channel]",
		Short: "Stream messages from a device channel until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.Session()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				wo.Channel = args[0]
			}
			out := &OutputFormatter{Format: root.Format, Writer: cmd.OutOrStdout()}
			if err := s.Watch(cmd.Context(), wo, out.Update); err != nil {
				return linkError(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&wo.Path, "path", "", "dot path to excerpt from each message")
	cmd.Flags().BoolVar(&wo.DiffOnly, "diff-only", false, "print only messages that change something")

	return cmd
}
