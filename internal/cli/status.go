package cli

import (
	"time"

	"github.com/spf13/cobra"

	"Assembler-Devlink/internal/link"
)

func NewStatusCommand(root *RootOptions) *cobra.Command {
	var (
		timeout  time.Duration
		path     string
		diffOnly bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Request a status snapshot from the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.Session()
			if err != nil {
				return err
			}
			res, err := s.ReadStatus(cmd.Context(), link.PublishOptions{
				Timeout:  timeout,
				Path:     path,
				DiffOnly: diffOnly,
			})
			if err != nil {
				return linkError(err)
			}
			out := &OutputFormatter{Format: root.Format, Writer: cmd.OutOrStdout()}
			if err := out.Result(res); err != nil {
				return err
			}
			return resultError(res)
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "response timeout (default from config)")
	cmd.Flags().StringVar(&path, "path", "", "dot path to excerpt, e.g. location_data.position")
	cmd.Flags().BoolVar(&diffOnly, "diff-only", false, "report only what changed")

	return cmd
}
