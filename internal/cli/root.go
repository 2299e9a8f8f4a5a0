package cli

import (
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"Assembler-Devlink/internal/config"
	"Assembler-Devlink/internal/link"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath    string
	Verbose       bool
	Format        string // "json" | "text"
	DryRun        bool
	Deterministic bool

	cfg     config.Config
	logger  *slog.Logger
	session *link.Session
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "devlink",
		Short:         "devlink - talk to a connected device",
		Long:          "Send labelled commands to a device over a pub/sub broker and correlate its responses.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.session != nil {
				return opts.session.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("DEVLINK_CONFIG"), "config file (.json, .hujson, .yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.DryRun, "dry-run", false, "log commands instead of sending them")
	cmd.PersistentFlags().BoolVar(&opts.Deterministic, "deterministic", false, "use the fixed label and keep injected fixtures")

	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewListenCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewShellCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

func (o *RootOptions) load() error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	if o.DryRun {
		cfg.Link.SendingDisabled = true
	}
	if o.Deterministic {
		cfg.Link.Deterministic = true
	}
	o.cfg = cfg
	o.logger = cfg.NewLogger()
	slog.SetDefault(o.logger)
	return nil
}

// Session returns the process-wide link session, creating it on first use.
func (o *RootOptions) Session() (*link.Session, error) {
	if o.session != nil {
		return o.session, nil
	}
	s, err := o.cfg.NewSession(o.logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "create session", err)
	}
	o.session = s
	return s, nil
}
