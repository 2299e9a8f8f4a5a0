package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"Assembler-Devlink/internal/link"
)

func NewShellCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive prompt sharing one device connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.Session()
			if err != nil {
				return err
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "devlink> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return fmt.Errorf("failed to create readline: %w", err)
			}
			sh := &shell{
				session: s,
				rl:      rl,
				w:       rl.Stdout(),
				out:     &OutputFormatter{Format: root.Format, Writer: rl.Stdout()},
			}
			// Ctrl-C interrupts the running command only; the shell itself
			// ends on exit, EOF or SIGTERM.
			ctx, stop := signal.NotifyContext(context.WithoutCancel(cmd.Context()), syscall.SIGTERM)
			defer stop()
			sh.Run(ctx)
			return nil
		},
	}
}

type shell struct {
	session *link.Session
	rl      *readline.Instance
	w       io.Writer
	out     *OutputFormatter
}

func (sh *shell) Run(ctx context.Context) {
	defer sh.rl.Close()

	sh.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := sh.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(sh.w, "Exiting...")
			return
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if quit := sh.exec(ctx, strings.Fields(input)); quit {
			return
		}
	}
}

// exec runs one shell line and reports whether the shell should exit. An
// interrupt received while it runs cancels that command alone.
func (sh *shell) exec(ctx context.Context, parts []string) bool {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	w := sh.w
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help", "?":
		sh.printHelp()
	case "send", "s":
		c, err := commandFromArgs("", args)
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			return false
		}
		res, err := sh.session.Publish(ctx, c, link.PublishOptions{})
		sh.report(w, res, err)
	case "listen", "l":
		lo := link.ListenOptions{}
		if len(args) > 0 {
			lo.Channel = args[0]
		}
		res, err := sh.session.Listen(ctx, lo)
		sh.report(w, res, err)
	case "status", "st":
		po := link.PublishOptions{}
		if len(args) > 0 {
			po.Path = args[0]
		}
		res, err := sh.session.ReadStatus(ctx, po)
		sh.report(w, res, err)
	case "state":
		fmt.Fprintf(w, "state=%s connected=%v error=%v\n",
			sh.session.State(), sh.session.Connected(), sh.session.Err())
		states := sh.session.States()
		channels := make([]string, 0, len(states))
		for ch := range states {
			channels = append(channels, ch)
		}
		sort.Strings(channels)
		for _, ch := range channels {
			fmt.Fprintf(w, "  %-12s %s\n", ch, states[ch])
		}
	case "exit", "quit", "q":
		return true
	default:
		fmt.Fprintf(w, "unknown command %q, type help\n", cmd)
	}
	return false
}

func (sh *shell) report(w io.Writer, res *link.Result, err error) {
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	_ = sh.out.Result(res)
}

func (sh *shell) printHelp() {
	fmt.Fprint(sh.w, `Commands:
  send <kind> [key=value...]   publish a command and wait for its ack
  listen [channel]             wait for one message (default status)
  status [path]                request a status snapshot
  state                        show session state and last error
  help                         show this help
  exit                         leave the shell
`)
}
