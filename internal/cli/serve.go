package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"Assembler-Devlink/internal/linkapi"
)

func NewServeCommand(root *RootOptions) *cobra.Command {
	var (
		addr   string
		static string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the link session over HTTP and websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.Session()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = root.cfg.Server.ListenAddr
			}

			mux := http.NewServeMux()
			linkapi.NewServer(s, root.logger).Register(mux)
			if static != "" {
				mux.Handle("/", http.FileServer(http.Dir(static)))
			}

			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			root.logger.Info("devlink listening", "addr", addr)

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "http listen address (default from config)")
	cmd.Flags().StringVar(&static, "static", "", "directory to serve at /")

	return cmd
}
