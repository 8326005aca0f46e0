package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/confluence/internal/node"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run an instance until interrupted",
		Long: `Start the peer transport, the capability service and the local API on
the configured listen address, then run lumped and check-in sync rounds
until SIGINT or SIGTERM.

Examples:
  confluence-node run --config node.yaml
  CONFLUENCE_LISTEN=0.0.0.0:7420 confluence-node run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format, rootOpts.Verbose)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := node.New(ctx, cfg, node.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("build instance: %w", err)
			}
			if err := n.Start(ctx); err != nil {
				n.Close()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "instance %s listening on %s (peers reach it at %s)\n", n.ID(), n.Addr(), n.Endpoint())

			<-ctx.Done()
			logger.Info("shutting down")
			return n.Close()
		},
	}
}
