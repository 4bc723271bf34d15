package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/mailpilot/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat gateway",
	Long: `Run the mailpilot gateway in the foreground.
Clients connect over WebSocket or HTTP JSON-RPC. The process stops on
SIGINT or SIGTERM and archives every open conversation before exiting.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	opts := []daemon.Option{daemon.WithVersion(version)}
	if path := loader.GetConfigPath(); path != "" {
		if _, err := os.Stat(path); err == nil {
			opts = append(opts, daemon.WithConfigPath(path))
		}
	}

	d, err := daemon.New(cfg, log, opts...)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		_ = d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	status := d.Status()
	fmt.Fprintf(cmd.OutOrStdout(), "mailpilot gateway listening on %s (backend: %s)\n", status.GatewayAddr, status.Backend)

	return d.Wait(cmd.Context())
}
