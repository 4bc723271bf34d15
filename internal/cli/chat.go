package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/mailpilot/internal/daemon"
	"github.com/harun/mailpilot/internal/tui"
)

var chatSessionID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the terminal chat client",
	Long: `Open an interactive chat with the assistant in this terminal.
Enter sends, Alt+Enter inserts a newline and Ctrl+N starts a new chat.
Logs go to the log file only while the chat is open.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "session id (generated when empty)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.WithoutGateway(), daemon.WithVersion(version))
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		_ = d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	defer d.Stop()

	session, err := d.GetManager().Create(chatSessionID)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return tui.Run(cmd.Context(), d.GetManager(), session.ID(), d.GetBackend().Name())
}
