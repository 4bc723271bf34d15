package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/mailpilot/internal/config"
	"github.com/harun/mailpilot/pkg/chat"
	"github.com/harun/mailpilot/pkg/history"
)

var (
	historyLimit     int
	historyJSON      bool
	historyOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse archived conversations",
	Long: `Browse conversations archived by "New chat" and by shutdown.
Transcripts live in the history store configured under "history".`,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived conversations, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one archived conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one archived conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete conversations older than the retention period",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPrune,
}

func init() {
	historyListCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of conversations to list, 0 for all")
	historyShowCmd.Flags().BoolVar(&historyJSON, "json", false, "print the transcript as JSON")
	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 0, "age cutoff (default is history.retention_days)")

	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd, historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

func openHistory() (history.Store, *config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if !cfg.History.Enabled {
		return nil, nil, errors.New("history is disabled in the configuration")
	}
	store, err := history.Open(cfg.History)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return store, cfg, nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, _, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No archived conversations")
		return nil
	}
	if historyLimit > 0 && len(summaries) > historyLimit {
		summaries = summaries[:historyLimit]
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tENDED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, truncate(s.Title, 48), s.Messages, s.EndedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, _, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		data, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode conversation: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "%s\n", t.Title)
	fmt.Fprintf(out, "Session %s, %s to %s\n\n", t.SessionID,
		t.StartedAt.Local().Format(time.DateTime), t.EndedAt.Local().Format(time.DateTime))
	for _, msg := range t.Messages {
		label := "You"
		if msg.Role == chat.RoleAssistant {
			label = "Mailpilot"
		}
		fmt.Fprintf(out, "%s:\n%s\n", label, msg.Content)
		if msg.Failed() {
			fmt.Fprintf(out, "(not delivered: %s)\n", msg.Error)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	store, _, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	store, cfg, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	age := historyOlderThan
	if age <= 0 {
		if cfg.History.RetentionDays <= 0 {
			return errors.New("no retention period configured, pass --older-than")
		}
		age = time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
	}

	removed, err := store.Prune(cmd.Context(), time.Now().Add(-age))
	if err != nil {
		return fmt.Errorf("failed to prune history: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d conversation(s)\n", removed)
	return nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
