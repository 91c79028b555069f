package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmarsh/valet/internal/store"
)

// NewSessionsCommand creates the sessions command group.
func NewSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored execution sessions",
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: .valet/config.yaml)")

	cmd.AddCommand(newSessionsListCommand())
	cmd.AddCommand(newSessionsShowCommand())
	cmd.AddCommand(newSessionsPruneCommand())

	return cmd
}

func newSessionsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			records, err := db.ListSessions(limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions stored.")
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-42s %-16s %5s  %s\n", "SESSION", "STATUS", "ITER", "UPDATED")
			for _, r := range records {
				fmt.Fprintf(out, "%-42s %-16s %5d  %s\n",
					r.ID, r.Status, r.IterationCount, r.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum sessions to list (0 = all)")
	return cmd
}

func newSessionsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a stored session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			session, err := db.GetSession(args[0])
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(session, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal session: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newSessionsPruneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete sessions and checkpoints older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			raw, _ := cmd.Flags().GetString("older-than")
			olderThan, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("invalid --older-than %q: %w", raw, err)
			}

			sessions, err := db.CleanupOldSessions(olderThan)
			if err != nil {
				return err
			}
			checkpoints, err := db.CleanupOldCheckpoints(olderThan)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d sessions and %d checkpoints older than %s\n",
				sessions, checkpoints, olderThan)
			return nil
		},
	}
	cmd.Flags().String("older-than", "720h", "Age cutoff as a duration (e.g. 24h, 168h)")
	return cmd
}

// openStore loads config (for the DB path) and opens the SQLite store.
func openStore(cmd *cobra.Command) (*store.SQLiteStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(cfg.DBPath())
}
