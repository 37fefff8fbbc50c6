package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jumpserver/webterm/internal/model"
	"github.com/jumpserver/webterm/internal/repository"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List journaled sessions",
	Long:    `List the most recent sessions recorded in the session journal.`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeJournal, err := requireJournal()
		if err != nil {
			return err
		}
		defer closeJournal()

		limit, _ := cmd.Flags().GetInt("limit")
		records, err := repo.List(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		out := cmd.OutOrStdout()
		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			data, _ := json.MarshalIndent(records, "", "  ")
			fmt.Fprintln(out, string(data))
			return nil
		}

		if len(records) == 0 {
			fmt.Fprintln(out, "No sessions found")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPHASE\tENDPOINT\tSIZE\tSTARTED\tDURATION\tERROR")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.ID, rec.Phase, rec.Endpoint,
				model.Dimensions{Rows: rec.Rows, Cols: rec.Cols},
				rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
				rec.Duration().Round(time.Second), rec.Error)
		}
		return w.Flush()
	},
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <session-id>...",
	Short: "Delete sessions from the journal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeJournal, err := requireJournal()
		if err != nil {
			return err
		}
		defer closeJournal()

		for _, id := range args {
			if err := repo.Delete(cmd.Context(), id); err != nil {
				return fmt.Errorf("failed to delete session %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
		}
		return nil
	},
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished sessions older than --older-than",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return fmt.Errorf("invalid --older-than %s, must be positive", olderThan)
		}

		repo, closeJournal, err := requireJournal()
		if err != nil {
			return err
		}
		defer closeJournal()

		n, err := repo.Prune(cmd.Context(), time.Now().Add(-olderThan))
		if err != nil {
			return fmt.Errorf("failed to prune sessions: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d sessions\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsRmCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)

	sessionsCmd.Flags().Int("limit", 20, "maximum number of sessions to show")
	sessionsCmd.Flags().Bool("json", false, "Output as JSON")
	sessionsPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "age of the oldest session to keep")
}

func requireJournal() (*repository.SessionRepository, func(), error) {
	repo, closeJournal, err := openJournal()
	if err != nil {
		return nil, nil, err
	}
	if repo == nil {
		return nil, nil, errors.New("session journal is disabled (storage.dbPath is empty)")
	}
	return repo, closeJournal, nil
}
