package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tfretry/tfretry/pkg/telemetry"
)

func newHistoryCommand() *cobra.Command {
	var (
		historyDB  string
		attemptLog string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs and their attempts",
		Long: `List recorded runs from the history database, or the attempts of a
single run when a run ID is given.

Without a history database, the NDJSON attempt log can be read directly
with --attempt-log.`,
		Example: `  # List recent runs
  tfretry history --history-db ~/.tfretry/history.db

  # Show the attempts of one run
  tfretry history 1b4e28ba-2fa1-11d2-883f-0016d3cca427 --history-db ~/.tfretry/history.db

  # No database: read the attempt log file
  tfretry history --attempt-log terraform_retry_attempts.ndjson`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if historyDB == "" && attemptLog == "" {
				return &ExitError{
					Code: ExitConfig,
					Err:  fmt.Errorf("either --history-db or --attempt-log is required"),
				}
			}

			if historyDB == "" {
				return showAttemptLog(cmd, attemptLog, args)
			}

			store, err := openHistoryStore(cmd.Context(), historyDB)
			if err != nil {
				return &ExitError{Code: ExitConfig, Err: err}
			}
			defer store.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			if len(args) == 1 {
				attempts, err := store.ListAttemptsByRun(cmd.Context(), args[0])
				if err != nil {
					return &ExitError{Code: ExitFatal, Err: err}
				}
				fmt.Fprintln(w, "ATTEMPT\tTIME\tDOMAIN\tOUTCOME\tACTION\tDURATION\tCLEANUP")
				for _, a := range attempts {
					warn := "-"
					if a.CleanupWarning != "" {
						warn = a.CleanupWarning
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
						a.Number,
						a.Timestamp.Format(time.RFC3339),
						a.Domain,
						a.Outcome,
						a.Action,
						(time.Duration(a.DurationMS) * time.Millisecond).Round(time.Second),
						warn,
					)
				}
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), limit, 0)
			if err != nil {
				return &ExitError{Code: ExitFatal, Err: err}
			}
			fmt.Fprintln(w, "RUN ID\tSTARTED\tSTATE\tATTEMPTS\tCONFIG DIR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					r.ID,
					r.StartedAt.Format(time.RFC3339),
					r.State,
					r.TotalAttempts,
					r.ConfigDir,
				)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&historyDB, "history-db", "", "SQLite history database path")
	cmd.Flags().StringVar(&attemptLog, "attempt-log", "", "NDJSON attempt log to read instead of a database")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

// showAttemptLog renders records straight from the NDJSON file.
func showAttemptLog(cmd *cobra.Command, path string, args []string) error {
	records, err := telemetry.ReadAttemptLog(path)
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "RUN ID\tATTEMPT\tTIME\tDOMAIN\tOUTCOME\tACTION\tDURATION")
	for _, rec := range records {
		if len(args) == 1 && rec.RunID != args[0] {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.RunID,
			rec.Attempt,
			rec.Timestamp.Format(time.RFC3339),
			rec.Domain,
			rec.Outcome,
			rec.Action,
			rec.Duration.Round(time.Second),
		)
	}
	return nil
}
