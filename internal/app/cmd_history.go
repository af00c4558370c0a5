package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"querydesk/internal/domain"
	"querydesk/internal/service"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse and re-run past executions",
	}
	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryRerunCommand())
	cmd.AddCommand(newHistoryPruneCommand())
	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		f      domain.HistoryFilter
		states []string
		since  time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List past executions, newest first",
		Example: `  querydesk history list --search orders --limit 20
  querydesk history list --state Failed --since 24h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, s := range states {
				st := domain.ExecutionState(s)
				if !st.Terminal() {
					return fmt.Errorf("--state must be Completed, Failed or Cancelled, got %q", s)
				}
				f.States = append(f.States, st)
			}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}

			a, cleanup, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := service.Collect(a.History.Query(cmd.Context(), f))
			if err != nil {
				return err
			}
			if asJSON {
				return renderJSON(cmd.OutOrStdout(), entries)
			}
			renderHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.ConnectionID, "conn", "c", "", "Only this connection")
	fl.StringVar(&f.SessionID, "session", "", "Only this session")
	fl.StringVar(&f.Search, "search", "", "Statement contains")
	fl.StringSliceVar(&states, "state", nil, "Completed, Failed or Cancelled (repeatable)")
	fl.DurationVar(&since, "since", 0, "Only executions newer than this")
	fl.IntVarP(&f.Limit, "limit", "n", 50, "Maximum entries")
	fl.BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newHistoryRerunCommand() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "rerun <execution-id>",
		Short: "Run a past statement again on its connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			entry, err := a.History.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			opts.connID = entry.ConnectionID
			return execute(cmd, a, entry.Statement, opts)
		},
	}
	opts.register(cmd, false)
	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete history older than a given age",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if olderThan <= 0 {
				olderThan = a.Config.History.Retention
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than is required when history.retention is not set")
			}
			n, err := a.History.PruneOlderThan(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age cutoff (default history.retention)")
	return cmd
}
