package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"querydesk/internal/config"
)

// Version information (set at build time).
var Version = "0.1.0"

// cliKey stores the loaded configuration in the command context.
type cliKey struct{}

// cliState is what PersistentPreRunE hands to subcommands.
type cliState struct {
	loader *config.Loader
	cfg    *config.Config
}

// NewRootCmd creates the querydesk command tree.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "querydesk",
		Short: "querydesk - SQL connection and query execution engine",
		Long: `querydesk keeps encrypted connection profiles for MySQL, PostgreSQL,
SQLite and DuckDB, runs statements on them with cancellation and paging,
and records every execution in a searchable history.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			loader := config.NewLoader(cfgFile, cmd.Flags())
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cliKey{}, &cliState{loader: loader, cfg: cfg}))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./querydesk.yaml)")
	rootCmd.PersistentFlags().String("database", "", "Path to the querydesk app database")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text|json)")

	_ = rootCmd.RegisterFlagCompletionFunc("log-level", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMCPCommand())
	rootCmd.AddCommand(newConnCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newHistoryCommand())
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func stateFrom(cmd *cobra.Command) *cliState {
	if st, ok := cmd.Context().Value(cliKey{}).(*cliState); ok {
		return st
	}
	return &cliState{loader: config.NewLoader("", nil)}
}

// openApp builds an App for a one-shot command, logging to stderr.
func openApp(cmd *cobra.Command) (*App, func(), error) {
	st := stateFrom(cmd)
	if st.cfg == nil {
		cfg, err := st.loader.Load()
		if err != nil {
			return nil, nil, err
		}
		st.cfg = cfg
	}
	return openAppWith(cmd.Context(), st.cfg, cmd.ErrOrStderr(), Options{})
}

func openAppWith(ctx context.Context, cfg *config.Config, logOut io.Writer, opts Options) (*App, func(), error) {
	logger, level, err := NewLogger(logOut, cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	opts.Level = level
	a, err := New(ctx, cfg, logger, opts)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Engine.CancelGrace)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}
	return a, cleanup, nil
}
