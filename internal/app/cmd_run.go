package app

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"querydesk/internal/domain"
	"querydesk/internal/service"
)

// cliSession is the session id of statements run from the command line.
const cliSession = "cli"

type runOptions struct {
	connID   string
	readOnly bool
	explain  bool
	rowLimit int
	pageSize int
	timeout  time.Duration
	asJSON   bool
}

func (o *runOptions) register(cmd *cobra.Command, withConn bool) {
	f := cmd.Flags()
	if withConn {
		f.StringVarP(&o.connID, "conn", "c", "", "Connection profile ID")
		_ = cmd.MarkFlagRequired("conn")
	}
	f.BoolVar(&o.readOnly, "read-only", false, "Reject anything but a single SELECT")
	f.BoolVar(&o.explain, "explain", false, "Show the query plan instead of running the statement")
	f.IntVar(&o.rowLimit, "limit", 0, "Append a row limit to SELECT statements")
	f.IntVar(&o.pageSize, "page-size", 0, "Rows per printed page (default from config)")
	f.DurationVar(&o.timeout, "timeout", 0, "Cancel the statement after this long")
	f.BoolVar(&o.asJSON, "json", false, "Print pages as JSON")
}

func newRunCommand() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [sql]",
		Short: "Run a statement on a saved connection",
		Long: `Run one statement, or a script of statements separated by semicolons,
on a saved connection and print every page of the result. With no argument
or "-" the statement is read from stdin. Ctrl-C cancels the statement on
the server.`,
		Example: `  querydesk run -c 8f1e... "SELECT * FROM orders ORDER BY id DESC"
  querydesk run -c 8f1e... --read-only --limit 10 "SELECT * FROM users"
  querydesk run -c 8f1e... - < migration.sql`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stmt, err := statementArg(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			a, cleanup, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			return execute(cmd, a, stmt, opts)
		},
	}
	opts.register(cmd, true)
	return cmd
}

func statementArg(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read statement from stdin: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", fmt.Errorf("no statement given")
	}
	return string(raw), nil
}

// execute submits stmt, waits for it and prints the result. An interrupt
// cancels the execution.
func execute(cmd *cobra.Command, a *App, stmt string, opts runOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()

	if _, err := a.Conns.Open(ctx, opts.connID); err != nil {
		return err
	}
	if opts.timeout == 0 {
		opts.timeout = a.Config.Engine.DefaultTimeout
	}
	req := service.SubmitRequest{
		SessionID:    cliSession,
		ConnectionID: opts.connID,
		Statement:    stmt,
		ReadOnly:     opts.readOnly,
		RowLimit:     opts.rowLimit,
		Timeout:      opts.timeout,
	}
	submit := a.Engine.Submit
	if opts.explain {
		submit = a.Engine.Explain
	}
	id, err := submit(ctx, req)
	if err != nil {
		return err
	}

	exec, err := a.Engine.Wait(ctx, id)
	if err != nil {
		// Interrupted: cancel on the server and report the final state.
		a.Engine.Cancel(id)
		waitCtx, cancel := context.WithTimeout(context.Background(), a.Config.Engine.CancelGrace)
		defer cancel()
		if exec, err = a.Engine.Wait(waitCtx, id); err != nil {
			return err
		}
	}

	if exec.State == domain.ExecutionCompleted {
		if err := printPages(ctx, out, a.Engine, id, opts); err != nil {
			return err
		}
	}
	if opts.asJSON {
		if exec.State != domain.ExecutionCompleted {
			return renderJSON(out, exec)
		}
		return nil
	}
	renderSummary(out, exec)
	if exec.State == domain.ExecutionFailed {
		return fmt.Errorf("statement failed")
	}
	return nil
}

func printPages(ctx context.Context, w io.Writer, engine *service.Engine, id string, opts runOptions) error {
	for index := 0; ; index++ {
		page, err := engine.GetPage(ctx, id, index, opts.pageSize)
		if err != nil {
			return err
		}
		switch {
		case opts.asJSON:
			if err := renderJSON(w, page); err != nil {
				return err
			}
		case len(page.Columns) > 0 && (index == 0 || len(page.Rows) > 0):
			renderRows(w, page.Columns, page.Rows)
		}
		if !page.HasMore {
			return nil
		}
	}
}
