package app

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "querydesk/internal/mcp"
)

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve saved connections to AI agents over MCP on stdin/stdout",
		Long: `Run a Model Context Protocol server on stdin/stdout. Agents can list
connections, read schemas, run read-only SELECT statements and search the
history. Logs go to stderr.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ServeMCP(cmd)
		},
	}
}

// ServeMCP runs querydesk as a standalone MCP server on stdin/stdout until
// the client disconnects or the process is interrupted.
func ServeMCP(cmd *cobra.Command) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// stdout carries the protocol; everything else goes to stderr.
	st := stateFrom(cmd)
	a, cleanup, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	a.Start()

	mcpSrv := mcpserver.New(mcpserver.Deps{
		Profiles: a.Profiles,
		Conns:    a.Conns,
		Engine:   a.Engine,
		History:  a.History,
		Logger:   a.Logger,
	})

	errc := make(chan error, 1)
	go func() { errc <- mcpSrv.ServeStdio() }()
	go func() {
		_ = st.loader.Watch(ctx, a.Logger, a.Apply)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return nil
	}
}
