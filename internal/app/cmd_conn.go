package app

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"querydesk/internal/domain"
	"querydesk/internal/service"
)

func newConnCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conn",
		Aliases: []string{"connection"},
		Short:   "Manage saved connection profiles",
	}
	cmd.AddCommand(newConnAddCommand())
	cmd.AddCommand(newConnListCommand())
	cmd.AddCommand(newConnTestCommand())
	cmd.AddCommand(newConnRemoveCommand())
	return cmd
}

func newConnAddCommand() *cobra.Command {
	var (
		in            service.ProfileInput
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Save a new connection profile",
		Example: `  # MySQL, password read from stdin
  echo "$PW" | querydesk conn add --name shop --driver mysql --host db.local --user app --database shop --password-stdin

  # A local SQLite file
  querydesk conn add --name scratch --driver sqlite --host ./scratch.db`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password from stdin: %w", err)
				}
				in.Password = strings.TrimRight(line, "\r\n")
			}
			a, cleanup, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			p, err := a.Profiles.Create(cmd.Context(), in)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", p.Name, p.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Name, "name", "", "Profile name")
	f.StringVar(&in.Driver, "driver", "", "mysql, postgres, pgx, sqlite or duckdb")
	f.StringVar(&in.Host, "host", "", "Server host, or the database file for sqlite and duckdb")
	f.IntVar(&in.Port, "port", 0, "Server port (default per driver)")
	f.StringVar(&in.Database, "db", "", "Database name")
	f.StringVar(&in.Username, "user", "", "User name")
	f.StringVar(&in.Password, "password", "", "Password (prefer --password-stdin)")
	f.BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	f.StringVar(&in.DefaultSchema, "schema", "", "Default schema")
	f.StringVar(&in.TLS.Mode, "tls", domain.TLSDisable, "disable, require, verify-ca, verify-full or skip-verify")
	f.StringVar(&in.TLS.CAFile, "tls-ca", "", "CA certificate file")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("driver")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func newConnListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved connection profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			profiles, err := a.Profiles.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return renderJSON(cmd.OutOrStdout(), profiles)
			}
			if len(profiles) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "(no connections)")
				return nil
			}
			t := newTable(cmd.OutOrStdout(), "ID", "Name", "Driver", "Host", "Port", "Database", "User", "Password")
			for _, p := range profiles {
				pw := ""
				if p.HasSecret() {
					pw = "saved"
				}
				t.AppendRow(table.Row{p.ID, p.Name, p.Driver, p.Host, p.Port, p.Database, p.Username, pw})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newConnTestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "test <id>",
		Short: "Check that a profile can connect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ok, err := a.Profiles.Test(cmd.Context(), args[0], "")
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("connection test failed")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func newConnRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Delete a connection profile",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			return a.Profiles.Delete(cmd.Context(), args[0])
		},
	}
}
