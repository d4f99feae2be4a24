// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"errors"
	"os"
	"os/signal"

	"dashql/cli/internal/catalog"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/logging"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// describeCmd lists the columns of a table on a stored connection.
var describeCmd = &cobra.Command{
	Use:   "describe <id> <table>",
	Short: "Show the columns of a table",
	Long: `The describe command opens a channel to the connection and lists the columns of a
table as the backend sees them. The table may be qualified as schema.table.`,
	Example: `  dashql describe scratch events
  dashql describe scratch main.events`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := catalog.ParseTableIdentifier(args[1])
		if err != nil {
			return err
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		st, _, err := connect(ctx, a, args[0])
		if err != nil {
			return err
		}
		t, err := st.DescribeTable(ctx, id)
		if err != nil {
			return presentDescribeError(args[0], id, err)
		}
		return renderColumns(t)
	},
}

func presentDescribeError(conn string, id catalog.TableIdentifier, err error) error {
	switch {
	case errors.Is(err, catalog.ErrTableNotFound):
		pterm.Error.Printf("Table %s not found on %s\n", id, conn)
	case cerrors.IsKind(err, cerrors.Unsupported):
		pterm.Warning.Println(err.Error())
	default:
		pterm.Error.Println(logging.PresentError("Describe "+id.String()+" failed", err))
	}
	return err
}

func renderColumns(t *catalog.Table) error {
	data := pterm.TableData{{"column", "type"}}
	for _, c := range t.Columns {
		data = append(data, []string{c.Name, c.Type})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func init() {
	rootCmd.AddCommand(describeCmd)
}
