// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/logging"
	"dashql/cli/internal/query"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	queryMaxRows   int
	queryBatchSize int
	queryTimeout   time.Duration
	queryParams    map[string]string
	queryFormat    string
)

// queryCmd runs one query and streams its batches to stdout.
var queryCmd = &cobra.Command{
	Use:   "query <id> <sql>",
	Short: "Run a query on a stored connection",
	Long: `The query command opens a channel to the connection, runs the query and prints
each result batch as it arrives. Press Ctrl-C to cancel the query; batches already
printed stay on screen.`,
	Example: `  dashql query local "SELECT * FROM demo"
  dashql query lake "SELECT * FROM orders" --max-rows 100 --param query_max_run_time=1m
  dashql query scratch "SELECT name FROM sqlite_master" --format json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if queryFormat != "table" && queryFormat != "json" {
			return fmt.Errorf("unknown format %q, expected table or json", queryFormat)
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

		started := time.Now()
		s, err := st.ExecuteQuery(ctx, query.Args{
			Query: args[1],
			Options: query.Options{
				MaxRows:    queryMaxRows,
				BatchSize:  queryBatchSize,
				Timeout:    queryTimeout,
				Parameters: queryParams,
			},
		})
		if err != nil {
			return presentExecuteError(err)
		}
		defer s.Close()

		render := renderTable
		var wait *statusLine
		if queryFormat == "json" {
			render = jsonRenderer(os.Stdout)
		} else {
			wait = startStatusLine("Running query")
		}
		rows := 0
		for s.Next() {
			if wait != nil {
				wait.Stop()
				wait = nil
			}
			b := s.Batch()
			rows += b.Len()
			if err := render(b); err != nil {
				s.Cancel()
				return err
			}
		}
		if wait != nil {
			wait.Stop()
		}

		elapsed := time.Since(started).Round(time.Millisecond)
		switch s.Status() {
		case query.StatusCancelled:
			pterm.Warning.Printf("Query cancelled after %d batches (%d rows)\n", s.Batches(), rows)
			return errCancelled
		case query.StatusFailed:
			logging.PresentStreamError(s.Err())
			return s.Err()
		}
		if queryFormat == "table" {
			pterm.Info.Printf("%d rows in %d batches (%s)\n", rows, s.Batches(), elapsed)
		}
		return nil
	},
}

// presentExecuteError shows why a query did not start. A query cancelled before it
// started is not a failure.
func presentExecuteError(err error) error {
	if cerrors.IsKind(err, cerrors.Cancelled) {
		pterm.Warning.Println("Query cancelled before it started")
		return errCancelled
	}
	logging.PresentStreamError(err)
	return err
}

func renderTable(b *query.Batch) error {
	data := make(pterm.TableData, 0, len(b.Rows)+1)
	data = append(data, b.ColumnNames())
	for _, row := range b.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		data = append(data, cells)
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// jsonRenderer writes one JSON object per row.
func jsonRenderer(w io.Writer) func(*query.Batch) error {
	enc := json.NewEncoder(w)
	return func(b *query.Batch) error {
		names := b.ColumnNames()
		for _, row := range b.Rows {
			obj := make(map[string]any, len(row))
			for i, v := range row {
				obj[names[i]] = v
			}
			if err := enc.Encode(obj); err != nil {
				return err
			}
		}
		return nil
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case string:
		return strings.ReplaceAll(t, "\n", `\n`)
	}
	return fmt.Sprint(v)
}

func init() {
	queryCmd.Flags().IntVar(&queryMaxRows, "max-rows", 0, "Stop after this many rows (0 for unlimited)")
	queryCmd.Flags().IntVar(&queryBatchSize, "batch-size", 0, "Rows per batch (0 for the backend default)")
	queryCmd.Flags().DurationVar(&queryTimeout, "timeout", 0, "Cancel the query after this long")
	queryCmd.Flags().StringToStringVar(&queryParams, "param", nil, "Session parameter (key=value), repeatable")
	queryCmd.Flags().StringVar(&queryFormat, "format", "table", "Output format: table or json")
	rootCmd.AddCommand(queryCmd)
}
