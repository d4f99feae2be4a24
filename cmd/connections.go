// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"fmt"
	"strings"
	"time"

	"dashql/cli/internal/params"
	"dashql/cli/internal/store"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// addFlags holds the flags of 'connections add'. Each kind reads the subset it needs.
type addFlags struct {
	kind      string
	endpoint  string
	tls       bool
	databases []string
	metadata  map[string]string

	instanceURL string
	clientID    string
	username    string
	dataspace   string

	user    string
	catalog string
	schema  string
	source  string

	database string
	readOnly bool

	batches  int
	rows     int
	interval time.Duration
}

var addOpts addFlags

var connectionsCmd = &cobra.Command{
	Use:     "connections",
	Aliases: []string{"conn"},
	Short:   "Manage stored connections",
}

var connectionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored connections",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.store.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No connections yet. Add one with 'dashql connections add <id> --kind demo'.")
			return nil
		}
		data := pterm.TableData{{"ID", "KIND", "TARGET", "UPDATED"}}
		for _, e := range entries {
			data = append(data, []string{e.ID, e.Params.Kind.String(), describe(e.Params), e.UpdatedAt.Local().Format(time.DateTime)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var connectionsAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add or replace a stored connection",
	Long: `Add stores the parameters needed to open a channel to a backend. Secrets are never
stored here; use 'dashql login <id>' to put a token or password in the OS keychain.`,
	Example: `  dashql connections add local --kind demo
  dashql connections add hyper --kind hyper --endpoint localhost:7484
  dashql connections add cdp --kind salesforce --instance-url https://login.salesforce.com --client-id abc
  dashql connections add lake --kind trino --endpoint https://trino.example.com --user alice --catalog hive
  dashql connections add scratch --kind serverless --database ./scratch.db`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := addOpts.params()
		if err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Put(cmd.Context(), store.Entry{ID: args[0], Params: p}); err != nil {
			return err
		}
		pterm.Success.Printf("Saved %s connection %q\n", p.Kind, args[0])
		return nil
	},
}

var connectionsRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a stored connection and its credentials",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		if a.keys != nil {
			if err := a.keys.Clear(args[0]); err != nil {
				a.logger.Warn("could not clear stored credentials", "connection", args[0], "error", err)
			}
		}
		pterm.Success.Printf("Removed connection %q\n", args[0])
		return nil
	},
}

// params builds the params of the requested kind from the flags.
func (f addFlags) params() (params.Params, error) {
	kind, err := params.ParseKind(f.kind)
	if err != nil {
		return params.Params{}, err
	}
	switch kind {
	case params.KindDemo:
		return params.Demo(params.DemoParams{Batches: f.batches, RowsPerBatch: f.rows, Interval: f.interval}), nil
	case params.KindHyper:
		return params.Hyper(params.HyperParams{Endpoint: f.endpoint, TLS: f.tls, Databases: f.databases, Metadata: f.metadata}), nil
	case params.KindSalesforce:
		return params.Salesforce(params.SalesforceParams{InstanceURL: f.instanceURL, ClientID: f.clientID, Username: f.username, Dataspace: f.dataspace}), nil
	case params.KindTrino:
		return params.Trino(params.TrinoParams{Endpoint: f.endpoint, User: f.user, Catalog: f.catalog, Schema: f.schema, Source: f.source}), nil
	default:
		return params.Serverless(params.ServerlessParams{Database: f.database, ReadOnly: f.readOnly}), nil
	}
}

// describe renders the target of a connection for listings.
func describe(p params.Params) string {
	switch p.Kind {
	case params.KindDemo:
		return fmt.Sprintf("%d×%d rows", p.Demo.Batches, p.Demo.RowsPerBatch)
	case params.KindHyper:
		if len(p.Hyper.Databases) > 0 {
			return p.Hyper.Endpoint + " [" + strings.Join(p.Hyper.Databases, ", ") + "]"
		}
		return p.Hyper.Endpoint
	case params.KindSalesforce:
		if p.Salesforce.Dataspace != "" {
			return p.Salesforce.InstanceURL + " (" + p.Salesforce.Dataspace + ")"
		}
		return p.Salesforce.InstanceURL
	case params.KindTrino:
		target := p.Trino.User + "@" + p.Trino.Endpoint
		if p.Trino.Catalog != "" {
			target += "/" + p.Trino.Catalog
			if p.Trino.Schema != "" {
				target += "/" + p.Trino.Schema
			}
		}
		return target
	case params.KindServerless:
		if p.Serverless.Database == "" {
			return ":memory:"
		}
		if p.Serverless.ReadOnly {
			return p.Serverless.Database + " (read-only)"
		}
		return p.Serverless.Database
	}
	return ""
}

func init() {
	defaults := params.DefaultDemoParams()
	f := connectionsAddCmd.Flags()
	f.StringVar(&addOpts.kind, "kind", "demo", "Backend kind (demo, hyper, salesforce, trino, serverless)")
	f.StringVar(&addOpts.endpoint, "endpoint", "", "Hyper gRPC endpoint or Trino coordinator URL")
	f.BoolVar(&addOpts.tls, "tls", false, "Use TLS for the Hyper channel")
	f.StringSliceVar(&addOpts.databases, "attach", nil, "Hyper databases to attach")
	f.StringToStringVar(&addOpts.metadata, "metadata", nil, "Hyper gRPC metadata (key=value)")
	f.StringVar(&addOpts.instanceURL, "instance-url", "", "Salesforce core instance URL")
	f.StringVar(&addOpts.clientID, "client-id", "", "Salesforce connected app client id")
	f.StringVar(&addOpts.username, "username", "", "Salesforce username")
	f.StringVar(&addOpts.dataspace, "dataspace", "", "Data Cloud dataspace")
	f.StringVar(&addOpts.user, "user", "", "Trino user")
	f.StringVar(&addOpts.catalog, "catalog", "", "Trino catalog")
	f.StringVar(&addOpts.schema, "schema", "", "Trino schema")
	f.StringVar(&addOpts.source, "source", "", "Trino source name")
	f.StringVar(&addOpts.database, "database", "", "Serverless database file (empty for in-memory)")
	f.BoolVar(&addOpts.readOnly, "read-only", false, "Open the serverless database read-only")
	f.IntVar(&addOpts.batches, "batches", defaults.Batches, "Demo batches per query")
	f.IntVar(&addOpts.rows, "rows-per-batch", defaults.RowsPerBatch, "Demo rows per batch")
	f.DurationVar(&addOpts.interval, "interval", 0, "Demo delay between batches")

	connectionsCmd.AddCommand(connectionsListCmd, connectionsAddCmd, connectionsRemoveCmd)
	rootCmd.AddCommand(connectionsCmd)
}
