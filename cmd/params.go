// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"fmt"
	"io"
	"os"

	"dashql/cli/internal/params"
	"dashql/cli/internal/store"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	paramsFormat string
	paramsOutput string
)

type codec struct {
	marshal   func(params.Params) ([]byte, error)
	unmarshal func([]byte) (params.Params, error)
}

var codecs = map[string]codec{
	"proto": {params.Marshal, params.Unmarshal},
	"json":  {params.MarshalJSON, params.UnmarshalJSON},
	"yaml":  {params.MarshalYAML, params.UnmarshalYAML},
}

func codecFor(format string) (codec, error) {
	c, ok := codecs[format]
	if !ok {
		return codec{}, fmt.Errorf("unknown format %q, expected proto, json or yaml", format)
	}
	return c, nil
}

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Export and import connection params",
	Long: `Params are the persisted wire form of a connection. They never contain tokens or
passwords, so exports can be shared; the receiver runs 'dashql login' for credentials.`,
}

var paramsExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Write the params of a connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := codecFor(paramsFormat)
		if err != nil {
			return err
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.entry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		b, err := c.marshal(e.Params.WithoutSecrets())
		if err != nil {
			return err
		}
		if paramsOutput == "" || paramsOutput == "-" {
			_, err = os.Stdout.Write(b)
			return err
		}
		if err := os.WriteFile(paramsOutput, b, 0o600); err != nil {
			return err
		}
		pterm.Success.Printf("Exported %s to %s\n", args[0], paramsOutput)
		return nil
	},
}

var paramsImportCmd = &cobra.Command{
	Use:   "import <id> [file]",
	Short: "Store params read from a file or stdin under id",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := codecFor(paramsFormat)
		if err != nil {
			return err
		}
		var b []byte
		if len(args) == 1 || args[1] == "-" {
			b, err = io.ReadAll(os.Stdin)
		} else {
			b, err = os.ReadFile(args[1])
		}
		if err != nil {
			return err
		}
		p, err := c.unmarshal(b)
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
		sig, err := params.Signature(p)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Imported %s connection %q (signature %s)\n", p.Kind, args[0], sig[:12])
		return nil
	},
}

func init() {
	paramsCmd.PersistentFlags().StringVar(&paramsFormat, "format", "yaml", "Encoding: proto, json or yaml")
	paramsExportCmd.Flags().StringVarP(&paramsOutput, "output", "o", "", "Output file (stdout when empty)")
	paramsCmd.AddCommand(paramsExportCmd, paramsImportCmd)
	rootCmd.AddCommand(paramsCmd)
}
