// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var logoutAll bool

// logoutCmd removes stored credentials from the OS keychain.
var logoutCmd = &cobra.Command{
	Use:   "logout [id]",
	Short: "Remove the stored token and password of a connection",
	Long: `The logout command removes the secrets stored for a connection by 'dashql login'.
The connection definition itself is kept. With --all, the secrets of every stored
connection are removed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !logoutAll {
			return cmd.Help()
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireKeychain(); err != nil {
			return err
		}

		ids := args
		if logoutAll {
			entries, err := a.store.List(cmd.Context())
			if err != nil {
				return err
			}
			ids = ids[:0]
			for _, e := range entries {
				ids = append(ids, e.ID)
			}
		}
		for _, id := range ids {
			if err := a.keys.Clear(id); err != nil {
				return err
			}
		}
		pterm.Success.Printf("Credentials removed for %d connection(s)\n", len(ids))
		return nil
	},
}

func init() {
	logoutCmd.Flags().BoolVar(&logoutAll, "all", false, "Remove the credentials of every stored connection")
	rootCmd.AddCommand(logoutCmd)
}
