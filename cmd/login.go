// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"errors"
	"fmt"
	"time"

	"dashql/cli/internal/auth"
	"dashql/cli/internal/params"
	"dashql/cli/internal/terminal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

var loginRefreshToken bool

// loginCmd stores the credential of a connection in the OS keychain.
var loginCmd = &cobra.Command{
	Use:     "login <id>",
	Aliases: []string{"auth"},
	Short:   "Store the token or password of a connection",
	Long: `The login command reads a secret without echo and stores it in the OS keychain.
Hyper and Salesforce connections take a bearer token (a leading "Bearer " is accepted);
Trino connections take the user's password. Piped input is read as a single line.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireKeychain(); err != nil {
			return err
		}
		e, err := a.entry(cmd.Context(), id)
		if err != nil {
			return err
		}

		switch e.Params.Kind {
		case params.KindHyper, params.KindSalesforce:
			raw, err := terminal.ReadSecret("Paste access token: ")
			if err != nil {
				return err
			}
			tok := &oauth2.Token{AccessToken: auth.ParseBearer(raw), TokenType: "Bearer"}
			if loginRefreshToken {
				rt, err := terminal.ReadSecret("Paste refresh token: ")
				if err != nil {
					return err
				}
				tok.RefreshToken = rt
			}
			if err := auth.NewKeychain(a.keys).Save(id, tok); err != nil {
				return err
			}
			if exp, ok := auth.TokenExpiry(tok.AccessToken); ok {
				pterm.Success.Printf("Token stored for %s (expires %s)\n", id, exp.Local().Format(time.DateTime))
			} else {
				pterm.Success.Printf("Token stored for %s\n", id)
			}
		case params.KindTrino:
			pw, err := terminal.ReadSecret(fmt.Sprintf("Password for %s: ", e.Params.Trino.User))
			if err != nil {
				return err
			}
			if pw == "" {
				return errors.New("password is empty")
			}
			if err := a.keys.SavePassword(id, pw); err != nil {
				return err
			}
			pterm.Success.Printf("Password stored for %s\n", id)
		default:
			pterm.Info.Printf("%s connections need no credential\n", e.Params.Kind)
		}
		return nil
	},
}

func init() {
	loginCmd.Flags().BoolVar(&loginRefreshToken, "refresh-token", false, "Also prompt for a refresh token")
	rootCmd.AddCommand(loginCmd)
}
