// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"dashql/cli/internal/connection"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/httperrors"
	"dashql/cli/internal/logging"
	"dashql/cli/internal/params"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// errCancelled is returned by commands interrupted with Ctrl-C.
var errCancelled = errors.New("interrupted")

// connectCmd opens a channel to verify a stored connection.
var connectCmd = &cobra.Command{
	Use:   "connect <id>",
	Short: "Open a channel to a stored connection and verify it",
	Long: `The connect command runs the setup of a stored connection: it dials the backend,
exchanges or loads the credential and performs the backend handshake. Press Ctrl-C to
abort the attempt.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		started := time.Now()
		st, _, err := connect(ctx, a, args[0])
		if err != nil {
			return err
		}
		snap := st.Snapshot()
		pterm.Success.Printf("Connected to %s (%s) in %s\n", snap.ID, snap.Kind, time.Since(started).Round(time.Millisecond))
		pterm.Printf("  signature %s\n", snap.Signature)
		return nil
	},
}

// connect sets up the state of id with a progress spinner. On failure the reason has
// already been shown to the user.
func connect(ctx context.Context, a *app, id string) (*connection.State, params.Params, error) {
	var line atomic.Pointer[statusLine]
	st, p, err := a.open(ctx, id, func(e connection.Event) {
		if e.Progress == nil {
			return
		}
		if l := line.Load(); l != nil {
			text := fmt.Sprintf("Connecting to %s: %s", id, e.Progress.Step)
			if e.Progress.Detail != "" {
				text += " (" + e.Progress.Detail + ")"
			}
			l.Set(text)
		}
	})
	if err != nil {
		return nil, p, err
	}

	l := startStatusLine(fmt.Sprintf("Connecting to %s", id))
	line.Store(l)
	err = st.Setup(ctx, p)
	line.Store(nil)
	l.Stop()

	if err != nil {
		return nil, p, presentSetupError(id, p, err)
	}
	return st, p, nil
}

// presentSetupError shows why a setup did not complete and returns the error to report.
// A cancelled setup is not a failure: it prints a notice and returns errCancelled.
func presentSetupError(id string, p params.Params, err error) error {
	switch {
	case cerrors.IsKind(err, cerrors.Cancelled):
		pterm.Warning.Printf("Connection attempt to %s cancelled\n", id)
		return errCancelled
	case cerrors.IsKind(err, cerrors.InvalidParams):
		pterm.Error.Println(logging.PresentError("Invalid connection "+id, err))
	case cerrors.IsKind(err, cerrors.AuthExpired):
		pterm.Error.Printf("The backend did not accept the credential of %s.\n", id)
		pterm.Printf("  Run 'dashql login %s' and try again.\n", id)
	case httperrors.Categorize(err) != httperrors.CategoryGeneric || cerrors.IsKind(err, cerrors.TransportError):
		return httperrors.FormatNetworkError(err, "connecting to "+id, httperrors.ExtractHostFromURL(target(p)))
	default:
		pterm.Error.Println(logging.PresentError("Setup of "+id+" failed", err))
	}
	return err
}

// target returns the network endpoint of p, if any.
func target(p params.Params) string {
	switch p.Kind {
	case params.KindHyper:
		return p.Hyper.Endpoint
	case params.KindSalesforce:
		return p.Salesforce.InstanceURL
	case params.KindTrino:
		return p.Trino.Endpoint
	}
	return ""
}

func init() {
	rootCmd.AddCommand(connectCmd)
}
