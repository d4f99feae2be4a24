// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"fmt"

	cerrors "dashql/cli/internal/errors"
)

var kindHints = map[cerrors.Kind]string{
	cerrors.ChannelNotReady: "run 'dashql connect <id>' first",
	cerrors.Busy:            "another operation is still running on this connection",
	cerrors.AuthExpired:     "run 'dashql login <id>' to store a fresh credential",
	cerrors.InvalidParams:   "check the connection with 'dashql params export <id>'",
	cerrors.Unsupported:     "this backend kind is not available in this build",
}

// PresentError formats an error for user display with masking. Errors of a known kind
// get a hint on the next line.
func PresentError(context string, err error) string {
	if err == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", context, Mask(err.Error()))
	if hint, ok := kindHints[cerrors.KindOf(err)]; ok {
		msg += "\n  hint: " + hint
	}
	return msg
}
