// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cerrors "dashql/cli/internal/errors"

	"github.com/pterm/pterm"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCErrorType represents the category of gRPC error
type GRPCErrorType int

const (
	GRPCErrorUnknown GRPCErrorType = iota
	GRPCErrorNetwork
	GRPCErrorAuth
	GRPCErrorTimeout
	GRPCErrorInternal
	GRPCErrorUnavailable
)

// ParseGRPCError categorizes a gRPC error message
func ParseGRPCError(errMsg string) GRPCErrorType {
	lower := strings.ToLower(errMsg)

	if strings.Contains(lower, "rst_stream") || strings.Contains(lower, "connection reset") {
		return GRPCErrorNetwork
	}
	if strings.Contains(lower, "internal_error") {
		return GRPCErrorInternal
	}
	if strings.Contains(lower, "unavailable") || strings.Contains(lower, "service unavailable") {
		return GRPCErrorUnavailable
	}
	if strings.Contains(lower, "deadline") || strings.Contains(lower, "timeout") {
		return GRPCErrorTimeout
	}
	if strings.Contains(lower, "unauthenticated") || strings.Contains(lower, "unauthorized") {
		return GRPCErrorAuth
	}

	return GRPCErrorUnknown
}

// GRPCKind maps a gRPC status code onto the error taxonomy.
func GRPCKind(code codes.Code) cerrors.Kind {
	switch code {
	case codes.Unauthenticated, codes.PermissionDenied:
		return cerrors.AuthExpired
	case codes.Canceled:
		return cerrors.Cancelled
	case codes.InvalidArgument, codes.Internal, codes.DataLoss, codes.Unimplemented,
		codes.FailedPrecondition, codes.OutOfRange, codes.NotFound, codes.AlreadyExists:
		return cerrors.ProtocolError
	}
	return cerrors.TransportError
}

// ClassifyGRPC wraps err with the kind of its gRPC status. Errors that already carry a
// kind are returned unchanged.
func ClassifyGRPC(err error, msg string) error {
	if err == nil {
		return nil
	}
	if cerrors.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return cerrors.Wrap(cerrors.Cancelled, msg, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return cerrors.Wrap(cerrors.TransportError, msg, err)
	}
	return cerrors.Wrap(GRPCKind(st.Code()), fmt.Sprintf("%s: %s", msg, st.Code()), err)
}

// FormatStreamError formats a query stream failure in a user-friendly way.
func FormatStreamError(err error) string {
	if err == nil {
		return ""
	}
	errMsg := Mask(err.Error())

	var builder strings.Builder
	builder.WriteString(pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint("Query Failed"))
	builder.WriteString("\n\n")

	switch kind := cerrors.KindOf(err); {
	case kind == cerrors.AuthExpired || ParseGRPCError(errMsg) == GRPCErrorAuth:
		builder.WriteString("The backend rejected the connection's credential.\n")
		builder.WriteString("The token may have expired or been revoked.\n")
	case kind == cerrors.ProtocolError:
		builder.WriteString("The backend sent a response that could not be read.\n")
	case ParseGRPCError(errMsg) == GRPCErrorTimeout:
		builder.WriteString("The backend did not answer in time.\n")
	case ParseGRPCError(errMsg) == GRPCErrorUnavailable:
		builder.WriteString("The backend is currently unavailable.\n")
	default:
		builder.WriteString("The connection to the backend was interrupted.\n")
	}
	builder.WriteString("\n")

	if cerrors.IsKind(err, cerrors.AuthExpired) {
		builder.WriteString(pterm.NewStyle(pterm.FgYellow).Sprint("→ Run 'dashql login <connection>' and try again"))
	} else {
		builder.WriteString(pterm.NewStyle(pterm.FgYellow).Sprint("→ Run the query again; the connection is kept when the channel survived"))
	}
	builder.WriteString("\n\n")
	builder.WriteString(pterm.NewStyle(pterm.FgGray).Sprint("Technical details: " + errMsg))
	return builder.String()
}

// PresentStreamError displays a formatted stream error
func PresentStreamError(err error) {
	fmt.Println()
	fmt.Println(FormatStreamError(err))
	fmt.Println()
}
