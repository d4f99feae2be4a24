// Package errors defines typed errors with categories for user-friendly reporting.
// It provides a structured approach to error handling with machine-readable error kinds
// and human-friendly messages. Connection lifecycle calls, connectors and result streams
// all report failures through this taxonomy so callers can branch on the kind instead of
// matching message text.
//
// The package supports wrapping underlying errors while maintaining error kind information,
// and errors.Is matches on kind through any wrapping chain.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// ChannelNotReady indicates a query was issued without a live channel.
	ChannelNotReady Kind = "channel_not_ready"
	// Busy indicates a lifecycle call was rejected because another one is in flight.
	Busy Kind = "busy"
	// SetupFailed indicates the backend rejected or could not be reached during setup.
	SetupFailed Kind = "setup_failed"
	// AuthExpired indicates the backend rejected the credential mid-session.
	AuthExpired Kind = "auth_expired"
	// TransportError indicates a network or protocol failure during execution.
	TransportError Kind = "transport_error"
	// Cancelled indicates cooperative cancellation. It is not a failure.
	Cancelled Kind = "cancelled"
	// ProtocolError indicates a malformed backend response.
	ProtocolError Kind = "protocol_error"
	// InvalidParams indicates connection params that cannot be used for a connection.
	InvalidParams Kind = "invalid_params"
	// Unsupported indicates a backend kind without a registered connector.
	Unsupported Kind = "unsupported"
)

// Sentinels for errors.Is checks. Only the kind is compared.
var (
	ErrChannelNotReady = New(ChannelNotReady, "no live channel")
	ErrBusy            = New(Busy, "another lifecycle call is in flight")
	ErrSetupFailed     = New(SetupFailed, "setup failed")
	ErrAuthExpired     = New(AuthExpired, "credential rejected")
	ErrTransport       = New(TransportError, "transport failure")
	ErrCancelled       = New(Cancelled, "cancelled")
	ErrProtocol        = New(ProtocolError, "malformed backend response")
	ErrInvalidParams   = New(InvalidParams, "invalid connection params")
	ErrUnsupported     = New(Unsupported, "unsupported backend")
)

// E wraps an error with kind and human-friendly message.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

// Is reports whether target is an *E of the same kind.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	return ok && t.Kind == e.Kind
}

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// KindOf returns the kind of the outermost *E in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var e *E
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any *E in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return stderrors.Is(err, &E{Kind: kind})
}

// Classify returns err unchanged when it already carries a kind, otherwise wraps it
// with the fallback kind.
func Classify(err error, fallback Kind, msg string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	return Wrap(fallback, msg, err)
}
