package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	base := Wrap(AuthExpired, "token rejected", io.ErrUnexpectedEOF)
	setup := Wrap(SetupFailed, "hyper setup", base)
	wrapped := fmt.Errorf("connect: %w", setup)

	tests := []struct {
		name   string
		target error
		want   bool
	}{
		{name: "outer kind", target: ErrSetupFailed, want: true},
		{name: "inner kind", target: ErrAuthExpired, want: true},
		{name: "cause", target: io.ErrUnexpectedEOF, want: true},
		{name: "other kind", target: ErrBusy, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stderrors.Is(wrapped, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(fmt.Errorf("x: %w", ErrChannelNotReady)); got != ChannelNotReady {
		t.Errorf("KindOf() = %q, want %q", got, ChannelNotReady)
	}
	if got := KindOf(io.EOF); got != "" {
		t.Errorf("KindOf(io.EOF) = %q, want empty", got)
	}
	if !IsKind(Wrap(Cancelled, "stop", nil), Cancelled) {
		t.Error("IsKind() = false, want true")
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil, TransportError, "x") != nil {
		t.Error("Classify(nil) should be nil")
	}
	kept := Classify(ErrProtocol, TransportError, "x")
	if KindOf(kept) != ProtocolError {
		t.Errorf("Classify kept kind = %q, want %q", KindOf(kept), ProtocolError)
	}
	wrapped := Classify(io.ErrClosedPipe, TransportError, "read batch")
	if KindOf(wrapped) != TransportError {
		t.Errorf("Classify wrapped kind = %q, want %q", KindOf(wrapped), TransportError)
	}
	if !stderrors.Is(wrapped, io.ErrClosedPipe) {
		t.Error("Classify should keep the cause")
	}
}

func TestErrorMessage(t *testing.T) {
	if got := New(Busy, "in flight").Error(); got != "busy: in flight" {
		t.Errorf("Error() = %q", got)
	}
	if got := Wrap(SetupFailed, "dial", io.EOF).Error(); got != "setup_failed: dial: EOF" {
		t.Errorf("Error() = %q", got)
	}
}
