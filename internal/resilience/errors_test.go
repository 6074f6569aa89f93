package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsTransient_ExternalCallError(t *testing.T) {
	err := &ExternalCallError{Service: "eln", Status: 503, Err: errors.New("server overloaded")}
	if !IsTransient(err) {
		t.Error("expected 503 to be transient")
	}
	if !IsTransient(fmt.Errorf("api call: %w", err)) {
		t.Error("expected wrapped 503 to be transient")
	}
}

func TestIsTransient_NilAndPlain(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
	if IsTransient(errors.New("invalid input: missing field")) {
		t.Error("plain error should not be transient")
	}
}

func TestIsTransient_Network(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("write tcp: %w", syscall.ECONNRESET),
		fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED),
		&net.DNSError{IsTimeout: true, Err: "timeout"},
		errors.New("TLS handshake timeout"),
		errors.New("database is locked (5)"),
	} {
		if !IsTransient(err) {
			t.Errorf("expected %v to be transient", err)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestExternalCallError_Retryable(t *testing.T) {
	tests := []struct {
		name string
		err  *ExternalCallError
		want bool
	}{
		{"no response", &ExternalCallError{Service: "eln", Err: errors.New("dial")}, true},
		{"rate limited", &ExternalCallError{Service: "eln", Status: 429, Err: errors.New("slow down")}, true},
		{"server error", &ExternalCallError{Service: "eln", Status: 503, Err: errors.New("down")}, true},
		{"request timeout", &ExternalCallError{Service: "eln", Status: 408, Err: errors.New("timeout")}, true},
		{"unauthorized", &ExternalCallError{Service: "eln", Status: 401, Err: errors.New("token")}, false},
		{"validation", &ExternalCallError{Service: "sharepoint", Status: 400, Err: errors.New("field")}, false},
		{"not implemented", &ExternalCallError{Service: "eln", Status: 501, Err: errors.New("no route")}, false},
		{"created without id", &ExternalCallError{Service: "eln", Status: 201, Err: errors.New("no id")}, false},
		{"deadline", &ExternalCallError{Service: "eln", Status: 400, Err: context.DeadlineExceeded}, true},
		{"breaker", &ExternalCallError{Service: "eln", Err: eris.Wrap(ErrCircuitOpen, "eln")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
			if got := IsPermanent(eris.Wrap(tt.err, "register")); got == tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, !tt.want)
			}
		})
	}
}

func TestIsPermanent_Taxonomy(t *testing.T) {
	unreadable := &UnreadableImageError{Path: "/data/corrupt.dv", Err: errors.New("bad magic")}
	if !IsPermanent(eris.Wrap(unreadable, "extract")) {
		t.Error("unreadable image should be permanent")
	}
	if IsPermanent(&PersistenceError{Op: "insert experiment", Err: errors.New("locked")}) {
		t.Error("persistence error should be retryable")
	}
	if IsPermanent(errors.New("something")) {
		t.Error("unclassified errors should not be permanent")
	}
}

func TestTaxonomy_Unwrap(t *testing.T) {
	root := errors.New("root cause")
	for _, err := range []error{
		&UnreadableImageError{Path: "a.dv", Err: root},
		&ConversionError{Stage: "ome-zarr", Path: "a.dv", Cause: root},
		&ExternalCallError{Service: "eln", Status: 500, Err: root},
		&PersistenceError{Op: "commit", Err: root},
	} {
		if !errors.Is(err, root) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
	}
}

func TestConversionError_As(t *testing.T) {
	err := eris.Wrap(&ConversionError{Stage: "ome-tiff", Path: "/data/a.dv", Cause: errors.New("disk full")}, "pipeline: convert")
	var ce *ConversionError
	if !errors.As(err, &ce) {
		t.Fatal("expected ConversionError through eris wrapper")
	}
	if ce.Stage != "ome-tiff" {
		t.Errorf("expected stage ome-tiff, got %q", ce.Stage)
	}
}
