package logging

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return false }

func TestNewOperationErrorNilPassthrough(t *testing.T) {
	if err := NewOperationError("op", "req", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := NewOperationError("face.detect", "req-1", base)

	if got, want := err.Error(), "face.detect (request_id=req-1): boom"; got != want {
		t.Fatalf("unexpected message: %q", got)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to reach the wrapped error")
	}

	noID := NewOperationError("face.detect", "", base)
	if got, want := noID.Error(), "face.detect: boom"; got != want {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestOperationOfReturnsInnermost(t *testing.T) {
	inner := NewOperationError("visionclient.detect_faces", "", errors.New("unavailable"))
	outer := NewOperationError("face.remote_detect", "req", fmt.Errorf("wrapped: %w", inner))

	if got := OperationOf(outer); got != "visionclient.detect_faces" {
		t.Fatalf("expected innermost operation, got %q", got)
	}
	if got := OperationOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty operation, got %q", got)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"timeout", timeoutError{}, true},
		{"plain", errors.New("bad request"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
