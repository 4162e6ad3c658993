package ferr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindMatching(t *testing.T) {
	err := NotFound("node %s not in cache", "n1")

	if !IsKind(err, KindNotFound) {
		t.Error("expected KindNotFound")
	}
	if IsKind(err, KindConflict) {
		t.Error("did not expect KindConflict")
	}
	if !errors.Is(err, New(KindNotFound, "")) {
		t.Error("errors.Is should match on kind")
	}
}

func TestKindMatchingThroughWrapping(t *testing.T) {
	inner := AlreadyLocked("node n1 is locked")
	outer := fmt.Errorf("submit failed: %w", inner)

	if !IsKind(outer, KindAlreadyLocked) {
		t.Error("kind should survive fmt.Errorf wrapping")
	}
	if !IsRetryable(outer) {
		t.Error("already-locked should be retryable")
	}
}

func TestRetryability(t *testing.T) {
	cases := []struct {
		err       *Error
		retryable bool
	}{
		{AlreadyLocked("busy"), true},
		{Driver(errors.New("nft: connection refused"), "apply failed"), true},
		{NotFound("missing"), false},
		{Conflict("duplicate"), false},
		{InvalidState("finished"), false},
		{Validation("empty payload"), false},
		{Timeout("ttl exceeded"), false},
		{TypeMismatch("string vs int"), false},
	}
	for _, tc := range cases {
		if got := tc.err.Retryable(); got != tc.retryable {
			t.Errorf("%s: retryable = %v, want %v", tc.err.Kind, got, tc.retryable)
		}
	}
}

func TestHookAbortedCarriesAbortKind(t *testing.T) {
	err := HookAborted("validation_error", "no usable interfaces")

	if err.AbortKind != "validation_error" {
		t.Errorf("abort kind = %q", err.AbortKind)
	}
	want := "hook_aborted(validation_error): no usable interfaces"
	if err.Error() != want {
		t.Errorf("message = %q, want %q", err.Error(), want)
	}
}

func TestDriverErrorUnwraps(t *testing.T) {
	cause := errors.New("netlink receive: EPERM")
	err := Driver(cause, "inspect failed")

	if !errors.Is(err, cause) {
		t.Error("driver error should unwrap to its cause")
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain errors have no kind")
	}
}
