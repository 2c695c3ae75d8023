package syncerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error is transient", base, Transient},
		{"deadline is transient", context.DeadlineExceeded, Transient},
		{"cancel is systemic", context.Canceled, Systemic},
		{"systemic", NewSystemic("submit", base), Systemic},
		{"validation", NewValidation("submit", base), Validation},
		{"conflict", NewConflict("submit", 409, nil, base), Conflict},
		{"wrapped", fmt.Errorf("outer: %w", NewValidation("submit", base)), Validation},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("%s: KindOf = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestError_MessageAndUnwrap(t *testing.T) {
	base := errors.New("denied")
	err := &Error{Kind: Systemic, Op: "submit", StatusCode: 401, Err: base}
	msg := err.Error()
	for _, part := range []string{"submit", "systemic", "401", "denied"} {
		if !strings.Contains(msg, part) {
			t.Fatalf("message %q missing %q", msg, part)
		}
	}
	if !errors.Is(err, base) {
		t.Fatalf("Unwrap should expose the cause")
	}
	se, ok := As(fmt.Errorf("wrap: %w", err))
	if !ok || se.StatusCode != 401 {
		t.Fatalf("As failed: %+v %v", se, ok)
	}
}

func TestIs_Nil(t *testing.T) {
	if Is(nil, Transient) {
		t.Fatalf("nil must not classify")
	}
}
