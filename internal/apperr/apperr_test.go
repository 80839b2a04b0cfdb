package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain", errors.New("boom"), Internal},
		{"typed", E(NotFound, "ride %s not found", "r1"), NotFound},
		{"wrapped", fmt.Errorf("outer: %w", E(Conflict, "dup")), Conflict},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), Transient},
		{"canceled", context.Canceled, Transient},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := Wrap(InvalidState, errors.New("status matched"), "ride is not pending")
	if !errors.Is(err, E(InvalidState, "")) {
		t.Fatalf("expected kind match")
	}
	if errors.Is(err, E(Conflict, "")) {
		t.Fatalf("unexpected match on different kind")
	}
}

func TestMessageHidesInternalDetail(t *testing.T) {
	if got := Message(errors.New("pq: connection refused to 10.0.0.3")); got != "internal error" {
		t.Fatalf("leaked detail: %q", got)
	}
	if got := Message(E(NotFound, "match not found")); got != "match not found" {
		t.Fatalf("got %q", got)
	}
}
