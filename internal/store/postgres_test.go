package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestNotFoundMapsNoRows(t *testing.T) {
	// A miss surfaces as the store sentinel even when wrapped the way the
	// query methods wrap it.
	wrapped := fmt.Errorf("get order o-1: %w", notFound(pgx.ErrNoRows))
	if !IsNotFound(wrapped) {
		t.Fatalf("wrapped no-rows error %q should satisfy IsNotFound", wrapped)
	}

	// Real failures pass through untouched.
	boom := errors.New("connection reset")
	if got := notFound(boom); got != boom {
		t.Errorf("notFound rewrote %v to %v", boom, got)
	}
	if IsNotFound(fmt.Errorf("get order o-1: %w", notFound(boom))) {
		t.Error("non-miss error must not satisfy IsNotFound")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if isUniqueViolation(errors.New("nope")) {
		t.Error("plain error is not a unique violation")
	}
	if isUniqueViolation(nil) {
		t.Error("nil is not a unique violation")
	}
}
