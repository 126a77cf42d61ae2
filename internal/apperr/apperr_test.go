package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindsMatchThroughWrapping(t *testing.T) {
	err := fmt.Errorf("submit: %w", Duplicate())
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected duplicate kind, got %v", err)
	}
	if Code(err) != "duplicate_request" {
		t.Fatalf("unexpected code %q", Code(err))
	}
}

func TestStoreKeepsExistingKind(t *testing.T) {
	err := Store(AlreadyDecided())
	if !errors.Is(err, ErrAlreadyDecided) || errors.Is(err, ErrStore) {
		t.Fatalf("kind lost: %v", err)
	}
	cause := errors.New("connection refused")
	err = Store(cause)
	if !errors.Is(err, ErrStore) || !errors.Is(err, cause) {
		t.Fatalf("expected store kind wrapping cause, got %v", err)
	}
	if UserMessage(err) != "connection refused" {
		t.Fatalf("expected backend message, got %q", UserMessage(err))
	}
}

func TestDeniedDoesNotNameTheRecord(t *testing.T) {
	if UserMessage(Denied()) != "introuvable ou accès refusé" {
		t.Fatalf("unexpected message %q", UserMessage(Denied()))
	}
}
