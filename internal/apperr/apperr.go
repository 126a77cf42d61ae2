// Package apperr defines the error kinds surfaced by the ledger, the
// conversation directory and the message channel.
package apperr

import (
	"errors"
	"fmt"
)

// Kinds. Match with errors.Is.
var (
	ErrValidation       = errors.New("validation")
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrAuthorization    = errors.New("authorization")
	ErrAlreadyDecided   = errors.New("already decided")
	ErrStore            = errors.New("store")
)

// Error carries a kind, a user-facing message and an optional cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func Duplicate() error {
	return &Error{Kind: ErrDuplicateRequest, Message: "Vous avez déjà demandé ce trajet pour cette date."}
}

// Denied is returned for missing rights and for rows the caller cannot see,
// so that both cases look the same from outside.
func Denied() error {
	return &Error{Kind: ErrAuthorization, Message: "introuvable ou accès refusé"}
}

func AlreadyDecided() error {
	return &Error{Kind: ErrAlreadyDecided, Message: "Cette demande a déjà été traitée."}
}

// Store wraps a backend failure. Errors that already carry a kind are
// returned unchanged.
func Store(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: ErrStore, Err: err}
}

// Code returns a stable short name of the error kind.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrAlreadyDecided):
		return "already_decided"
	}
	return "store"
}

// UserMessage returns the text to show the user for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Message != "" {
			return ae.Message
		}
		if ae.Err != nil {
			return ae.Err.Error()
		}
	}
	return err.Error()
}
