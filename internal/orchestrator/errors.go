package orchestrator

import (
	"errors"
	"fmt"

	"commonground/internal/models"
	"commonground/internal/provider"
)

// Kind is the engine's error taxonomy; the API layer maps kinds to HTTP
// statuses without inspecting error text.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindFeatureDisabled
	KindQuotaExceeded
	KindNotFound
	KindBusy
	KindProvider
)

// Error is the typed failure value crossing the orchestrator boundary.
// Message is always user-safe; raw upstream text stays in Err for logs.
type Error struct {
	Kind    Kind
	Message string
	Reason  string         // quota exhaustion reason, when applicable
	Limits  *models.Limits // remaining counts, when applicable
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func notFoundError() *Error {
	// Ownership mismatch and absence are deliberately indistinguishable.
	return &Error{Kind: KindNotFound, Message: "conversation not found"}
}

func quotaError(reason string, limits models.Limits) *Error {
	msg := "You have reached your monthly AI usage limit."
	if reason == "DAILY_LIMIT" {
		msg = "You have reached your daily AI usage limit. Come back tomorrow."
	}
	return &Error{Kind: KindQuotaExceeded, Message: msg, Reason: reason, Limits: &limits}
}

func busyError() *Error {
	return &Error{Kind: KindBusy, Message: "The assistant is busy right now. Please retry in a moment."}
}

// providerError translates any provider-originated failure into a
// user-safe phrasing; callers never see raw upstream error text.
func providerError(err error) *Error {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return &Error{Kind: KindProvider, Message: perr.Friendly(), Err: err}
	}
	if errors.Is(err, provider.ErrNoProviders) {
		return &Error{Kind: KindProvider, Message: "No AI provider is configured.", Err: err}
	}
	return &Error{Kind: KindProvider, Message: "Something went wrong while generating a response. Please try again.", Err: err}
}

// AsError extracts a typed engine error, wrapping unknown failures as
// internal ones.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}
