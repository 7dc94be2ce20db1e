package donation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition marks a state machine rule violation. Always
	// recoverable: the caller corrects and retries or informs the user.
	ErrInvalidTransition = errors.New("invalid subscription transition")

	// ErrNotAuthorized means the actor does not own the donation. Never
	// retried.
	ErrNotAuthorized = errors.New("actor does not own this donation")

	// ErrConflict means a concurrent transition won the race. Transient, the
	// caller may retry.
	ErrConflict = errors.New("donation modified concurrently")

	// ErrUnknownAttempt means a webhook references a charge attempt the
	// ledger has never seen. Logged for manual review, not retried.
	ErrUnknownAttempt = errors.New("webhook references unknown charge attempt")

	// ErrValidation marks rejected donation parameters.
	ErrValidation = errors.New("invalid donation parameters")
)

// TransitionError reports the current and requested subscription states of a
// rejected transition.
type TransitionError struct {
	Current   string
	Requested string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition subscription from %s to %s", e.Current, e.Requested)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func invalidTransition(current, requested string) error {
	return &TransitionError{Current: current, Requested: requested}
}
