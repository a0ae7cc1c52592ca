package tablequeue

import "context"

// FailureAction decides where a message goes after its handler failed.
type FailureAction int

const (
	// FailureError moves the message to ERROR, falling back to HOLD when ERROR is not configured.
	FailureError FailureAction = iota
	// FailureHold parks the message in HOLD.
	FailureHold
	// FailureRelease rolls the claim back so the message can be claimed again.
	FailureRelease
)

// FailureClassifier maps a handler error to an action.
type FailureClassifier func(ctx context.Context, msg StoredMessage, err error) FailureAction

func defaultFailureClassifier(context.Context, StoredMessage, error) FailureAction {
	return FailureError
}
