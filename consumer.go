package tablequeue

import "context"

// Consumer is a table-backed work queue.
type Consumer interface {
	// HasAvailable probes for claimable rows without taking row locks.
	HasAvailable(ctx context.Context) (bool, error)
	// ClaimNext locks and returns one row, or ErrNoMessage.
	ClaimNext(ctx context.Context) (Claim, error)
	// ConcurrencySafe reports whether concurrent ClaimNext calls can never return the same row.
	ConcurrencySafe() bool
}

// Claim is a row owned by one worker until Commit or Rollback.
type Claim interface {
	// Message returns the claimed row.
	Message() StoredMessage
	// State is the state the row is in while claimed.
	State() ProcessState
	// ChangeState moves the row to another state. It returns false when another
	// worker already moved it.
	ChangeState(ctx context.Context, to ProcessState, reason string) (bool, error)
	// Commit finalizes the claim.
	Commit(ctx context.Context) error
	// Rollback abandons the claim and makes the row claimable again where possible.
	Rollback(ctx context.Context) error
}

// AvailableCounter reports how many rows are waiting.
type AvailableCounter interface {
	AvailableCount(ctx context.Context) (int, error)
}
