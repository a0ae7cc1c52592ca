package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/velmie/tablequeue"
)

// claim is one row owned by a worker. It either holds the claim transaction
// (row lock) or, after an INPROCESS mark, nothing at all.
type claim struct {
	queue *Queue
	conn  *tablequeue.Conn
	tx    *sql.Tx
	msg   tablequeue.StoredMessage
	state tablequeue.ProcessState
	done  bool
}

var _ tablequeue.Claim = (*claim)(nil)

func (c *claim) Message() tablequeue.StoredMessage { return c.msg }

func (c *claim) State() tablequeue.ProcessState { return c.state }

func (c *claim) ChangeState(ctx context.Context, to tablequeue.ProcessState, reason string) (bool, error) {
	if c.done {
		return false, tablequeue.ErrClaimClosed
	}
	if !c.queue.configured[to] {
		return false, fmt.Errorf("%w: %s", tablequeue.ErrStateNotConfigured, to)
	}
	if !slices.Contains(c.queue.TargetStates(c.state), to) {
		return false, fmt.Errorf("%w: %s to %s", tablequeue.ErrIllegalTransition, c.state, to)
	}

	var (
		changed bool
		err     error
	)
	if c.tx != nil {
		changed, err = c.queue.update(ctx, c.tx, c.msg.Key, to, reason)
	} else {
		changed, err = c.queue.ChangeState(ctx, c.msg.Key, to, reason)
	}
	if err != nil {
		return false, err
	}
	if changed {
		c.state = to
	}

	return changed, nil
}

func (c *claim) Commit(context.Context) error {
	if c.done {
		return tablequeue.ErrClaimClosed
	}
	c.done = true
	if c.tx == nil {
		return nil
	}

	return releaseWith(c.conn, finishTx(c.tx, nil))
}

// Rollback discards uncommitted changes. A row already marked INPROCESS is
// handed back by moving it to AVAILABLE.
func (c *claim) Rollback(ctx context.Context) error {
	if c.done {
		return nil
	}
	c.done = true
	if c.tx != nil {
		err := c.tx.Rollback()
		if errors.Is(err, sql.ErrTxDone) {
			err = nil
		}

		return releaseWith(c.conn, tablequeue.NewStorageError("rollback claim", "", err))
	}

	if c.state != tablequeue.StateInProcess || !c.queue.configured[tablequeue.StateAvailable] {
		return nil
	}
	_, err := c.queue.ChangeState(ctx, c.msg.Key, tablequeue.StateAvailable, "")

	return err
}
