package sqlstore

import (
	"errors"
	"fmt"

	"github.com/velmie/tablequeue"
)

var (
	// ErrConnectorRequired is returned when a nil connector is provided.
	ErrConnectorRequired = fmt.Errorf("%w: tablequeue sqlstore: connector is required", tablequeue.ErrConfiguration)
	// ErrAdapterRequired is returned when a nil dialect adapter is provided.
	ErrAdapterRequired = fmt.Errorf("%w: tablequeue sqlstore: dialect adapter is required", tablequeue.ErrConfiguration)
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = fmt.Errorf("%w: tablequeue sqlstore: table name is required", tablequeue.ErrConfiguration)
	// ErrInvalidIdentifier is returned when a table or column name has disallowed characters.
	ErrInvalidIdentifier = fmt.Errorf("%w: tablequeue sqlstore: invalid identifier", tablequeue.ErrConfiguration)
	// ErrDoneRequired is returned when a queue has no DONE status value.
	ErrDoneRequired = fmt.Errorf("%w: tablequeue sqlstore: DONE status value is required", tablequeue.ErrConfiguration)
	// ErrTxRequired is returned when StoreTx is called with a nil transaction.
	ErrTxRequired = errors.New("tablequeue sqlstore: transaction is required")
	// ErrCleanupLimitInvalid is returned when the cleanup chunk size is negative.
	ErrCleanupLimitInvalid = fmt.Errorf("%w: tablequeue sqlstore: cleanup limit must be non-negative", tablequeue.ErrConfiguration)
	// ErrBatchUnsupported is returned when batch inserts cannot be used with the log settings.
	ErrBatchUnsupported = fmt.Errorf("%w: tablequeue sqlstore: batch insert unsupported", tablequeue.ErrConfiguration)
)
