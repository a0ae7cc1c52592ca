package dialect

import (
	"fmt"

	"github.com/velmie/tablequeue"
)

var (
	// ErrUnknownDialect is returned by Lookup for an unsupported name.
	ErrUnknownDialect = fmt.Errorf("%w: tablequeue dialect: unknown dialect", tablequeue.ErrConfiguration)
	// ErrNotSelect is returned when a work queue query does not start with SELECT.
	ErrNotSelect = fmt.Errorf("%w: tablequeue dialect: work queue query must start with SELECT", tablequeue.ErrConfiguration)
)
