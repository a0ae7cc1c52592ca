package sqlexec

import (
	"errors"
	"fmt"

	"github.com/velmie/tablequeue"
)

var (
	// ErrClosed is returned when a Context is used after Close.
	ErrClosed = errors.New("tablequeue sqlexec: context closed")
	// ErrMissingParam is returned when a referenced parameter has no value.
	ErrMissingParam = errors.New("tablequeue sqlexec: missing parameter")
	// ErrMixedParams is returned when a query mixes ?{name} and bare ? placeholders.
	ErrMixedParams = fmt.Errorf("%w: tablequeue sqlexec: named and positional parameters mixed", tablequeue.ErrConfiguration)
	// ErrUnknownParam is returned when a query references a parameter that was not declared.
	ErrUnknownParam = fmt.Errorf("%w: tablequeue sqlexec: undeclared parameter", tablequeue.ErrConfiguration)
)
