package sqlstore

import (
	"github.com/google/uuid"

	"github.com/velmie/tablequeue"
)

type options struct {
	logger tablequeue.Logger
	clock  tablequeue.Clock
	newID  func() (string, error)
}

// Option configures a Queue, Log or CleanupMaintainer.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l tablequeue.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock sets the time source.
func WithClock(c tablequeue.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithIDGenerator sets how message ids are generated for messages stored without one.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(o *options) {
		o.newID = fn
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = tablequeue.LoggerOrNop(o.logger)
	if o.clock == nil {
		o.clock = tablequeue.SystemClock{}
	}
	if o.newID == nil {
		o.newID = newUUIDv7
	}

	return o
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}
