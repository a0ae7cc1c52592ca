package tablequeue

import "context"

// Handler processes one claimed message.
type Handler interface {
	Handle(ctx context.Context, msg StoredMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg StoredMessage) error

// Handle implements Handler.
func (fn HandlerFunc) Handle(ctx context.Context, msg StoredMessage) error {
	return fn(ctx, msg)
}
