package tablequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FailureHandler is called when a handler returns an error.
type FailureHandler func(ctx context.Context, msg StoredMessage, err error)

// Relay polls a Consumer and invokes a Handler for each claimed message.
type Relay struct {
	consumer Consumer
	handler  Handler
	cfg      RelayConfig

	availableMu sync.Mutex
	availableAt time.Time
}

// NewRelay constructs a Relay with defaults and optional settings.
func NewRelay(consumer Consumer, handler Handler, opts ...RelayOption) *Relay {
	if consumer == nil {
		panic("tablequeue: nil Consumer")
	}
	if handler == nil {
		panic("tablequeue: nil Handler")
	}

	var cfg RelayConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Relay{
		consumer: consumer,
		handler:  handler,
		cfg:      cfg,
	}
}

// Run starts the polling loop with the configured number of workers.
func (r *Relay) Run(ctx context.Context) error {
	if r.cfg.Workers > 1 && !r.consumer.ConcurrencySafe() {
		r.cfg.Logger.Warn("tablequeue relay runs several workers on a queue without skip-locked support or in-process marking; rows may be claimed twice",
			"workers", r.cfg.Workers)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, r.cfg.Workers)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					err := fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
					r.cfg.Logger.Error("tablequeue worker panic", "worker", workerID, "panic", rec)
					errCh <- err
					cancel()
				}
			}()

			if err := r.runWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.cfg.Logger.Error("tablequeue worker error", "worker", workerID, "err", err)
				errCh <- err
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// ProcessOnce claims and handles at most one message. It reports whether a message was handled.
func (r *Relay) ProcessOnce(ctx context.Context) (bool, error) {
	available, err := r.consumer.HasAvailable(ctx)
	if err != nil {
		return false, err
	}
	if !available {
		r.maybeRecordAvailable(ctx)

		return false, nil
	}

	claim, err := r.claim(ctx)
	if err != nil {
		if errors.Is(err, ErrNoMessage) {
			return false, nil
		}

		return false, err
	}

	if err := r.process(ctx, claim); err != nil {
		return false, err
	}

	return true, nil
}

func (r *Relay) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		handled, err := r.ProcessOnce(ctx)
		if err != nil {
			if !errors.Is(err, ErrTimeout) {
				return err
			}
			r.cfg.Logger.Warn("tablequeue poll timed out", "err", err)
		}
		if handled {
			continue
		}
		if sleepErr := r.sleep(ctx, r.cfg.PollInterval); sleepErr != nil {
			return sleepErr
		}
	}
}

func (r *Relay) claim(ctx context.Context) (Claim, error) {
	ctx, span := r.cfg.Tracer.Start(ctx, "tablequeue.claim", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	claim, err := r.consumer.ClaimNext(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoMessage) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return nil, err
	}
	span.SetAttributes(attribute.String("tablequeue.key", claim.Message().Key))
	r.cfg.Metrics.AddClaimed(1)

	return claim, nil
}

func (r *Relay) process(ctx context.Context, claim Claim) error {
	start := time.Now()
	defer func() {
		r.cfg.Metrics.ObserveHandleDuration(time.Since(start))
	}()

	msg := claim.Message()
	ctx, span := r.cfg.Tracer.Start(ctx, "tablequeue.handle", trace.WithAttributes(
		attribute.String("tablequeue.key", msg.Key),
		attribute.String("tablequeue.message_id", msg.MessageID),
	))
	defer span.End()

	handleCtx := ctx
	cancel := func() {}
	if r.cfg.HandlerTimeout > 0 {
		handleCtx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	}
	err := r.handler.Handle(handleCtx, msg)
	cancel()

	if err == nil {
		return r.finish(ctx, claim, []ProcessState{StateDone}, "")
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if ctx.Err() != nil {
		return r.rollbackWith(ctx, claim, ctx.Err())
	}

	return r.recordFailure(ctx, claim, err)
}

func (r *Relay) recordFailure(ctx context.Context, claim Claim, err error) error {
	msg := claim.Message()
	if r.cfg.ErrorHandler != nil {
		r.cfg.ErrorHandler(ctx, msg, err)
	}

	switch r.cfg.FailureClassifier(ctx, msg, err) {
	case FailureRelease:
		r.cfg.Metrics.AddReleased(1)

		return r.release(ctx, claim)
	case FailureHold:
		return r.finish(ctx, claim, []ProcessState{StateHold}, err.Error())
	default:
		return r.finish(ctx, claim, []ProcessState{StateError, StateHold}, err.Error())
	}
}

// finish moves the claim to the first configured target and commits.
func (r *Relay) finish(ctx context.Context, claim Claim, targets []ProcessState, reason string) error {
	for _, to := range targets {
		changed, err := claim.ChangeState(ctx, to, reason)
		if errors.Is(err, ErrStateNotConfigured) || errors.Is(err, ErrIllegalTransition) {
			continue
		}
		if err != nil {
			return r.rollbackWith(ctx, claim, fmt.Errorf("tablequeue: change state to %s failed: %w", to, err))
		}
		if !changed {
			r.cfg.Metrics.AddLostRaces(1)
			r.cfg.Logger.Warn("tablequeue message already moved by another worker", "key", claim.Message().Key, "to", to)
		}
		if err := claim.Commit(ctx); err != nil {
			return r.rollbackWith(ctx, claim, fmt.Errorf("tablequeue: commit failed: %w", err))
		}
		if to == StateDone {
			r.cfg.Metrics.AddDone(1)
		} else {
			r.cfg.Metrics.AddFailed(1)
		}

		return nil
	}

	r.cfg.Logger.Warn("tablequeue no target state configured; releasing claim", "key", claim.Message().Key, "targets", targets)
	r.cfg.Metrics.AddReleased(1)

	return r.release(ctx, claim)
}

func (r *Relay) release(ctx context.Context, claim Claim) error {
	if err := claim.Rollback(ctx); err != nil {
		return fmt.Errorf("tablequeue: rollback failed: %w", err)
	}

	return nil
}

func (r *Relay) rollbackWith(ctx context.Context, claim Claim, err error) error {
	rollbackErr := claim.Rollback(context.WithoutCancel(ctx))
	if rollbackErr == nil {
		return err
	}

	return errors.Join(err, fmt.Errorf("tablequeue: rollback failed: %w", rollbackErr))
}

func (r *Relay) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Relay) maybeRecordAvailable(ctx context.Context) {
	counter, ok := r.consumer.(AvailableCounter)
	if !ok {
		return
	}
	if r.cfg.AvailableInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := r.cfg.Clock.Now()
	r.availableMu.Lock()
	nextAllowed := r.availableAt.Add(r.cfg.AvailableInterval)
	if !r.availableAt.IsZero() && now.Before(nextAllowed) {
		r.availableMu.Unlock()

		return
	}
	r.availableAt = now
	r.availableMu.Unlock()

	count, err := counter.AvailableCount(ctx)
	if err != nil {
		r.cfg.Logger.Warn("tablequeue available count failed", "err", err)

		return
	}

	r.cfg.Metrics.SetAvailable(count)
}
