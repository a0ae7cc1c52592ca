package tablequeue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClaim struct {
	msg        StoredMessage
	state      ProcessState
	configured map[ProcessState]bool
	notChanged bool

	changes   []ProcessState
	reasons   []string
	committed bool
	rolled    bool
	changeErr error
	commitErr error
	rollErr   error
}

func newFakeClaim(key string) *fakeClaim {
	return &fakeClaim{
		msg:   StoredMessage{MessageMeta: MessageMeta{Key: key}},
		state: StateAvailable,
		configured: map[ProcessState]bool{
			StateAvailable: true,
			StateDone:      true,
			StateError:     true,
			StateHold:      true,
		},
	}
}

func (c *fakeClaim) Message() StoredMessage { return c.msg }
func (c *fakeClaim) State() ProcessState    { return c.state }

func (c *fakeClaim) ChangeState(_ context.Context, to ProcessState, reason string) (bool, error) {
	if !c.configured[to] {
		return false, ErrStateNotConfigured
	}
	if c.changeErr != nil {
		return false, c.changeErr
	}
	c.changes = append(c.changes, to)
	c.reasons = append(c.reasons, reason)
	return !c.notChanged, nil
}

func (c *fakeClaim) Commit(context.Context) error {
	c.committed = true
	return c.commitErr
}

func (c *fakeClaim) Rollback(context.Context) error {
	c.rolled = true
	return c.rollErr
}

type staticConsumer struct {
	available bool
	claim     Claim
	err       error
	safe      bool
}

func (c staticConsumer) HasAvailable(context.Context) (bool, error) { return c.available, nil }
func (c staticConsumer) ConcurrencySafe() bool                      { return c.safe }
func (c staticConsumer) ClaimNext(context.Context) (Claim, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.claim, nil
}

type cancelConsumer struct {
	started  chan struct{}
	allowErr chan struct{}
	err      error
	canceled int32
}

func (c *cancelConsumer) ConcurrencySafe() bool { return true }
func (c *cancelConsumer) ClaimNext(context.Context) (Claim, error) {
	return nil, ErrNoMessage
}
func (c *cancelConsumer) HasAvailable(ctx context.Context) (bool, error) {
	c.started <- struct{}{}
	select {
	case <-c.allowErr:
		return false, c.err
	case <-ctx.Done():
		atomic.StoreInt32(&c.canceled, 1)
		return false, ctx.Err()
	}
}

type countingConsumer struct {
	count int
	calls int
}

func (c *countingConsumer) HasAvailable(context.Context) (bool, error) { return false, nil }
func (c *countingConsumer) ClaimNext(context.Context) (Claim, error)   { return nil, ErrNoMessage }
func (c *countingConsumer) ConcurrencySafe() bool                      { return true }
func (c *countingConsumer) AvailableCount(context.Context) (int, error) {
	c.calls++
	return c.count, nil
}

type captureMetrics struct {
	mu             sync.Mutex
	done           int
	failed         int
	released       int
	lost           int
	available      int
	availableCalls int
}

func (*captureMetrics) ObserveHandleDuration(time.Duration) {}
func (*captureMetrics) AddClaimed(int)                      {}
func (m *captureMetrics) AddDone(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += n
}
func (m *captureMetrics) AddFailed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed += n
}
func (m *captureMetrics) AddReleased(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released += n
}
func (m *captureMetrics) AddLostRaces(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost += n
}
func (m *captureMetrics) SetAvailable(count int) {
	m.available = count
	m.availableCalls++
}

type captureLogger struct {
	NopLogger
	mu    sync.Mutex
	warns []string
}

func (l *captureLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

type sequenceClock struct {
	times []time.Time
	idx   int
}

func (c *sequenceClock) Now() time.Time {
	if c.idx >= len(c.times) {
		return c.times[len(c.times)-1]
	}
	now := c.times[c.idx]
	c.idx++
	return now
}

func okHandler() Handler {
	return HandlerFunc(func(context.Context, StoredMessage) error { return nil })
}

func TestRelayProcessOnceMarksDone(t *testing.T) {
	claim := newFakeClaim("1")
	metrics := &captureMetrics{}
	relay := NewRelay(staticConsumer{available: true, claim: claim}, okHandler(), WithMetrics(metrics))

	ok, err := relay.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if !ok {
		t.Fatalf("expected message to be handled")
	}
	if len(claim.changes) != 1 || claim.changes[0] != StateDone {
		t.Fatalf("expected DONE transition, got %v", claim.changes)
	}
	if !claim.committed {
		t.Fatalf("expected commit")
	}
	if metrics.done != 1 {
		t.Fatalf("expected done metric, got %d", metrics.done)
	}
}

func TestRelayProcessOnceNotAvailableSkipsClaim(t *testing.T) {
	relay := NewRelay(staticConsumer{available: false, err: errors.New("must not claim")}, okHandler())

	ok, err := relay.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if ok {
		t.Fatalf("expected nothing handled")
	}
}

func TestRelayProcessOnceNoMessage(t *testing.T) {
	relay := NewRelay(staticConsumer{available: true, err: ErrNoMessage}, okHandler())

	ok, err := relay.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if ok {
		t.Fatalf("expected nothing handled")
	}
}

func TestRelayFailureMovesToError(t *testing.T) {
	claim := newFakeClaim("1")
	var calls int
	relay := NewRelay(staticConsumer{}, HandlerFunc(func(context.Context, StoredMessage) error {
		return errors.New("boom")
	}), WithErrorHandler(func(context.Context, StoredMessage, error) {
		calls++
	}))

	if err := relay.process(context.Background(), claim); err != nil {
		t.Fatalf("process: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected failure handler to be called once, got %d", calls)
	}
	if len(claim.changes) != 1 || claim.changes[0] != StateError {
		t.Fatalf("expected ERROR transition, got %v", claim.changes)
	}
	if claim.reasons[0] != "boom" {
		t.Fatalf("expected reason to carry the error, got %q", claim.reasons[0])
	}
	if !claim.committed {
		t.Fatalf("expected commit")
	}
}

func TestRelayFailureFallsBackToHold(t *testing.T) {
	claim := newFakeClaim("1")
	delete(claim.configured, StateError)
	relay := NewRelay(staticConsumer{}, HandlerFunc(func(context.Context, StoredMessage) error {
		return errors.New("boom")
	}))

	if err := relay.process(context.Background(), claim); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(claim.changes) != 1 || claim.changes[0] != StateHold {
		t.Fatalf("expected HOLD transition, got %v", claim.changes)
	}
}

func TestRelayFailureWithoutTargetsReleases(t *testing.T) {
	claim := newFakeClaim("1")
	claim.configured = map[ProcessState]bool{StateAvailable: true, StateDone: true}
	metrics := &captureMetrics{}
	relay := NewRelay(staticConsumer{}, HandlerFunc(func(context.Context, StoredMessage) error {
		return errors.New("boom")
	}), WithMetrics(metrics))

	if err := relay.process(context.Background(), claim); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !claim.rolled || claim.committed {
		t.Fatalf("expected rollback without commit")
	}
	if metrics.released != 1 {
		t.Fatalf("expected released metric, got %d", metrics.released)
	}
}

func TestRelayReleaseClassifier(t *testing.T) {
	claim := newFakeClaim("1")
	relay := NewRelay(staticConsumer{}, HandlerFunc(func(context.Context, StoredMessage) error {
		return errors.New("transient")
	}), WithFailureClassifier(func(context.Context, StoredMessage, error) FailureAction {
		return FailureRelease
	}))

	if err := relay.process(context.Background(), claim); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(claim.changes) != 0 {
		t.Fatalf("expected no transition, got %v", claim.changes)
	}
	if !claim.rolled {
		t.Fatalf("expected rollback")
	}
}

func TestRelayChangeStateErrorRollsBack(t *testing.T) {
	claim := newFakeClaim("1")
	claim.changeErr = errors.New("update failed")
	relay := NewRelay(staticConsumer{}, okHandler())

	err := relay.process(context.Background(), claim)
	if err == nil || !errors.Is(err, claim.changeErr) {
		t.Fatalf("expected change error, got %v", err)
	}
	if !claim.rolled {
		t.Fatalf("expected rollback on change error")
	}
	if claim.committed {
		t.Fatalf("expected no commit on change error")
	}
}

func TestRelayCommitErrorRollsBack(t *testing.T) {
	claim := newFakeClaim("1")
	claim.commitErr = errors.New("commit fail")
	relay := NewRelay(staticConsumer{}, okHandler())

	err := relay.process(context.Background(), claim)
	if err == nil || !errors.Is(err, claim.commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if !claim.rolled {
		t.Fatalf("expected rollback on commit error")
	}
}

func TestRelayLostRaceIsNotAnError(t *testing.T) {
	claim := newFakeClaim("1")
	claim.notChanged = true
	metrics := &captureMetrics{}
	relay := NewRelay(staticConsumer{}, okHandler(), WithMetrics(metrics))

	if err := relay.process(context.Background(), claim); err != nil {
		t.Fatalf("process: %v", err)
	}
	if metrics.lost != 1 {
		t.Fatalf("expected lost race metric, got %d", metrics.lost)
	}
	if !claim.committed {
		t.Fatalf("expected commit")
	}
}

func TestRelayContextCanceledRollsBack(t *testing.T) {
	claim := newFakeClaim("1")
	var calls int
	relay := NewRelay(staticConsumer{}, HandlerFunc(func(ctx context.Context, _ StoredMessage) error {
		return ctx.Err()
	}), WithErrorHandler(func(context.Context, StoredMessage, error) {
		calls++
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := relay.process(ctx, claim)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if !claim.rolled || claim.committed {
		t.Fatalf("expected rollback without commit")
	}
	if calls != 0 {
		t.Fatalf("expected failure handler not to be called, got %d", calls)
	}
}

func TestRelayHandlerTimeoutApplied(t *testing.T) {
	deadlineCh := make(chan time.Time, 1)
	relay := NewRelay(staticConsumer{}, HandlerFunc(func(ctx context.Context, _ StoredMessage) error {
		deadline, _ := ctx.Deadline()
		deadlineCh <- deadline
		return nil
	}), WithHandlerTimeout(10*time.Millisecond))

	if err := relay.process(context.Background(), newFakeClaim("1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if deadline := <-deadlineCh; deadline.IsZero() {
		t.Fatalf("expected handler deadline")
	}
}

func TestRelayRunContextCancel(t *testing.T) {
	relay := NewRelay(staticConsumer{}, okHandler(), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := relay.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRelayRunCancelsOtherWorkers(t *testing.T) {
	consumer := &cancelConsumer{
		started:  make(chan struct{}, 2),
		allowErr: make(chan struct{}, 1),
		err:      errors.New("boom"),
	}
	relay := NewRelay(consumer, okHandler(), WithWorkers(2))

	errCh := make(chan error, 1)
	go func() {
		errCh <- relay.Run(context.Background())
	}()

	<-consumer.started
	<-consumer.started
	consumer.allowErr <- struct{}{}

	err := <-errCh
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", err)
	}
	if atomic.LoadInt32(&consumer.canceled) != 1 {
		t.Fatalf("expected other worker to observe cancellation")
	}
}

func TestRelayWarnsWhenWorkersUnsafe(t *testing.T) {
	logger := &captureLogger{}
	relay := NewRelay(staticConsumer{safe: false}, okHandler(), WithWorkers(2), WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := relay.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(logger.warns) != 1 {
		t.Fatalf("expected one startup warning, got %v", logger.warns)
	}

	safeLogger := &captureLogger{}
	relay = NewRelay(staticConsumer{safe: true}, okHandler(), WithWorkers(2), WithLogger(safeLogger))
	if err := relay.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(safeLogger.warns) != 0 {
		t.Fatalf("expected no warning for safe consumer, got %v", safeLogger.warns)
	}
}

func TestRelayAvailableCountDisabledByDefault(t *testing.T) {
	consumer := &countingConsumer{count: 10}
	metrics := &captureMetrics{}
	relay := NewRelay(consumer, okHandler(), WithMetrics(metrics))

	relay.maybeRecordAvailable(context.Background())

	if consumer.calls != 0 {
		t.Fatalf("expected no count calls, got %d", consumer.calls)
	}
	if metrics.availableCalls != 0 {
		t.Fatalf("expected no metric updates, got %d", metrics.availableCalls)
	}
}

func TestRelayAvailableCountEnabled(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := &sequenceClock{times: []time.Time{now, now, now.Add(time.Second)}}
	consumer := &countingConsumer{count: 42}
	metrics := &captureMetrics{}
	relay := NewRelay(
		consumer,
		okHandler(),
		WithClock(clock),
		WithMetrics(metrics),
		WithAvailableInterval(time.Second),
	)

	relay.maybeRecordAvailable(context.Background())
	relay.maybeRecordAvailable(context.Background())
	relay.maybeRecordAvailable(context.Background())

	if consumer.calls != 2 {
		t.Fatalf("expected 2 count calls, got %d", consumer.calls)
	}
	if metrics.available != 42 {
		t.Fatalf("expected available count 42, got %d", metrics.available)
	}
}
