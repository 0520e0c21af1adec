// Package coordinator decides when sealed batches are sent, applies backoff
// on failure and owns the background task queue that drives syncing.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vincentbai/heroes-agent/internal/backoff"
	"github.com/vincentbai/heroes-agent/internal/database"
	"github.com/vincentbai/heroes-agent/internal/models"
)

// persistTimeout bounds state writes made after the send context is gone.
const persistTimeout = 5 * time.Second

var (
	ErrSendInFlight = errors.New("send already in flight for batch")
	ErrNotSendable  = errors.New("batch is not sendable")
	ErrSuspended    = errors.New("sync suspended")
)

// State is the coordinator's position in idle → checking → sending|backoff → idle.
type State int32

const (
	StateIdle State = iota
	StateChecking
	StateSending
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateSending:
		return "sending"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Store is the batch state the coordinator reads and transitions.
type Store interface {
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	BatchPayload(ctx context.Context, batchID string) ([]byte, error)
	DueBatches(ctx context.Context, now time.Time) ([]models.Batch, error)
	MarkSending(ctx context.Context, batchID string) error
	MarkSent(ctx context.Context, batchID string, sentAt time.Time) error
	ReleaseBatch(ctx context.Context, batchID string) error
	RecordFailure(ctx context.Context, batchID string, f database.Failure) error
}

// Former seals whatever pending events are ready.
type Former interface {
	FormAll(ctx context.Context) ([]models.Batch, error)
}

// Sender delivers a sealed payload.
type Sender interface {
	Send(ctx context.Context, batchID string, payload []byte) error
}

// Conditions reports the current device state.
type Conditions interface {
	Current() models.DeviceState
}

// Policy configures when and how often the coordinator sends.
type Policy struct {
	AllowMetered      bool
	AllowLowBattery   bool
	LowBatteryPercent int
	MaxAttempts       int           // failed attempts before a batch is marked failed
	Interval          time.Duration // timer trigger
}

func DefaultPolicy() Policy {
	return Policy{LowBatteryPercent: 15, MaxAttempts: 5, Interval: 5 * time.Minute}
}

// Result summarises one sync pass.
type Result struct {
	Skipped  string `json:"skipped,omitempty"`
	Formed   int    `json:"formed"`
	Sent     int    `json:"sent"`
	Deferred int    `json:"deferred"`
	Failed   int    `json:"failed"`
	Aborted  int    `json:"aborted"`
}

// Coordinator sends sealed batches when device conditions allow.
type Coordinator struct {
	store      Store
	former     Former
	sender     Sender
	conditions Conditions
	policy     Policy
	backoff    *backoff.Backoff
	now        func() time.Time
	logger     *slog.Logger

	state atomic.Int32

	passMu   sync.Mutex // one full pass at a time
	mu       sync.Mutex
	inflight map[string]struct{}

	wake  chan struct{}
	tasks chan string
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithQueueSize sets how many single-batch tasks may wait for the run loop.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.tasks = make(chan string, n)
		}
	}
}

func New(store Store, former Former, sender Sender, conditions Conditions, policy Policy, bo *backoff.Backoff, opts ...Option) *Coordinator {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.Interval <= 0 {
		policy.Interval = DefaultPolicy().Interval
	}
	c := &Coordinator{
		store:      store,
		former:     former,
		sender:     sender,
		conditions: conditions,
		policy:     policy,
		backoff:    bo,
		now:        time.Now,
		logger:     slog.Default(),
		inflight:   make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		tasks:      make(chan string, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "coordinator")
	return c
}

// State returns the current state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.logger.Debug("state change", "from", prev.String(), "to", s.String())
	}
}

// Notify requests a full sync pass, e.g. after a connectivity change.
// Requests made while one is already queued are coalesced.
func (c *Coordinator) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Enqueue requests a send of one batch. It reports false when the queue is full.
func (c *Coordinator) Enqueue(batchID string) bool {
	select {
	case c.tasks <- batchID:
		return true
	default:
		return false
	}
}

// Run drives the task queue until ctx is cancelled. An in-flight send is
// aborted on cancellation and its batch stays sealed.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.policy.Interval)
	defer ticker.Stop()

	c.logger.Info("sync coordinator started", "interval", c.policy.Interval.String())
	c.Notify()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sync coordinator stopped")
			return nil
		case <-ticker.C:
			c.runPass(ctx, "timer")
		case <-c.wake:
			c.runPass(ctx, "notify")
		case batchID := <-c.tasks:
			if err := c.SyncBatch(ctx, batchID); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Info("queued batch not sent", "batch_id", batchID, "error", err)
			}
		}
	}
}

func (c *Coordinator) runPass(ctx context.Context, trigger string) {
	result, err := c.SyncNow(ctx)
	if err != nil && ctx.Err() == nil {
		c.logger.Error("sync pass failed", "trigger", trigger, "error", err)
		return
	}
	if result.Skipped != "" {
		c.logger.Debug("sync pass skipped", "trigger", trigger, "reason", result.Skipped)
		return
	}
	c.logger.Debug("sync pass done", "trigger", trigger,
		"formed", result.Formed, "sent", result.Sent, "deferred", result.Deferred,
		"failed", result.Failed, "aborted", result.Aborted)
}

// Allowed reports whether current device conditions permit a send, and why not.
func (c *Coordinator) Allowed() (bool, string) {
	state := c.conditions.Current()
	switch {
	case !state.Online:
		return false, "offline"
	case state.Metered && !c.policy.AllowMetered:
		return false, "metered connection"
	case !state.Charging && state.BatteryPercent < c.policy.LowBatteryPercent && !c.policy.AllowLowBattery:
		return false, "low battery"
	}
	return true, ""
}

// SyncNow seals ready events and sends every due batch, oldest first.
func (c *Coordinator) SyncNow(ctx context.Context) (Result, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	var result Result
	c.setState(StateChecking)
	defer c.setState(StateIdle)

	if ok, reason := c.Allowed(); !ok {
		result.Skipped = reason
		return result, nil
	}

	formed, formErr := c.former.FormAll(ctx)
	result.Formed = len(formed)
	if formErr != nil {
		formErr = fmt.Errorf("form batches: %w", formErr)
	}

	due, err := c.store.DueBatches(ctx, c.now())
	if err != nil {
		return result, errors.Join(formErr, err)
	}

	for _, b := range due {
		if ctx.Err() != nil {
			break
		}
		err := c.send(ctx, b.ID)
		switch {
		case err == nil:
			result.Sent++
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			result.Aborted++
		case errors.Is(err, ErrSendInFlight), errors.Is(err, ErrNotSendable):
		case errors.Is(err, errDeferred):
			result.Deferred++
		case errors.Is(err, models.ErrServerRejection), errors.Is(err, errGaveUp):
			result.Failed++
		default:
			return result, errors.Join(formErr, err)
		}
	}
	return result, formErr
}

// SyncBatch sends one batch now, ignoring its backoff timer. A sent batch is
// a no-op. Failed and open batches are not sendable.
func (c *Coordinator) SyncBatch(ctx context.Context, batchID string) error {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status == models.BatchSent {
		return nil
	}
	if ok, reason := c.Allowed(); !ok {
		return fmt.Errorf("%w: %s", ErrSuspended, reason)
	}
	c.setState(StateChecking)
	defer c.setState(StateIdle)

	err = c.send(ctx, batchID)
	if errors.Is(err, errDeferred) || errors.Is(err, errGaveUp) {
		var cause *sendError
		if errors.As(err, &cause) {
			return cause.err
		}
	}
	return err
}

var (
	errDeferred = errors.New("send deferred")
	errGaveUp   = errors.New("attempts exhausted")
)

// sendError tags a delivery failure with what happened to the batch.
type sendError struct {
	outcome error
	err     error
}

func (e *sendError) Error() string { return fmt.Sprintf("%v: %v", e.outcome, e.err) }
func (e *sendError) Unwrap() []error {
	return []error{e.outcome, e.err}
}

func (c *Coordinator) claim(batchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[batchID]; busy {
		return false
	}
	c.inflight[batchID] = struct{}{}
	return true
}

func (c *Coordinator) release(batchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, batchID)
}

func (c *Coordinator) send(ctx context.Context, batchID string) error {
	if !c.claim(batchID) {
		return ErrSendInFlight
	}
	defer c.release(batchID)

	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	switch batch.Status {
	case models.BatchSent:
		return nil
	case models.BatchSealed:
	case models.BatchSending:
		return ErrSendInFlight
	default:
		return fmt.Errorf("%w: batch %s is %s", ErrNotSendable, batchID, batch.Status)
	}

	payload, err := c.store.BatchPayload(ctx, batchID)
	if err != nil {
		return err
	}
	if err := c.store.MarkSending(ctx, batchID); err != nil {
		if errors.Is(err, models.ErrStateTransition) {
			return ErrSendInFlight
		}
		return err
	}
	c.setState(StateSending)

	sendErr := c.sender.Send(ctx, batchID, payload)

	// ctx may be cancelled by now; batch state must still be written.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	switch {
	case sendErr == nil:
		if err := c.store.MarkSent(persistCtx, batchID, c.now()); err != nil {
			return err
		}
		c.logger.Info("batch sent", "batch_id", batchID, "events", len(batch.EventIDs))
		return nil

	case ctx.Err() != nil:
		if err := c.store.ReleaseBatch(persistCtx, batchID); err != nil {
			return errors.Join(ctx.Err(), err)
		}
		c.logger.Info("send aborted, batch stays sealed", "batch_id", batchID)
		return ctx.Err()

	case errors.Is(sendErr, models.ErrServerRejection):
		err := c.store.RecordFailure(persistCtx, batchID, database.Failure{
			AttemptCount: batch.AttemptCount + 1,
			Failed:       true,
			Reason:       sendErr.Error(),
		})
		if err != nil {
			return errors.Join(sendErr, err)
		}
		c.logger.Error("batch rejected by server, marked failed", "batch_id", batchID, "error", sendErr)
		return sendErr
	}

	attempts := batch.AttemptCount + 1
	if attempts >= c.policy.MaxAttempts {
		err := c.store.RecordFailure(persistCtx, batchID, database.Failure{
			AttemptCount: attempts,
			Failed:       true,
			Reason:       sendErr.Error(),
		})
		if err != nil {
			return errors.Join(sendErr, err)
		}
		c.logger.Error("batch failed after max attempts", "batch_id", batchID, "attempts", attempts, "error", sendErr)
		return &sendError{outcome: errGaveUp, err: sendErr}
	}

	c.setState(StateBackoff)
	delay := c.backoff.Delay(attempts)
	next := c.now().Add(delay)
	err = c.store.RecordFailure(persistCtx, batchID, database.Failure{
		AttemptCount:  attempts,
		NextAttemptAt: &next,
		Reason:        sendErr.Error(),
	})
	if err != nil {
		return errors.Join(sendErr, err)
	}
	c.logger.Info("send failed, backing off",
		"batch_id", batchID,
		"attempt", attempts,
		"delay", delay.String(),
		"error", sendErr,
	)
	return &sendError{outcome: errDeferred, err: sendErr}
}
