package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"

	"github.com/dwelldigitally/learnlynk-campaigns/conditions"
	"github.com/dwelldigitally/learnlynk-campaigns/events"
	"github.com/dwelldigitally/learnlynk-campaigns/storage"
	"github.com/dwelldigitally/learnlynk-campaigns/types"
)

// Standard error definitions
var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrCampaignNotActive = errors.New("campaign is not accepting enrollments")
	ErrCampaignArchived  = errors.New("campaign is archived")
	ErrNotBlockedOnTask  = errors.New("enrollment is not blocked on a task")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	ErrInvalidDefinition = errors.New("invalid campaign definition")
)

// loopCapFactor bounds branch decisions per enrollment at
// loopCapFactor * len(steps); exceeding it fails the enrollment with
// reason "loop-detected".
const loopCapFactor = 10

// Defaults applied by New when no option overrides them.
const (
	DefaultTickInterval    = 5 * time.Second
	DefaultTickLimit       = 500
	DefaultWorkers         = 4
	DefaultMaxSendAttempts = 5
	DefaultRetryBase       = time.Second
	DefaultSendConcurrency = 8
)

// Engine is the campaign scheduler/executor. It advances every due
// enrollment through its bound campaign definition: sends via the
// ChannelSender, waits via persisted due times, branches via the condition
// evaluator, and tasks via external resolution. Every transition is
// appended to the action log and mirrored onto the event bus.
type Engine struct {
	storage   storage.Storage
	sender    ChannelSender
	evaluator conditions.Evaluator
	bus       *events.EventBus
	clock     Clock
	generate  generator.Generator

	locks     *stripedLocks
	sendSlots chan struct{}

	tickInterval    time.Duration
	tickLimit       int
	workers         int
	maxSendAttempts int
	retryBase       time.Duration
	retrySleep      func(time.Duration)

	wakeCh chan uuid.UUID
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the time source, primarily for tests.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithEventBus attaches an externally owned event bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithTickInterval sets the fixed tick period of the run loop.
func WithTickInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.tickInterval = interval
		}
	}
}

// WithTickLimit caps how many due enrollments one tick picks up.
func WithTickLimit(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.tickLimit = limit
		}
	}
}

// WithWorkers sets the tick worker pool size.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithMaxSendAttempts sets the bounded retry cap for channel sends.
func WithMaxSendAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSendAttempts = n
		}
	}
}

// WithRetryBase sets the first backoff delay; it doubles per attempt.
func WithRetryBase(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retryBase = d
		}
	}
}

// WithSendConcurrency bounds how many channel sends run at once. The
// Channel Sender is a shared, externally rate-limited resource; excess
// sends queue on this semaphore instead of firing unbounded.
func WithSendConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sendSlots = make(chan struct{}, n)
		}
	}
}

// WithRetrySleep replaces the backoff sleep, for tests.
func WithRetrySleep(sleep func(time.Duration)) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.retrySleep = sleep
		}
	}
}

// New creates an Engine. Storage, sender, and the ID generator are
// required; the evaluator and event bus default to an ExprEvaluator and a
// fresh bus.
func New(store storage.Storage, sender ChannelSender, generate generator.Generator, options ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if sender == nil {
		return nil, errors.New("channel sender is required")
	}
	if generate == nil {
		return nil, errors.New("generator is required")
	}

	e := &Engine{
		storage:         store,
		sender:          sender,
		evaluator:       conditions.NewExprEvaluator(),
		clock:           systemClock{},
		generate:        generate,
		locks:           newStripedLocks(64),
		sendSlots:       make(chan struct{}, DefaultSendConcurrency),
		tickInterval:    DefaultTickInterval,
		tickLimit:       DefaultTickLimit,
		workers:         DefaultWorkers,
		maxSendAttempts: DefaultMaxSendAttempts,
		retryBase:       DefaultRetryBase,
		retrySleep:      time.Sleep,
		wakeCh:          make(chan uuid.UUID, 256),
	}
	for _, option := range options {
		option(e)
	}
	if e.bus == nil {
		e.bus = events.NewEventBus()
	}
	return e, nil
}

// Bus exposes the engine's event bus so read-side consumers (analytics,
// logging) can subscribe.
func (e *Engine) Bus() *events.EventBus {
	return e.bus
}

// SetEvaluator sets a custom evaluator for branch conditions.
func (e *Engine) SetEvaluator(evaluator conditions.Evaluator) {
	if evaluator != nil {
		e.evaluator = evaluator
	}
}

// Run starts the scheduling loop: a fixed-interval tick plus event-driven
// wake-ups. It returns immediately; call Stop to shut down.
func (e *Engine) Run(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Tick(ctx, e.clock.Now())
			case id := <-e.wakeCh:
				if err := e.advance(ctx, id, e.clock.Now()); err != nil {
					e.publishError(ctx, id, err)
				}
			}
		}
	}()
}

// Stop halts the scheduling loop and the event bus.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.bus.Stop()
}

// Tick advances every enrollment that is due at now. Due enrollments are
// fanned out to the worker pool; a failure in one enrollment is reported on
// the bus and never blocks the rest.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	due, err := e.storage.ListDue(ctx, now, e.tickLimit)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	jobs := make(chan uuid.UUID)
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if ctx.Err() != nil {
					continue
				}
				if err := e.advance(ctx, id, now); err != nil {
					e.publishError(ctx, id, err)
				}
			}
		}()
	}
	for i := range due {
		jobs <- due[i].ID
	}
	close(jobs)
	wg.Wait()
	return ctx.Err()
}

// WakeEnrollment runs an immediate out-of-cycle advance for one
// enrollment, bypassing the tick interval. Event Ingest calls it when an
// engagement event could unblock a parked branch.
func (e *Engine) WakeEnrollment(ctx context.Context, id uuid.UUID) error {
	return e.advance(ctx, id, e.clock.Now())
}

// poke queues an async wake-up without blocking the caller.
func (e *Engine) poke(id uuid.UUID) {
	select {
	case e.wakeCh <- id:
	default:
	}
}

// publishEvent enqueues an event on the bus in call order, so subscribers
// observe action entries in the same order they were appended. Publish is
// non-blocking; a full or closed bus goes to its error handler, and a topic
// with no subscribers is not an error.
func (e *Engine) publishEvent(ctx context.Context, event events.Event) {
	if err := e.bus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.bus.ReportError(event, err)
	}
}

func (e *Engine) publishError(ctx context.Context, enrollmentID uuid.UUID, err error) {
	e.publishEvent(ctx, events.Event{
		Type:         events.TopicError,
		EnrollmentID: enrollmentID,
		Data:         map[string]interface{}{"error": err.Error()},
	})
}

// appendAction assigns a sequence number, persists the entry, and mirrors
// it onto the bus for live analytics.
func (e *Engine) appendAction(ctx context.Context, enr *types.Enrollment, action string, detail map[string]interface{}, at time.Time) error {
	seq, err := e.generate.NextID()
	if err != nil {
		return err
	}
	entry := types.ActionLogEntry{
		Seq:             seq,
		CampaignID:      enr.CampaignID,
		CampaignVersion: enr.CampaignVersion,
		EnrollmentID:    enr.ID,
		TargetID:        enr.TargetID,
		Action:          action,
		StepIndex:       enr.CurrentStepIndex,
		Detail:          detail,
		At:              at,
	}
	if err := e.storage.AppendAction(ctx, entry); err != nil {
		return err
	}
	e.publishEvent(ctx, events.Event{
		Type:         events.TopicAction,
		CampaignID:   enr.CampaignID,
		EnrollmentID: enr.ID,
		Entry:        &entry,
	})
	return nil
}

// setStatus transitions an enrollment's status, logging the change. It does
// not persist; callers save once their step handling is complete.
func (e *Engine) setStatus(ctx context.Context, enr *types.Enrollment, status string, detail map[string]interface{}, now time.Time) error {
	if enr.Status == status {
		return nil
	}
	merged := map[string]interface{}{"from": enr.Status, "to": status}
	for k, v := range detail {
		merged[k] = v
	}
	enr.Status = status
	enr.LastTransitionAt = now
	if err := e.appendAction(ctx, enr, types.ActionStatusChanged, merged, now); err != nil {
		return err
	}
	e.publishEvent(ctx, events.Event{
		Type:         events.TopicStateChanged,
		CampaignID:   enr.CampaignID,
		EnrollmentID: enr.ID,
		Data:         merged,
	})
	return nil
}

func (e *Engine) completeEnrollment(ctx context.Context, enr *types.Enrollment, now time.Time) error {
	enr.DueAt = nil
	if err := e.setStatus(ctx, enr, types.StatusCompleted, nil, now); err != nil {
		return err
	}
	return e.storage.SaveEnrollment(ctx, *enr)
}

func (e *Engine) cancelEnrollment(ctx context.Context, enr *types.Enrollment, now time.Time) error {
	enr.DueAt = nil
	if err := e.setStatus(ctx, enr, types.StatusCancelled, nil, now); err != nil {
		return err
	}
	return e.storage.SaveEnrollment(ctx, *enr)
}

// failEnrollment moves an enrollment to the failed terminal status with a
// recorded reason. Failures are isolated to the enrollment; the tick loop
// keeps going for everyone else.
func (e *Engine) failEnrollment(ctx context.Context, enr *types.Enrollment, reason, detail string, now time.Time) error {
	enr.DueAt = nil
	enr.FailureReason = reason
	info := map[string]interface{}{"reason": reason}
	if detail != "" {
		info["detail"] = detail
	}
	if err := e.setStatus(ctx, enr, types.StatusFailed, info, now); err != nil {
		return err
	}
	if err := e.storage.SaveEnrollment(ctx, *enr); err != nil {
		return err
	}
	e.publishEvent(ctx, events.Event{
		Type:         events.TopicError,
		CampaignID:   enr.CampaignID,
		EnrollmentID: enr.ID,
		Data:         info,
	})
	return nil
}
