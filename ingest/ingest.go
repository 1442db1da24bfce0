// Package ingest correlates external engagement signals (opens, clicks,
// replies, call outcomes) to in-flight enrollments and wakes the ones an
// event could unblock.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"

	"github.com/dwelldigitally/learnlynk-campaigns/events"
	"github.com/dwelldigitally/learnlynk-campaigns/storage"
	"github.com/dwelldigitally/learnlynk-campaigns/types"
)

// Waker triggers an immediate out-of-cycle advance for one enrollment.
// Implemented by the engine.
type Waker interface {
	WakeEnrollment(ctx context.Context, id uuid.UUID) error
}

// Ingest receives engagement events from channel webhooks. Delivery is
// at-least-once upstream, so every event is deduplicated before it becomes
// visible to branch evaluation.
type Ingest struct {
	storage  storage.Storage
	bus      *events.EventBus
	waker    Waker
	generate generator.Generator
}

// New creates an Ingest. The bus and waker are optional; without a waker,
// parked enrollments resume on the next engine tick.
func New(store storage.Storage, generate generator.Generator, bus *events.EventBus, waker Waker) *Ingest {
	return &Ingest{storage: store, bus: bus, waker: waker, generate: generate}
}

// RecordEvent appends one engagement event to the target's log, records it
// against every open enrollment for that target, and wakes enrollments
// parked on a branch that references the event type. Redelivery with the
// same idempotency key is a no-op; events for unknown targets are kept in
// the engagement log and otherwise discarded.
func (in *Ingest) RecordEvent(ctx context.Context, targetID, eventType string, occurredAt time.Time, metadata map[string]interface{}, idempotencyKey string) error {
	key := idempotencyKey
	if key == "" {
		key = types.DeriveDedupeKey(targetID, eventType, occurredAt)
	}
	ev := types.EngagementEvent{
		ID:         uuid.New(),
		TargetID:   targetID,
		EventType:  eventType,
		OccurredAt: occurredAt,
		Metadata:   metadata,
		DedupeKey:  key,
	}

	inserted, err := in.storage.AppendEngagement(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	in.publish(ctx, events.Event{
		Type: events.TopicEngagement,
		Data: map[string]interface{}{"target_id": targetID, "event_type": eventType},
	})

	enrollments, err := in.storage.ListOpenByTarget(ctx, targetID)
	if err != nil {
		return err
	}
	for i := range enrollments {
		enr := &enrollments[i]
		if err := in.logEventReceived(ctx, enr, eventType, occurredAt); err != nil {
			return err
		}
		if in.waker == nil {
			continue
		}
		unblocks, err := in.couldUnblock(ctx, enr, eventType)
		if err != nil {
			return err
		}
		if unblocks {
			if err := in.waker.WakeEnrollment(ctx, enr.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// couldUnblock reports whether the enrollment currently sits at a branch
// step whose condition references the incoming event type.
func (in *Ingest) couldUnblock(ctx context.Context, enr *types.Enrollment, eventType string) (bool, error) {
	switch enr.Status {
	case types.StatusActive, types.StatusPending, types.StatusBlockedOnEvent:
	default:
		return false, nil
	}
	def, err := in.storage.GetDefinition(ctx, enr.CampaignID, enr.CampaignVersion)
	if err != nil {
		return false, err
	}
	if enr.CurrentStepIndex >= len(def.Steps) {
		return false, nil
	}
	step := def.Steps[enr.CurrentStepIndex]
	return step.Kind == types.StepBranch && step.Condition.References(eventType), nil
}

func (in *Ingest) logEventReceived(ctx context.Context, enr *types.Enrollment, eventType string, occurredAt time.Time) error {
	seq, err := in.generate.NextID()
	if err != nil {
		return err
	}
	entry := types.ActionLogEntry{
		Seq:             seq,
		CampaignID:      enr.CampaignID,
		CampaignVersion: enr.CampaignVersion,
		EnrollmentID:    enr.ID,
		TargetID:        enr.TargetID,
		Action:          types.ActionEventReceived,
		StepIndex:       enr.CurrentStepIndex,
		Detail:          map[string]interface{}{"event_type": eventType, "occurred_at": occurredAt},
		At:              occurredAt,
	}
	if err := in.storage.AppendAction(ctx, entry); err != nil {
		return err
	}
	in.publish(ctx, events.Event{
		Type:         events.TopicAction,
		CampaignID:   enr.CampaignID,
		EnrollmentID: enr.ID,
		Entry:        &entry,
	})
	return nil
}

// publish enqueues on the bus in call order so the aggregator sees entries
// in append order. A missing bus or a topic without subscribers is fine;
// anything else goes to the bus's error handler.
func (in *Ingest) publish(ctx context.Context, event events.Event) {
	if in.bus == nil {
		return
	}
	if err := in.bus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrNoHandler) {
		in.bus.ReportError(event, err)
	}
}
