package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dwelldigitally/learnlynk-campaigns/storage"
	"github.com/dwelldigitally/learnlynk-campaigns/types"
)

// PublishCampaign validates the step graph and persists the definition as a
// new immutable version. Publishing an existing campaign ID allocates the
// next version; enrollments already in flight keep their old version.
func (e *Engine) PublishCampaign(ctx context.Context, def types.CampaignDefinition) (uuid.UUID, int, error) {
	if err := def.Validate(); err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	if def.ID == uuid.Nil {
		def.ID = uuid.New()
		def.Version = 1
	} else {
		latest, err := e.storage.LatestDefinition(ctx, def.ID)
		switch {
		case errors.Is(err, storage.ErrDefinitionNotFound):
			def.Version = 1
		case err != nil:
			return uuid.Nil, 0, err
		case latest.Status == types.CampaignArchived:
			return uuid.Nil, 0, ErrCampaignArchived
		default:
			def.Version = latest.Version + 1
		}
	}
	if def.Status == "" {
		def.Status = types.CampaignActive
	}
	def.CreatedAt = e.clock.Now()

	if err := e.storage.SaveDefinition(ctx, def); err != nil {
		return uuid.Nil, 0, err
	}
	return def.ID, def.Version, nil
}

// Enroll binds a target to the campaign's latest active version. A target
// with a non-terminal enrollment for the same campaign is rejected, not
// silently duplicated.
func (e *Engine) Enroll(ctx context.Context, campaignID uuid.UUID, targetID string) (uuid.UUID, error) {
	def, err := e.storage.LatestDefinition(ctx, campaignID)
	if errors.Is(err, storage.ErrDefinitionNotFound) {
		return uuid.Nil, ErrCampaignNotFound
	} else if err != nil {
		return uuid.Nil, err
	}
	if def.Status != types.CampaignActive {
		return uuid.Nil, fmt.Errorf("%w: status=%s", ErrCampaignNotActive, def.Status)
	}

	now := e.clock.Now()
	enr := types.Enrollment{
		ID:               uuid.New(),
		CampaignID:       def.ID,
		CampaignVersion:  def.Version,
		TargetID:         targetID,
		Status:           types.StatusPending,
		EnteredAt:        now,
		LastTransitionAt: now,
	}
	if err := e.storage.CreateEnrollment(ctx, enr); err != nil {
		return uuid.Nil, err
	}
	if err := e.appendAction(ctx, &enr, types.ActionEnrolled, map[string]interface{}{"campaign_version": def.Version}, now); err != nil {
		return uuid.Nil, err
	}
	e.poke(enr.ID)
	return enr.ID, nil
}

// FireTrigger enrolls a target into every active campaign whose entry
// triggers match the event. A trigger with InactiveDays additionally
// requires the target to have had no engagement in that trailing window.
// Targets already enrolled are skipped.
func (e *Engine) FireTrigger(ctx context.Context, event, targetID string) error {
	defs, err := e.storage.ListLatestDefinitions(ctx)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	for _, def := range defs {
		if def.Status != types.CampaignActive {
			continue
		}
		matched := false
		for _, trigger := range def.Triggers {
			if trigger.Event != event {
				continue
			}
			inactive, err := e.targetInactive(ctx, targetID, trigger.InactiveDays, now)
			if err != nil {
				return err
			}
			if inactive {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if _, err := e.Enroll(ctx, def.ID, targetID); err != nil && !errors.Is(err, storage.ErrDuplicateEnrollment) {
			return err
		}
	}
	return nil
}

// targetInactive reports whether the target's engagement log is empty over
// the trailing days window. A zero window always passes.
func (e *Engine) targetInactive(ctx context.Context, targetID string, days int, now time.Time) (bool, error) {
	if days <= 0 {
		return true, nil
	}
	log, err := e.storage.ListEngagement(ctx, targetID)
	if err != nil {
		return false, err
	}
	cutoff := now.AddDate(0, 0, -days)
	for i := range log {
		if log[i].OccurredAt.After(cutoff) {
			return false, nil
		}
	}
	return true, nil
}

// PauseCampaign stops enrollments of an active campaign from advancing
// without cancelling them.
func (e *Engine) PauseCampaign(ctx context.Context, campaignID uuid.UUID) error {
	return e.setCampaignStatus(ctx, campaignID, types.CampaignActive, types.CampaignPaused)
}

// ResumeCampaign resumes a paused campaign.
func (e *Engine) ResumeCampaign(ctx context.Context, campaignID uuid.UUID) error {
	return e.setCampaignStatus(ctx, campaignID, types.CampaignPaused, types.CampaignActive)
}

func (e *Engine) setCampaignStatus(ctx context.Context, campaignID uuid.UUID, from, to string) error {
	def, err := e.storage.LatestDefinition(ctx, campaignID)
	if errors.Is(err, storage.ErrDefinitionNotFound) {
		return ErrCampaignNotFound
	} else if err != nil {
		return err
	}
	if def.Status != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, def.Status, to)
	}
	def.Status = to
	return e.storage.SaveDefinition(ctx, def)
}

// ArchiveCampaign terminally archives a campaign and force-cancels its open
// enrollments. Cancellation is synchronous so no tick can pick up one of
// the campaign's send steps afterwards.
func (e *Engine) ArchiveCampaign(ctx context.Context, campaignID uuid.UUID) error {
	def, err := e.storage.LatestDefinition(ctx, campaignID)
	if errors.Is(err, storage.ErrDefinitionNotFound) {
		return ErrCampaignNotFound
	} else if err != nil {
		return err
	}
	if def.Status == types.CampaignArchived {
		return nil
	}
	def.Status = types.CampaignArchived
	if err := e.storage.SaveDefinition(ctx, def); err != nil {
		return err
	}

	enrollments, err := e.storage.ListByCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	for i := range enrollments {
		enr := enrollments[i]
		if enr.Terminal() {
			continue
		}
		unlock := e.locks.lock(enr.ID)
		// Re-read under the lock; a concurrent advance may have moved it.
		current, err := e.storage.GetEnrollment(ctx, enr.ID)
		if err == nil && !current.Terminal() {
			err = e.cancelEnrollment(ctx, &current, now)
		}
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// ResolveTask completes the human task an enrollment is blocked on and
// resumes execution immediately.
func (e *Engine) ResolveTask(ctx context.Context, enrollmentID uuid.UUID) error {
	unlock := e.locks.lock(enrollmentID)
	defer unlock()

	enr, err := e.storage.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enr.Status != types.StatusBlockedOnTask {
		return fmt.Errorf("%w: status=%s", ErrNotBlockedOnTask, enr.Status)
	}
	def, err := e.storage.GetDefinition(ctx, enr.CampaignID, enr.CampaignVersion)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	if err := e.appendAction(ctx, &enr, types.ActionTaskResolved, map[string]interface{}{"auto": false}, now); err != nil {
		return err
	}
	enr.CurrentStepIndex++
	enr.DueAt = nil
	enr.LastTransitionAt = now
	if err := e.setStatus(ctx, &enr, types.StatusActive, nil, now); err != nil {
		return err
	}
	if err := e.storage.SaveEnrollment(ctx, enr); err != nil {
		return err
	}
	return e.runSteps(ctx, &enr, &def, now)
}

// GetEnrollment returns the execution state for a (campaign, target) pair.
func (e *Engine) GetEnrollment(ctx context.Context, campaignID uuid.UUID, targetID string) (types.Enrollment, error) {
	return e.storage.FindEnrollment(ctx, campaignID, targetID)
}

// GetCampaign returns the latest definition version for a campaign.
func (e *Engine) GetCampaign(ctx context.Context, campaignID uuid.UUID) (types.CampaignDefinition, error) {
	def, err := e.storage.LatestDefinition(ctx, campaignID)
	if errors.Is(err, storage.ErrDefinitionNotFound) {
		return types.CampaignDefinition{}, ErrCampaignNotFound
	}
	return def, err
}
