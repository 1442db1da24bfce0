package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dwelldigitally/learnlynk-campaigns/types"
)

// advance is the single entry point for moving one enrollment forward. It
// holds the enrollment's stripe lock for the whole advancement, so two
// concurrent ticks can never double-send for the same enrollment.
func (e *Engine) advance(ctx context.Context, id uuid.UUID, now time.Time) error {
	unlock := e.locks.lock(id)
	defer unlock()

	enr, err := e.storage.GetEnrollment(ctx, id)
	if err != nil {
		return err
	}
	if enr.Terminal() {
		return nil
	}
	// Re-check dueness under the lock: an overlapping tick can list an
	// enrollment that another worker already advanced into a timed wait.
	// Parked-on-event enrollments still run so an ingested event can unblock
	// them early; runBranch re-parks while the window is open.
	if !enr.Due(now) && enr.Status != types.StatusBlockedOnEvent {
		return nil
	}

	def, err := e.storage.GetDefinition(ctx, enr.CampaignID, enr.CampaignVersion)
	if err != nil {
		return e.failEnrollment(ctx, &enr, types.ReasonBadDefinition, err.Error(), now)
	}

	// Cancellation and pause take effect before any step runs. Campaign
	// status lives on the latest version; the bound version's row can be
	// stale after a republish.
	latest, err := e.storage.LatestDefinition(ctx, enr.CampaignID)
	if err != nil {
		return err
	}
	switch latest.Status {
	case types.CampaignArchived:
		return e.cancelEnrollment(ctx, &enr, now)
	case types.CampaignPaused:
		return nil
	}

	return e.runSteps(ctx, &enr, &def, now)
}

// runSteps executes steps until the enrollment suspends (wait, parked
// branch, task) or reaches a terminal status. Instantaneous steps chain
// within one call rather than costing a tick each.
func (e *Engine) runSteps(ctx context.Context, enr *types.Enrollment, def *types.CampaignDefinition, now time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(enr.BranchHistory) >= loopCapFactor*len(def.Steps) {
			return e.failEnrollment(ctx, enr, types.ReasonLoopDetected,
				fmt.Sprintf("%d branch decisions for %d steps", len(enr.BranchHistory), len(def.Steps)), now)
		}
		if enr.CurrentStepIndex >= len(def.Steps) {
			return e.completeEnrollment(ctx, enr, now)
		}

		step := def.Steps[enr.CurrentStepIndex]
		switch step.Kind {
		case types.StepSend:
			if err := e.setStatus(ctx, enr, types.StatusActive, nil, now); err != nil {
				return err
			}
			done, err := e.runSend(ctx, enr, &step, now)
			if err != nil || done {
				return err
			}

		case types.StepWait:
			if err := e.setStatus(ctx, enr, types.StatusActive, nil, now); err != nil {
				return err
			}
			due := now.Add(step.Duration.Std())
			enr.DueAt = &due
			// Log against the wait step itself, not the step it resumes on.
			if err := e.appendAction(ctx, enr, types.ActionWaitStarted, map[string]interface{}{"until": due}, now); err != nil {
				return err
			}
			enr.CurrentStepIndex++
			if err := e.setStatus(ctx, enr, types.StatusWaiting, nil, now); err != nil {
				return err
			}
			return e.storage.SaveEnrollment(ctx, *enr)

		case types.StepBranch:
			done, err := e.runBranch(ctx, enr, &step, now)
			if err != nil || done {
				return err
			}

		case types.StepTask:
			done, err := e.runTask(ctx, enr, &step, now)
			if err != nil || done {
				return err
			}

		default:
			// Unknown kinds are rejected at publish time; hitting one here
			// means the stored definition is corrupt.
			return e.failEnrollment(ctx, enr, types.ReasonBadDefinition,
				fmt.Sprintf("step %d has unknown kind %q", enr.CurrentStepIndex, step.Kind), now)
		}
	}
}

// runSend delivers one send step with bounded exponential-backoff retries.
// Returns done=true when the enrollment reached a terminal status.
func (e *Engine) runSend(ctx context.Context, enr *types.Enrollment, step *types.StepDefinition, now time.Time) (bool, error) {
	select {
	case e.sendSlots <- struct{}{}:
	case <-ctx.Done():
		return true, ctx.Err()
	}
	defer func() { <-e.sendSlots }()

	delay := e.retryBase
	var lastErr error
	for attempt := 1; attempt <= e.maxSendAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		err := e.sender.Send(ctx, step.Channel, enr.TargetID, step.ContentRef)
		if err == nil {
			detail := map[string]interface{}{
				"channel":     step.Channel,
				"content_ref": step.ContentRef,
				"attempt":     attempt,
			}
			if err := e.appendAction(ctx, enr, types.ActionStepExecuted, detail, now); err != nil {
				return true, err
			}
			enr.CurrentStepIndex++
			enr.LastTransitionAt = now
			if err := e.storage.SaveEnrollment(ctx, *enr); err != nil {
				return true, err
			}
			return false, nil
		}

		lastErr = err
		failDetail := map[string]interface{}{
			"channel": step.Channel,
			"attempt": attempt,
			"error":   err.Error(),
		}
		if err := e.appendAction(ctx, enr, types.ActionSendFailed, failDetail, now); err != nil {
			return true, err
		}
		if attempt < e.maxSendAttempts {
			e.retrySleep(delay)
			delay *= 2
		}
	}
	return true, e.failEnrollment(ctx, enr, types.ReasonChannelExhausted, lastErr.Error(), now)
}

// runBranch evaluates a branch condition against the target's engagement
// log as of now. A false result on a branch with a wait-for-event window
// parks the enrollment instead of committing to the false path; an
// ingested matching event or the elapsed window resumes it.
func (e *Engine) runBranch(ctx context.Context, enr *types.Enrollment, step *types.StepDefinition, now time.Time) (bool, error) {
	log, err := e.storage.ListEngagement(ctx, enr.TargetID)
	if err != nil {
		return true, err
	}
	result, err := e.evaluator.Evaluate(step.Condition, log, now)
	if err != nil {
		return true, e.failEnrollment(ctx, enr, types.ReasonBadDefinition, err.Error(), now)
	}

	if !result && step.WaitForEventSeconds > 0 {
		if enr.Status != types.StatusBlockedOnEvent {
			due := now.Add(time.Duration(step.WaitForEventSeconds) * time.Second)
			enr.DueAt = &due
			if err := e.setStatus(ctx, enr, types.StatusBlockedOnEvent, map[string]interface{}{"until": due}, now); err != nil {
				return true, err
			}
			return true, e.storage.SaveEnrollment(ctx, *enr)
		}
		if enr.DueAt != nil && now.Before(*enr.DueAt) {
			// Woken early but the condition still does not hold: stay parked.
			return true, nil
		}
		// Window elapsed; commit to the false path below.
	}

	target := step.OnFalse
	if result {
		target = step.OnTrue
	}
	enr.BranchHistory = append(enr.BranchHistory, types.BranchRecord{
		StepIndex: enr.CurrentStepIndex,
		Result:    result,
		At:        now,
	})
	detail := map[string]interface{}{"result": result, "next_step": target}
	if err := e.appendAction(ctx, enr, types.ActionBranchEvaluated, detail, now); err != nil {
		return true, err
	}
	enr.CurrentStepIndex = target
	enr.DueAt = nil
	enr.LastTransitionAt = now
	if err := e.setStatus(ctx, enr, types.StatusActive, nil, now); err != nil {
		return true, err
	}
	if err := e.storage.SaveEnrollment(ctx, *enr); err != nil {
		return true, err
	}
	return false, nil
}

// runTask parks the enrollment for a human action. A configured timeout
// either auto-resolves the task or fails the enrollment when it elapses.
func (e *Engine) runTask(ctx context.Context, enr *types.Enrollment, step *types.StepDefinition, now time.Time) (bool, error) {
	if enr.Status != types.StatusBlockedOnTask {
		if step.TimeoutSeconds > 0 {
			due := now.Add(time.Duration(step.TimeoutSeconds) * time.Second)
			enr.DueAt = &due
		} else {
			enr.DueAt = nil
		}
		detail := map[string]interface{}{
			"assignee_role": step.AssigneeRole,
			"description":   step.Description,
		}
		if err := e.appendAction(ctx, enr, types.ActionTaskCreated, detail, now); err != nil {
			return true, err
		}
		if err := e.setStatus(ctx, enr, types.StatusBlockedOnTask, nil, now); err != nil {
			return true, err
		}
		return true, e.storage.SaveEnrollment(ctx, *enr)
	}

	if enr.DueAt == nil || now.Before(*enr.DueAt) {
		// Not due; only ResolveTask can move it.
		return true, nil
	}

	if step.OnTimeout == "fail" {
		return true, e.failEnrollment(ctx, enr, types.ReasonTaskTimeout, step.AssigneeRole, now)
	}
	if err := e.appendAction(ctx, enr, types.ActionTaskResolved, map[string]interface{}{"auto": true}, now); err != nil {
		return true, err
	}
	enr.CurrentStepIndex++
	enr.DueAt = nil
	enr.LastTransitionAt = now
	if err := e.setStatus(ctx, enr, types.StatusActive, nil, now); err != nil {
		return true, err
	}
	if err := e.storage.SaveEnrollment(ctx, *enr); err != nil {
		return true, err
	}
	return false, nil
}
