package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enrollment status constants.
const (
	StatusPending        = "pending"
	StatusActive         = "active"
	StatusWaiting        = "waiting"
	StatusBlockedOnEvent = "blocked-on-event"
	StatusBlockedOnTask  = "blocked-on-task"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusCancelled      = "cancelled"
)

// Failure reasons recorded on enrollments that end in StatusFailed.
const (
	ReasonChannelExhausted = "channel-exhausted"
	ReasonLoopDetected     = "loop-detected"
	ReasonBadDefinition    = "bad-definition"
	ReasonTaskTimeout      = "task-timeout"
)

// IsTerminalStatus reports whether an enrollment status can never be left.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Enrollment binds one target to one campaign run. It is the unit of
// execution state: the scheduler advances it step by step until it reaches a
// terminal status.
type Enrollment struct {
	ID               uuid.UUID      `json:"id"`
	CampaignID       uuid.UUID      `json:"campaign_id"`
	CampaignVersion  int            `json:"campaign_version"`
	TargetID         string         `json:"target_id"`
	Status           string         `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	DueAt            *time.Time     `json:"due_at,omitempty"`
	EnteredAt        time.Time      `json:"entered_at"`
	LastTransitionAt time.Time      `json:"last_transition_at"`
	BranchHistory    []BranchRecord `json:"branch_history,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
}

// Terminal reports whether the enrollment has reached a final status.
func (e *Enrollment) Terminal() bool {
	return IsTerminalStatus(e.Status)
}

// Due reports whether the enrollment is eligible for advancement at now.
func (e *Enrollment) Due(now time.Time) bool {
	switch e.Status {
	case StatusPending, StatusActive:
		return true
	case StatusWaiting, StatusBlockedOnEvent, StatusBlockedOnTask:
		return e.DueAt != nil && !e.DueAt.After(now)
	}
	return false
}

// BranchRecord is one resolved branch decision, kept for auditability and
// loop detection.
type BranchRecord struct {
	StepIndex int       `json:"step_index"`
	Result    bool      `json:"result"`
	At        time.Time `json:"at"`
}

// Action type constants for the append-only action log.
const (
	ActionEnrolled        = "enrolled"
	ActionStepExecuted    = "step_executed"
	ActionSendFailed      = "send_failed"
	ActionWaitStarted     = "wait_started"
	ActionBranchEvaluated = "branch_evaluated"
	ActionEventReceived   = "event_received"
	ActionTaskCreated     = "task_created"
	ActionTaskResolved    = "task_resolved"
	ActionStatusChanged   = "status_changed"
)

// ActionLogEntry records one meaningful transition. The log is append-only:
// entries are never mutated or deleted, and analytics rollups are pure
// projections over it.
type ActionLogEntry struct {
	Seq             uint64                 `json:"seq"`
	CampaignID      uuid.UUID              `json:"campaign_id"`
	CampaignVersion int                    `json:"campaign_version"`
	EnrollmentID    uuid.UUID              `json:"enrollment_id"`
	TargetID        string                 `json:"target_id"`
	Action          string                 `json:"action"`
	StepIndex       int                    `json:"step_index"`
	Detail          map[string]interface{} `json:"detail,omitempty"`
	At              time.Time              `json:"at"`
}

// EngagementEvent is an external engagement signal (open, click, reply, call
// outcome) correlated to a target.
type EngagementEvent struct {
	ID         uuid.UUID              `json:"id"`
	TargetID   string                 `json:"target_id"`
	EventType  string                 `json:"event_type"`
	OccurredAt time.Time              `json:"occurred_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	DedupeKey  string                 `json:"dedupe_key"`
}

// DeriveDedupeKey builds the fallback idempotency key used when the upstream
// webhook did not supply one.
func DeriveDedupeKey(targetID, eventType string, occurredAt time.Time) string {
	return fmt.Sprintf("%s|%s|%d", targetID, eventType, occurredAt.UnixMilli())
}
