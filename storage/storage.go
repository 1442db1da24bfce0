package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dwelldigitally/learnlynk-campaigns/types"
)

// Errors shared by all Storage implementations.
var (
	ErrDefinitionNotFound  = errors.New("campaign definition not found")
	ErrEnrollmentNotFound  = errors.New("enrollment not found")
	ErrDuplicateEnrollment = errors.New("target already has a non-terminal enrollment for this campaign")
)

// Storage is the persistence contract for the three logical tables backing
// the engine: campaign_definitions (immutable per version), enrollments
// (mutable, one row per campaign/target pair), and the append-only
// action_log, plus the per-target engagement log fed by Event Ingest.
// All in-flight state is reconstructable after a restart from the persisted
// enrollments alone.
type Storage interface {
	// SaveDefinition persists one version of a campaign definition. Saving
	// an existing (id, version) overwrites only mutable metadata (status).
	SaveDefinition(ctx context.Context, def types.CampaignDefinition) error

	// GetDefinition retrieves one exact definition version.
	GetDefinition(ctx context.Context, id uuid.UUID, version int) (types.CampaignDefinition, error)

	// LatestDefinition retrieves the highest published version of a campaign.
	LatestDefinition(ctx context.Context, id uuid.UUID) (types.CampaignDefinition, error)

	// ListLatestDefinitions returns the latest version of every campaign.
	// Used to match entry triggers against incoming lead events.
	ListLatestDefinitions(ctx context.Context) ([]types.CampaignDefinition, error)

	// CreateEnrollment inserts a new enrollment. It fails with
	// ErrDuplicateEnrollment when the (campaign, target) pair already has an
	// enrollment in a non-terminal status.
	CreateEnrollment(ctx context.Context, e types.Enrollment) error

	// SaveEnrollment persists updated execution state for an enrollment.
	SaveEnrollment(ctx context.Context, e types.Enrollment) error

	// GetEnrollment retrieves an enrollment by ID.
	GetEnrollment(ctx context.Context, id uuid.UUID) (types.Enrollment, error)

	// FindEnrollment retrieves the most recent enrollment for a
	// (campaign, target) pair.
	FindEnrollment(ctx context.Context, campaignID uuid.UUID, targetID string) (types.Enrollment, error)

	// ListDue returns up to limit enrollments eligible for advancement at
	// now: pending/active ones, and suspended ones whose dueAt has elapsed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]types.Enrollment, error)

	// ListByCampaign returns all enrollments for a campaign.
	ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]types.Enrollment, error)

	// ListOpenByTarget returns the target's non-terminal enrollments across
	// all campaigns.
	ListOpenByTarget(ctx context.Context, targetID string) ([]types.Enrollment, error)

	// AppendAction appends one entry to the action log.
	AppendAction(ctx context.Context, entry types.ActionLogEntry) error

	// ListActions returns a campaign's action log in append order.
	ListActions(ctx context.Context, campaignID uuid.UUID) ([]types.ActionLogEntry, error)

	// AppendEngagement records an engagement event for a target. It returns
	// false without writing when the event's dedupe key was already seen.
	AppendEngagement(ctx context.Context, ev types.EngagementEvent) (bool, error)

	// ListEngagement returns a target's engagement log in arrival order.
	ListEngagement(ctx context.Context, targetID string) ([]types.EngagementEvent, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
