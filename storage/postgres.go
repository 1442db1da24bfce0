package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dwelldigitally/learnlynk-campaigns/types"
)

// PostgresStorage is a Postgres-backed implementation of the Storage
// interface. Step lists, branch histories, and event metadata are stored as
// JSONB columns; the action log is a plain append-only table.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage opens a connection pool and verifies connectivity.
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping Postgres: %w", err)
	}
	return &PostgresStorage{db: db}, nil
}

// NewPostgresStorageFromDB wraps an existing handle, for tests.
func NewPostgresStorageFromDB(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Migrate creates the backing tables when they do not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS campaign_definitions (
			campaign_id UUID NOT NULL,
			version INT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			steps JSONB NOT NULL,
			triggers JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (campaign_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS enrollments (
			id UUID PRIMARY KEY,
			campaign_id UUID NOT NULL,
			campaign_version INT NOT NULL,
			target_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step_index INT NOT NULL DEFAULT 0,
			due_at TIMESTAMPTZ,
			entered_at TIMESTAMPTZ NOT NULL,
			last_transition_at TIMESTAMPTZ NOT NULL,
			branch_history JSONB NOT NULL DEFAULT '[]',
			failure_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS enrollments_open_pair
			ON enrollments (campaign_id, target_id)
			WHERE status NOT IN ('completed', 'failed', 'cancelled')`,
		`CREATE TABLE IF NOT EXISTS action_log (
			seq BIGINT PRIMARY KEY,
			campaign_id UUID NOT NULL,
			campaign_version INT NOT NULL,
			enrollment_id UUID NOT NULL,
			target_id TEXT NOT NULL,
			action TEXT NOT NULL,
			step_index INT NOT NULL,
			detail JSONB,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS engagement_events (
			id UUID PRIMARY KEY,
			target_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			metadata JSONB,
			dedupe_key TEXT NOT NULL UNIQUE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const definitionColumns = `campaign_id, version, name, type, steps, triggers, status, created_at`

func scanDefinition(row interface{ Scan(...interface{}) error }) (types.CampaignDefinition, error) {
	var def types.CampaignDefinition
	var stepsJSON, triggersJSON []byte
	err := row.Scan(&def.ID, &def.Version, &def.Name, &def.Type, &stepsJSON, &triggersJSON, &def.Status, &def.CreatedAt)
	if err != nil {
		return types.CampaignDefinition{}, err
	}
	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return types.CampaignDefinition{}, fmt.Errorf("corrupt steps column for %s v%d: %w", def.ID, def.Version, err)
	}
	if len(triggersJSON) > 0 {
		if err := json.Unmarshal(triggersJSON, &def.Triggers); err != nil {
			return types.CampaignDefinition{}, fmt.Errorf("corrupt triggers column for %s v%d: %w", def.ID, def.Version, err)
		}
	}
	return def, nil
}

// SaveDefinition upserts one definition version. Only status is expected to
// change on conflict; the step graph is immutable per version.
func (s *PostgresStorage) SaveDefinition(ctx context.Context, def types.CampaignDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	triggersJSON, err := json.Marshal(def.Triggers)
	if err != nil {
		return fmt.Errorf("failed to marshal triggers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaign_definitions (campaign_id, version, name, type, steps, triggers, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (campaign_id, version) DO UPDATE SET status = EXCLUDED.status`,
		def.ID, def.Version, def.Name, def.Type, stepsJSON, triggersJSON, def.Status, def.CreatedAt)
	return err
}

// GetDefinition retrieves one exact definition version.
func (s *PostgresStorage) GetDefinition(ctx context.Context, id uuid.UUID, version int) (types.CampaignDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM campaign_definitions WHERE campaign_id = $1 AND version = $2`,
		id, version)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CampaignDefinition{}, fmt.Errorf("%w: id=%s version=%d", ErrDefinitionNotFound, id, version)
	}
	return def, err
}

// LatestDefinition retrieves the highest version of a campaign.
func (s *PostgresStorage) LatestDefinition(ctx context.Context, id uuid.UUID) (types.CampaignDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM campaign_definitions WHERE campaign_id = $1 ORDER BY version DESC LIMIT 1`,
		id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CampaignDefinition{}, fmt.Errorf("%w: id=%s", ErrDefinitionNotFound, id)
	}
	return def, err
}

// ListLatestDefinitions returns the latest version of every campaign.
func (s *PostgresStorage) ListLatestDefinitions(ctx context.Context) ([]types.CampaignDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ON (campaign_id) `+definitionColumns+`
		FROM campaign_definitions ORDER BY campaign_id, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.CampaignDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

const enrollmentColumns = `id, campaign_id, campaign_version, target_id, status, current_step_index, due_at, entered_at, last_transition_at, branch_history, failure_reason`

func scanEnrollment(row interface{ Scan(...interface{}) error }) (types.Enrollment, error) {
	var e types.Enrollment
	var historyJSON []byte
	var dueAt sql.NullTime
	err := row.Scan(&e.ID, &e.CampaignID, &e.CampaignVersion, &e.TargetID, &e.Status,
		&e.CurrentStepIndex, &dueAt, &e.EnteredAt, &e.LastTransitionAt, &historyJSON, &e.FailureReason)
	if err != nil {
		return types.Enrollment{}, err
	}
	if dueAt.Valid {
		t := dueAt.Time
		e.DueAt = &t
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &e.BranchHistory); err != nil {
			return types.Enrollment{}, fmt.Errorf("corrupt branch_history for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// CreateEnrollment inserts a new enrollment. The partial unique index on
// open (campaign, target) pairs enforces the single-open-enrollment
// invariant; a conflict maps to ErrDuplicateEnrollment.
func (s *PostgresStorage) CreateEnrollment(ctx context.Context, e types.Enrollment) error {
	historyJSON, err := json.Marshal(e.BranchHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal branch history: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.CampaignID, e.CampaignVersion, e.TargetID, e.Status,
		e.CurrentStepIndex, e.DueAt, e.EnteredAt, e.LastTransitionAt, historyJSON, e.FailureReason)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: campaign=%s target=%s", ErrDuplicateEnrollment, e.CampaignID, e.TargetID)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// SaveEnrollment persists updated enrollment state.
func (s *PostgresStorage) SaveEnrollment(ctx context.Context, e types.Enrollment) error {
	historyJSON, err := json.Marshal(e.BranchHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal branch history: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrollments SET status=$1, current_step_index=$2, due_at=$3, last_transition_at=$4, branch_history=$5, failure_reason=$6
		WHERE id = $7`,
		e.Status, e.CurrentStepIndex, e.DueAt, e.LastTransitionAt, historyJSON, e.FailureReason, e.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: id=%s", ErrEnrollmentNotFound, e.ID)
	}
	return nil
}

// GetEnrollment retrieves an enrollment by ID.
func (s *PostgresStorage) GetEnrollment(ctx context.Context, id uuid.UUID) (types.Enrollment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Enrollment{}, fmt.Errorf("%w: id=%s", ErrEnrollmentNotFound, id)
	}
	return e, err
}

// FindEnrollment retrieves the most recent enrollment for a (campaign,
// target) pair.
func (s *PostgresStorage) FindEnrollment(ctx context.Context, campaignID uuid.UUID, targetID string) (types.Enrollment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		WHERE campaign_id = $1 AND target_id = $2 ORDER BY entered_at DESC LIMIT 1`,
		campaignID, targetID)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Enrollment{}, fmt.Errorf("%w: campaign=%s target=%s", ErrEnrollmentNotFound, campaignID, targetID)
	}
	return e, err
}

func (s *PostgresStorage) queryEnrollments(ctx context.Context, query string, args ...interface{}) ([]types.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListDue returns enrollments eligible for advancement at now.
func (s *PostgresStorage) ListDue(ctx context.Context, now time.Time, limit int) ([]types.Enrollment, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryEnrollments(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		WHERE status IN ('pending', 'active')
		   OR (status IN ('waiting', 'blocked-on-event', 'blocked-on-task') AND due_at IS NOT NULL AND due_at <= $1)
		ORDER BY entered_at LIMIT $2`,
		now, limit)
}

// ListByCampaign returns all enrollments for a campaign.
func (s *PostgresStorage) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]types.Enrollment, error) {
	return s.queryEnrollments(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE campaign_id = $1`, campaignID)
}

// ListOpenByTarget returns a target's non-terminal enrollments.
func (s *PostgresStorage) ListOpenByTarget(ctx context.Context, targetID string) ([]types.Enrollment, error) {
	return s.queryEnrollments(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		WHERE target_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		targetID)
}

// AppendAction appends one entry to the action log.
func (s *PostgresStorage) AppendAction(ctx context.Context, entry types.ActionLogEntry) error {
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal action detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO action_log (seq, campaign_id, campaign_version, enrollment_id, target_id, action, step_index, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Seq, entry.CampaignID, entry.CampaignVersion, entry.EnrollmentID, entry.TargetID,
		entry.Action, entry.StepIndex, detailJSON, entry.At)
	return err
}

// ListActions returns a campaign's action log in append order.
func (s *PostgresStorage) ListActions(ctx context.Context, campaignID uuid.UUID) ([]types.ActionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, campaign_id, campaign_version, enrollment_id, target_id, action, step_index, detail, at
		FROM action_log WHERE campaign_id = $1 ORDER BY seq`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ActionLogEntry
	for rows.Next() {
		var entry types.ActionLogEntry
		var detailJSON []byte
		if err := rows.Scan(&entry.Seq, &entry.CampaignID, &entry.CampaignVersion, &entry.EnrollmentID,
			&entry.TargetID, &entry.Action, &entry.StepIndex, &detailJSON, &entry.At); err != nil {
			return nil, err
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &entry.Detail); err != nil {
				return nil, fmt.Errorf("corrupt detail for action %d: %w", entry.Seq, err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// AppendEngagement records an engagement event; the unique dedupe_key
// constraint collapses at-least-once webhook redelivery.
func (s *PostgresStorage) AppendEngagement(ctx context.Context, ev types.EngagementEvent) (bool, error) {
	metadataJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO engagement_events (id, target_id, event_type, occurred_at, metadata, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		ev.ID, ev.TargetID, ev.EventType, ev.OccurredAt, metadataJSON, ev.DedupeKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListEngagement returns a target's engagement log in arrival order.
func (s *PostgresStorage) ListEngagement(ctx context.Context, targetID string) ([]types.EngagementEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_id, event_type, occurred_at, metadata, dedupe_key
		FROM engagement_events WHERE target_id = $1 ORDER BY occurred_at`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.EngagementEvent
	for rows.Next() {
		var ev types.EngagementEvent
		var metadataJSON []byte
		if err := rows.Scan(&ev.ID, &ev.TargetID, &ev.EventType, &ev.OccurredAt, &metadataJSON, &ev.DedupeKey); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt metadata for event %s: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the underlying connection pool.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
