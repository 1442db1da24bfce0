package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dwelldigitally/learnlynk-campaigns/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface,
// suitable for tests and single-process demos.
type MemoryStorage struct {
	definitions map[string]types.CampaignDefinition // key: "id:version"
	latest      map[uuid.UUID]int
	enrollments map[uuid.UUID]types.Enrollment
	actions     map[uuid.UUID][]types.ActionLogEntry
	engagement  map[string][]types.EngagementEvent
	dedupe      map[string]time.Time
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string]types.CampaignDefinition),
		latest:      make(map[uuid.UUID]int),
		enrollments: make(map[uuid.UUID]types.Enrollment),
		actions:     make(map[uuid.UUID][]types.ActionLogEntry),
		engagement:  make(map[string][]types.EngagementEvent),
		dedupe:      make(map[string]time.Time),
	}
}

func defKey(id uuid.UUID, version int) string {
	return fmt.Sprintf("%s:%d", id, version)
}

// SaveDefinition saves one definition version.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.CampaignDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[defKey(def.ID, def.Version)] = def
		if def.Version > s.latest[def.ID] {
			s.latest[def.ID] = def.Version
		}
		return nil
	})
}

// GetDefinition retrieves one exact definition version.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uuid.UUID, version int) (types.CampaignDefinition, error) {
	return withContext(ctx, func() (types.CampaignDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		def, ok := s.definitions[defKey(id, version)]
		if !ok {
			return types.CampaignDefinition{}, fmt.Errorf("%w: id=%s version=%d", ErrDefinitionNotFound, id, version)
		}
		return def, nil
	})
}

// LatestDefinition retrieves the highest version of a campaign.
func (s *MemoryStorage) LatestDefinition(ctx context.Context, id uuid.UUID) (types.CampaignDefinition, error) {
	return withContext(ctx, func() (types.CampaignDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		version, ok := s.latest[id]
		if !ok {
			return types.CampaignDefinition{}, fmt.Errorf("%w: id=%s", ErrDefinitionNotFound, id)
		}
		return s.definitions[defKey(id, version)], nil
	})
}

// ListLatestDefinitions returns the latest version of every campaign.
func (s *MemoryStorage) ListLatestDefinitions(ctx context.Context) ([]types.CampaignDefinition, error) {
	return withContext(ctx, func() ([]types.CampaignDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.CampaignDefinition, 0, len(s.latest))
		for id, version := range s.latest {
			out = append(out, s.definitions[defKey(id, version)])
		}
		return out, nil
	})
}

// CreateEnrollment inserts a new enrollment, rejecting duplicates for the
// same (campaign, target) pair while one is still in flight.
func (s *MemoryStorage) CreateEnrollment(ctx context.Context, e types.Enrollment) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, existing := range s.enrollments {
			if existing.CampaignID == e.CampaignID && existing.TargetID == e.TargetID && !existing.Terminal() {
				return fmt.Errorf("%w: campaign=%s target=%s", ErrDuplicateEnrollment, e.CampaignID, e.TargetID)
			}
		}
		s.enrollments[e.ID] = e
		return nil
	})
}

// SaveEnrollment persists updated enrollment state.
func (s *MemoryStorage) SaveEnrollment(ctx context.Context, e types.Enrollment) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.enrollments[e.ID]; !ok {
			return fmt.Errorf("%w: id=%s", ErrEnrollmentNotFound, e.ID)
		}
		s.enrollments[e.ID] = e
		return nil
	})
}

// GetEnrollment retrieves an enrollment by ID.
func (s *MemoryStorage) GetEnrollment(ctx context.Context, id uuid.UUID) (types.Enrollment, error) {
	return withContext(ctx, func() (types.Enrollment, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		e, ok := s.enrollments[id]
		if !ok {
			return types.Enrollment{}, fmt.Errorf("%w: id=%s", ErrEnrollmentNotFound, id)
		}
		return e, nil
	})
}

// FindEnrollment retrieves the most recent enrollment for a (campaign,
// target) pair.
func (s *MemoryStorage) FindEnrollment(ctx context.Context, campaignID uuid.UUID, targetID string) (types.Enrollment, error) {
	return withContext(ctx, func() (types.Enrollment, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var found *types.Enrollment
		for id := range s.enrollments {
			e := s.enrollments[id]
			if e.CampaignID != campaignID || e.TargetID != targetID {
				continue
			}
			if found == nil || e.EnteredAt.After(found.EnteredAt) {
				found = &e
			}
		}
		if found == nil {
			return types.Enrollment{}, fmt.Errorf("%w: campaign=%s target=%s", ErrEnrollmentNotFound, campaignID, targetID)
		}
		return *found, nil
	})
}

// ListDue returns enrollments eligible for advancement at now.
func (s *MemoryStorage) ListDue(ctx context.Context, now time.Time, limit int) ([]types.Enrollment, error) {
	return withContext(ctx, func() ([]types.Enrollment, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var due []types.Enrollment
		for _, e := range s.enrollments {
			if e.Due(now) {
				due = append(due, e)
			}
		}
		sort.Slice(due, func(i, j int) bool { return due[i].EnteredAt.Before(due[j].EnteredAt) })
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}
		return due, nil
	})
}

// ListByCampaign returns all enrollments for a campaign.
func (s *MemoryStorage) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]types.Enrollment, error) {
	return withContext(ctx, func() ([]types.Enrollment, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Enrollment
		for _, e := range s.enrollments {
			if e.CampaignID == campaignID {
				out = append(out, e)
			}
		}
		return out, nil
	})
}

// ListOpenByTarget returns a target's non-terminal enrollments.
func (s *MemoryStorage) ListOpenByTarget(ctx context.Context, targetID string) ([]types.Enrollment, error) {
	return withContext(ctx, func() ([]types.Enrollment, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Enrollment
		for _, e := range s.enrollments {
			if e.TargetID == targetID && !e.Terminal() {
				out = append(out, e)
			}
		}
		return out, nil
	})
}

// AppendAction appends an entry to the campaign's action log.
func (s *MemoryStorage) AppendAction(ctx context.Context, entry types.ActionLogEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.actions[entry.CampaignID] = append(s.actions[entry.CampaignID], entry)
		return nil
	})
}

// ListActions returns a campaign's action log in append order.
func (s *MemoryStorage) ListActions(ctx context.Context, campaignID uuid.UUID) ([]types.ActionLogEntry, error) {
	return withContext(ctx, func() ([]types.ActionLogEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		entries := s.actions[campaignID]
		out := make([]types.ActionLogEntry, len(entries))
		copy(out, entries)
		return out, nil
	})
}

// AppendEngagement records an engagement event, dropping dedupe-key repeats.
func (s *MemoryStorage) AppendEngagement(ctx context.Context, ev types.EngagementEvent) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, seen := s.dedupe[ev.DedupeKey]; seen {
			return false, nil
		}
		s.dedupe[ev.DedupeKey] = ev.OccurredAt
		s.engagement[ev.TargetID] = append(s.engagement[ev.TargetID], ev)
		return true, nil
	})
}

// ListEngagement returns a target's engagement log in arrival order.
func (s *MemoryStorage) ListEngagement(ctx context.Context, targetID string) ([]types.EngagementEvent, error) {
	return withContext(ctx, func() ([]types.EngagementEvent, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		events := s.engagement[targetID]
		out := make([]types.EngagementEvent, len(events))
		copy(out, events)
		return out, nil
	})
}
