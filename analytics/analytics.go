// Package analytics maintains read-optimized rollups over the append-only
// action log. Aggregates are a cache: the log is the source of truth, and a
// full rebuild by replay must always reproduce the live state.
package analytics

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dwelldigitally/learnlynk-campaigns/events"
	"github.com/dwelldigitally/learnlynk-campaigns/storage"
	"github.com/dwelldigitally/learnlynk-campaigns/types"
)

// DefaultRecentActions is how many trailing actions a summary retains.
const DefaultRecentActions = 20

// StepStats is the per-step funnel: how many actions arrived at the step,
// how many sends executed there, and how many branch decisions routed
// enrollments away from the sequential path.
type StepStats struct {
	Entered  int `json:"entered"`
	Executed int `json:"executed"`
	Branched int `json:"branched"`
}

// CampaignSummary is the operator-facing rollup for one campaign. Failed
// and completed enrollments are counted separately so partial failure is
// visible.
type CampaignSummary struct {
	CampaignID    uuid.UUID              `json:"campaign_id"`
	TotalActions  int                    `json:"total_actions"`
	UniqueTargets int                    `json:"unique_targets"`
	ActionsByType map[string]int         `json:"actions_by_type"`
	StatusCounts  map[string]int         `json:"status_counts"`
	StepFunnel    map[int]StepStats      `json:"step_funnel"`
	RecentActions []types.ActionLogEntry `json:"recent_actions"`
}

type campaignStats struct {
	totalActions int
	targets      map[string]struct{}
	byType       map[string]int
	enrollStatus map[uuid.UUID]string
	steps        map[int]*StepStats
	recent       []types.ActionLogEntry
}

func newCampaignStats() *campaignStats {
	return &campaignStats{
		targets:      make(map[string]struct{}),
		byType:       make(map[string]int),
		enrollStatus: make(map[uuid.UUID]string),
		steps:        make(map[int]*StepStats),
	}
}

// Aggregator consumes ActionLogEntry events and serves summaries.
type Aggregator struct {
	storage   storage.Storage
	campaigns map[uuid.UUID]*campaignStats
	recentN   int
	mu        sync.RWMutex
}

// NewAggregator creates an Aggregator reading replays from store.
func NewAggregator(store storage.Storage) *Aggregator {
	return &Aggregator{
		storage:   store,
		campaigns: make(map[uuid.UUID]*campaignStats),
		recentN:   DefaultRecentActions,
	}
}

// Attach subscribes the aggregator to the bus's action topic for live
// maintenance.
func (a *Aggregator) Attach(bus *events.EventBus) {
	bus.Subscribe(events.TopicAction, a)
}

// Handle implements events.EventHandler.
func (a *Aggregator) Handle(ctx context.Context, event events.Event) error {
	if event.Entry != nil {
		a.Apply(*event.Entry)
	}
	return nil
}

// Apply folds one log entry into the rollups.
func (a *Aggregator) Apply(entry types.ActionLogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.apply(entry)
}

func (a *Aggregator) apply(entry types.ActionLogEntry) {
	stats, ok := a.campaigns[entry.CampaignID]
	if !ok {
		stats = newCampaignStats()
		a.campaigns[entry.CampaignID] = stats
	}

	stats.totalActions++
	stats.byType[entry.Action]++
	stats.targets[entry.TargetID] = struct{}{}

	step, ok := stats.steps[entry.StepIndex]
	if !ok {
		step = &StepStats{}
		stats.steps[entry.StepIndex] = step
	}
	switch entry.Action {
	case types.ActionStepExecuted:
		step.Entered++
		step.Executed++
	case types.ActionBranchEvaluated:
		step.Entered++
		step.Branched++
	case types.ActionWaitStarted, types.ActionTaskCreated:
		step.Entered++
	case types.ActionStatusChanged:
		if to, ok := entry.Detail["to"].(string); ok {
			stats.enrollStatus[entry.EnrollmentID] = to
		}
	}

	stats.recent = append(stats.recent, entry)
	if len(stats.recent) > a.recentN {
		stats.recent = stats.recent[len(stats.recent)-a.recentN:]
	}
}

// Summary returns the current rollup for a campaign. An unknown campaign
// yields an empty summary, not an error.
func (a *Aggregator) Summary(campaignID uuid.UUID) CampaignSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	summary := CampaignSummary{
		CampaignID:    campaignID,
		ActionsByType: make(map[string]int),
		StatusCounts:  make(map[string]int),
		StepFunnel:    make(map[int]StepStats),
	}
	stats, ok := a.campaigns[campaignID]
	if !ok {
		return summary
	}

	summary.TotalActions = stats.totalActions
	summary.UniqueTargets = len(stats.targets)
	for action, count := range stats.byType {
		summary.ActionsByType[action] = count
	}
	for _, status := range stats.enrollStatus {
		summary.StatusCounts[status]++
	}
	for index, step := range stats.steps {
		summary.StepFunnel[index] = *step
	}
	// Most recent first for display.
	summary.RecentActions = make([]types.ActionLogEntry, 0, len(stats.recent))
	for i := len(stats.recent) - 1; i >= 0; i-- {
		summary.RecentActions = append(summary.RecentActions, stats.recent[i])
	}
	return summary
}

// Rebuild discards a campaign's rollups and replays its action log from
// storage. This is the recovery path: replay must yield the same state the
// live subscription built.
func (a *Aggregator) Rebuild(ctx context.Context, campaignID uuid.UUID) error {
	entries, err := a.storage.ListActions(ctx, campaignID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.campaigns, campaignID)
	for _, entry := range entries {
		a.apply(entry)
	}
	return nil
}
