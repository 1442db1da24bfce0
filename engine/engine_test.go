package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dwelldigitally/learnlynk-campaigns/events"
	"github.com/dwelldigitally/learnlynk-campaigns/storage"
	"github.com/dwelldigitally/learnlynk-campaigns/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

// MockSender records sends and can be scripted to fail.
type MockSender struct {
	mu        sync.Mutex
	sent      []string // "channel/content_ref" per successful send
	attempts  int
	shouldErr func(attempt int) bool
}

func (s *MockSender) Send(ctx context.Context, channel, targetID, contentRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.shouldErr != nil && s.shouldErr(s.attempts) {
		return errors.New("mock send error")
	}
	s.sent = append(s.sent, channel+"/"+contentRef)
	return nil
}

func (s *MockSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *MockSender) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

var testEpoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store storage.Storage, sender ChannelSender, clock Clock, options ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithClock(clock),
		WithRetrySleep(func(time.Duration) {}),
	}
	eng, err := New(store, sender, &MockGenerator{}, append(base, options...)...)
	if err != nil {
		t.Fatalf("expected no error creating engine, got %v", err)
	}
	t.Cleanup(eng.Stop)
	return eng
}

func welcomeDefinition() types.CampaignDefinition {
	return types.CampaignDefinition{
		Name: "Welcome Sequence",
		Type: types.TypeNurture,
		Steps: []types.StepDefinition{
			{Kind: types.StepSend, Channel: types.ChannelEmail, ContentRef: "welcome"},
			{Kind: types.StepWait, Duration: types.Duration{Value: 2, Unit: types.UnitDays}},
			{
				Kind: types.StepBranch,
				Condition: &types.Condition{
					Kind:          types.CondEventWithin,
					EventType:     "email_opened",
					WindowSeconds: 3 * 24 * 3600,
				},
				OnTrue:  4,
				OnFalse: 3,
			},
			{Kind: types.StepSend, Channel: types.ChannelSMS, ContentRef: "nudge"},
			{Kind: types.StepSend, Channel: types.ChannelEmail, ContentRef: "final"},
		},
	}
}

func recordEngagement(t *testing.T, store storage.Storage, targetID, eventType string, at time.Time) {
	t.Helper()
	_, err := store.AppendEngagement(context.Background(), types.EngagementEvent{
		ID:         uuid.New(),
		TargetID:   targetID,
		EventType:  eventType,
		OccurredAt: at,
		DedupeKey:  types.DeriveDedupeKey(targetID, eventType, at),
	})
	if err != nil {
		t.Fatalf("failed to record engagement: %v", err)
	}
}

func actionCounts(t *testing.T, store storage.Storage, campaignID uuid.UUID) map[string]int {
	t.Helper()
	entries, err := store.ListActions(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("failed to list actions: %v", err)
	}
	counts := make(map[string]int)
	for _, entry := range entries {
		counts[entry.Action]++
	}
	return counts
}

func TestNew(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := &MockSender{}
	gen := &MockGenerator{}

	eng, err := New(store, sender, gen)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if eng == nil {
		t.Fatal("expected non-nil Engine")
	}
	eng.Stop()

	if _, err := New(nil, sender, gen); err == nil {
		t.Error("expected error for nil storage")
	}
	if _, err := New(store, nil, gen); err == nil {
		t.Error("expected error for nil sender")
	}
	if _, err := New(store, sender, nil); err == nil {
		t.Error("expected error for nil generator")
	}
}

func TestPublishCampaign(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	eng := newTestEngine(t, store, &MockSender{}, newFakeClock(testEpoch))

	id, version, err := eng.PublishCampaign(ctx, welcomeDefinition())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id == uuid.Nil || version != 1 {
		t.Fatalf("expected fresh id and version 1, got %s v%d", id, version)
	}

	// Republishing the same ID allocates the next version.
	def := welcomeDefinition()
	def.ID = id
	_, version, err = eng.PublishCampaign(ctx, def)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}

	// Both versions stay readable.
	if _, err := store.GetDefinition(ctx, id, 1); err != nil {
		t.Errorf("version 1 should remain readable: %v", err)
	}

	// Invalid definitions are rejected.
	bad := welcomeDefinition()
	bad.Steps = nil
	if _, _, err := eng.PublishCampaign(ctx, bad); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("expected ErrInvalidDefinition, got %v", err)
	}

	bad = welcomeDefinition()
	bad.Steps[2].OnTrue = 99
	if _, _, err := eng.PublishCampaign(ctx, bad); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("expected ErrInvalidDefinition for branch target, got %v", err)
	}

	// Archived campaigns reject new versions.
	if err := eng.ArchiveCampaign(ctx, id); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	def = welcomeDefinition()
	def.ID = id
	if _, _, err := eng.PublishCampaign(ctx, def); !errors.Is(err, ErrCampaignArchived) {
		t.Errorf("expected ErrCampaignArchived, got %v", err)
	}
}

func TestEnroll(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	eng := newTestEngine(t, store, &MockSender{}, newFakeClock(testEpoch))

	campaignID, _, err := eng.PublishCampaign(ctx, welcomeDefinition())
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	enrollmentID, err := eng.Enroll(ctx, campaignID, "lead-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	enr, err := store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		t.Fatalf("failed to read enrollment: %v", err)
	}
	if enr.Status != types.StatusPending {
		t.Errorf("expected pending, got %s", enr.Status)
	}
	if enr.CampaignVersion != 1 {
		t.Errorf("expected version binding 1, got %d", enr.CampaignVersion)
	}

	// A second open enrollment for the same pair is rejected.
	if _, err := eng.Enroll(ctx, campaignID, "lead-1"); !errors.Is(err, storage.ErrDuplicateEnrollment) {
		t.Errorf("expected ErrDuplicateEnrollment, got %v", err)
	}

	// Unknown campaign.
	if _, err := eng.Enroll(ctx, uuid.New(), "lead-1"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("expected ErrCampaignNotFound, got %v", err)
	}

	// Paused campaigns do not accept enrollments.
	if err := eng.PauseCampaign(ctx, campaignID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if _, err := eng.Enroll(ctx, campaignID, "lead-2"); !errors.Is(err, ErrCampaignNotActive) {
		t.Errorf("expected ErrCampaignNotActive, got %v", err)
	}
}

// TestWelcomeFlow walks a full welcome/nudge sequence: send, two-day wait,
// branch on an email open, then the engaged or unengaged arm.
func TestWelcomeFlow(t *testing.T) {
	t.Run("EngagedTargetSkipsNudge", func(t *testing.T) {
		ctx := context.Background()
		store := storage.NewMemoryStorage()
		clock := newFakeClock(testEpoch)
		sender := &MockSender{}
		eng := newTestEngine(t, store, sender, clock)

		campaignID, _, err := eng.PublishCampaign(ctx, welcomeDefinition())
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if _, err := eng.Enroll(ctx, campaignID, "lead-1"); err != nil {
			t.Fatalf("enroll failed: %v", err)
		}

		// First tick: welcome send, then park on the two-day wait.
		if err := eng.Tick(ctx, clock.Now()); err != nil {
			t.Fatalf("tick failed: %v", err)
		}
		enr, err := eng.GetEnrollment(ctx, campaignID, "lead-1")
		if err != nil {
			t.Fatalf("get enrollment failed: %v", err)
		}
		if enr.Status != types.StatusWaiting {
			t.Fatalf("expected waiting after first tick, got %s", enr.Status)
		}
		if got := sender.Sent(); len(got) != 1 || got[0] != "email/welcome" {
			t.Fatalf("expected one welcome send, got %v", got)
		}

		// The target opens the email during the wait.
		recordEngagement(t, store, "lead-1", "email_opened", clock.Advance(6*time.Hour))

		// Due tick after the wait: branch true, final email, completed.
		now := clock.Advance(2 * 24 * time.Hour)
		if err := eng.Tick(ctx, now); err != nil {
			t.Fatalf("tick failed: %v", err)
		}
		enr, err = eng.GetEnrollment(ctx, campaignID, "lead-1")
		if err != nil {
			t.Fatalf("get enrollment failed: %v", err)
		}
		if enr.Status != types.StatusCompleted {
			t.Fatalf("expected completed, got %s (reason=%s)", enr.Status, enr.FailureReason)
		}
		if len(enr.BranchHistory) != 1 || !enr.BranchHistory[0].Result {
			t.Fatalf("expected one true branch decision, got %+v", enr.BranchHistory)
		}

		got := sender.Sent()
		want := []string{"email/welcome", "email/final"}
		if len(got) != len(want) {
			t.Fatalf("expected sends %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("expected sends %v, got %v", want, got)
			}
		}

		counts := actionCounts(t, store, campaignID)
		if counts[types.ActionStepExecuted] != 2 {
			t.Errorf("expected 2 step_executed entries, got %d", counts[types.ActionStepExecuted])
		}
		if counts[types.ActionBranchEvaluated] != 1 {
			t.Errorf("expected 1 branch_evaluated entry, got %d", counts[types.ActionBranchEvaluated])
		}
		if counts[types.ActionWaitStarted] != 1 {
			t.Errorf("expected 1 wait_started entry, got %d", counts[types.ActionWaitStarted])
		}
	})

	t.Run("SilentTargetGetsNudge", func(t *testing.T) {
		ctx := context.Background()
		store := storage.NewMemoryStorage()
		clock := newFakeClock(testEpoch)
		sender := &MockSender{}
		eng := newTestEngine(t, store, sender, clock)

		campaignID, _, err := eng.PublishCampaign(ctx, welcomeDefinition())
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if _, err := eng.Enroll(ctx, campaignID, "lead-2"); err != nil {
			t.Fatalf("enroll failed: %v", err)
		}

		if err := eng.Tick(ctx, clock.Now()); err != nil {
			t.Fatalf("tick failed: %v", err)
		}
		now := clock.Advance(2 * 24 * time.Hour)
		if err := eng.Tick(ctx, now); err != nil {
			t.Fatalf("tick failed: %v", err)
		}

		enr, err := eng.GetEnrollment(ctx, campaignID, "lead-2")
		if err != nil {
			t.Fatalf("get enrollment failed: %v", err)
		}
		if enr.Status != types.StatusCompleted {
			t.Fatalf("expected completed, got %s", enr.Status)
		}
		got := sender.Sent()
		want := []string{"email/welcome", "sms/nudge", "email/final"}
		if len(got) != len(want) {
			t.Fatalf("expected sends %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("expected sends %v, got %v", want, got)
			}
		}
	})
}

func TestSendRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	sender := &MockSender{shouldErr: func(int) bool { return true }}

	var delays []time.Duration
	eng := newTestEngine(t, store, sender, clock,
		WithMaxSendAttempts(5),
		WithRetryBase(time.Second),
		WithRetrySleep(func(d time.Duration) { delays = append(delays, d) }),
	)

	def := types.CampaignDefinition{
		Name:  "Single Send",
		Type:  types.TypeCustom,
		Steps: []types.StepDefinition{{Kind: types.StepSend, Channel: types.ChannelEmail, ContentRef: "only"}},
	}
	campaignID, _, err := eng.PublishCampaign(ctx, def)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := eng.Enroll(ctx, campaignID, "lead-1"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	if err := eng.Tick(ctx, clock.Now()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	enr, err := eng.GetEnrollment(ctx, campaignID, "lead-1")
	if err != nil {
		t.Fatalf("get enrollment failed: %v", err)
	}
	if enr.Status != types.StatusFailed {
		t.Fatalf("expected failed, got %s", enr.Status)
	}
	if enr.FailureReason != types.ReasonChannelExhausted {
		t.Fatalf("expected reason channel-exhausted, got %s", enr.FailureReason)
	}
	if sender.Attempts() != 5 {
		t.Errorf("expected 5 attempts, got %d", sender.Attempts())
	}

	counts := actionCounts(t, store, campaignID)
	if counts[types.ActionSendFailed] != 5 {
		t.Errorf("expected 5 send_failed entries, got %d", counts[types.ActionSendFailed])
	}
	if counts[types.ActionStepExecuted] != 0 {
		t.Errorf("expected no step_executed entries, got %d", counts[types.ActionStepExecuted])
	}

	// Backoff doubles between attempts; no sleep after the last one.
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(delays) != len(wantDelays) {
		t.Fatalf("expected delays %v, got %v", wantDelays, delays)
	}
	for i := range wantDelays {
		if delays[i] != wantDelays[i] {
			t.Fatalf("expected delays %v, got %v", wantDelays, delays)
		}
	}
}

func TestSendRetryRecovers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	sender := &MockSender{shouldErr: func(attempt int) bool { return attempt <= 2 }}
	eng := newTestEngine(t, store, sender, clock)

	def := types.CampaignDefinition{
		Name:  "Flaky Send",
		Type:  types.TypeCustom,
		Steps: []types.StepDefinition{{Kind: types.StepSend, Channel: types.ChannelSMS, ContentRef: "ping"}},
	}
	campaignID, _, err := eng.PublishCampaign(ctx, def)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := eng.Enroll(ctx, campaignID, "lead-1"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	if err := eng.Tick(ctx, clock.Now()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	enr, err := eng.GetEnrollment(ctx, campaignID, "lead-1")
	if err != nil {
		t.Fatalf("get enrollment failed: %v", err)
	}
	if enr.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %s", enr.Status)
	}
	counts := actionCounts(t, store, campaignID)
	if counts[types.ActionSendFailed] != 2 {
		t.Errorf("expected 2 send_failed entries, got %d", counts[types.ActionSendFailed])
	}
	if counts[types.ActionStepExecuted] != 1 {
		t.Errorf("expected 1 step_executed entry, got %d", counts[types.ActionStepExecuted])
	}
}

// TestVersionBinding verifies in-flight enrollments keep executing the
// definition version they entered on after a republish.
func TestVersionBinding(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	sender := &MockSender{}
	eng := newTestEngine(t, store, sender, clock)

	v1 := types.CampaignDefinition{
		Name:  "Versioned",
		Type:  types.TypeCustom,
		Steps: []types.StepDefinition{{Kind: types.StepSend, Channel: types.ChannelEmail, ContentRef: "v1-content"}},
	}
	campaignID, _, err := eng.PublishCampaign(ctx, v1)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := eng.Enroll(ctx, campaignID, "lead-old"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}

	v2 := v1
	v2.ID = campaignID
	v2.Steps = []types.StepDefinition{{Kind: types.StepSend, Channel: types.ChannelEmail, ContentRef: "v2-content"}}
	if _, version, err := eng.PublishCampaign(ctx, v2); err != nil || version != 2 {
		t.Fatalf("republish failed: v%d err=%v", version, err)
	}
	if _, err := eng.Enroll(ctx, campaignID, "lead-new"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}

	if err := eng.Tick(ctx, clock.Now()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	sent := sender.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 sends, got %v", sent)
	}
	seen := map[string]bool{}
	for _, s := range sent {
		seen[s] = true
	}
	if !seen["email/v1-content"] || !seen["email/v2-content"] {
		t.Fatalf("expected one send per version, got %v", sent)
	}
}

func TestArchiveCancelsOpenEnrollments(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	sender := &MockSender{}
	eng := newTestEngine(t, store, sender, clock)

	campaignID, _, err := eng.PublishCampaign(ctx, welcomeDefinition())
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := eng.Enroll(ctx, campaignID, fmt.Sprintf("lead-%d", i)); err != nil {
			t.Fatalf("enroll %d failed: %v", i, err)
		}
	}

	if err := eng.ArchiveCampaign(ctx, campaignID); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	enrollments, err := store.ListByCampaign(ctx, campaignID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(enrollments) != 10 {
		t.Fatalf("expected 10 enrollments, got %d", len(enrollments))
	}
	for _, enr := range enrollments {
		if enr.Status != types.StatusCancelled {
			t.Fatalf("expected cancelled, got %s", enr.Status)
		}
	}

	// A tick after archiving must not pick anything up.
	if err := eng.Tick(ctx, clock.Advance(time.Hour)); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if sender.Attempts() != 0 {
		t.Errorf("expected no send attempts after archive, got %d", sender.Attempts())
	}

	// Archiving again is a no-op.
	if err := eng.ArchiveCampaign(ctx, campaignID); err != nil {
		t.Errorf("expected idempotent archive, got %v", err)
	}
}

func TestLoopDetection(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	eng := newTestEngine(t, store, &MockSender{}, clock)

	// A branch that always routes back to itself.
	def := types.CampaignDefinition{
		Name: "Tight Loop",
		Type: types.TypeCustom,
		Steps: []types.StepDefinition{
			{
				Kind: types.StepBranch,
				Condition: &types.Condition{
					Kind:          types.CondNoEventWithin,
					EventType:     "never_sent",
					WindowSeconds: 60,
				},
				OnTrue:  0,
				OnFalse: 0,
			},
		},
	}
	campaignID, _, err := eng.PublishCampaign(ctx, def)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := eng.Enroll(ctx, campaignID, "lead-1"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	if err := eng.Tick(ctx, clock.Now()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	enr, err := eng.GetEnrollment(ctx, campaignID, "lead-1")
	if err != nil {
		t.Fatalf("get enrollment failed: %v", err)
	}
	if enr.Status != types.StatusFailed {
		t.Fatalf("expected failed, got %s", enr.Status)
	}
	if enr.FailureReason != types.ReasonLoopDetected {
		t.Fatalf("expected reason loop-detected, got %s", enr.FailureReason)
	}
	if len(enr.BranchHistory) != loopCapFactor*len(def.Steps) {
		t.Errorf("expected %d branch decisions before tripping, got %d",
			loopCapFactor*len(def.Steps), len(enr.BranchHistory))
	}
}

func TestTaskFlow(t *testing.T) {
	taskDefinition := func(timeoutSeconds int64, onTimeout string) types.CampaignDefinition {
		return types.CampaignDefinition{
			Name: "Counselor Review",
			Type: types.TypeCustom,
			Steps: []types.StepDefinition{
				{
					Kind:           types.StepTask,
					AssigneeRole:   "counselor",
					Description:    "call the applicant",
					TimeoutSeconds: timeoutSeconds,
					OnTimeout:      onTimeout,
				},
				{Kind: types.StepSend, Channel: types.ChannelEmail, ContentRef: "after-task"},
			},
		}
	}

	t.Run("ManualResolve", func(t *testing.T) {
		ctx := context.Background()
		store := storage.NewMemoryStorage()
		clock := newFakeClock(testEpoch)
		sender := &MockSender{}
		eng := newTestEngine(t, store, sender, clock)

		campaignID, _, err := eng.PublishCampaign(ctx, taskDefinition(0, ""))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		enrollmentID, err := eng.Enroll(ctx, campaignID, "lead-1")
		if err != nil {
			t.Fatalf("enroll failed: %v", err)
		}
		if err := eng.Tick(ctx, clock.Now()); err != nil {
			t.Fatalf("tick failed: %v", err)
		}

		enr, err := store.GetEnrollment(ctx, enrollmentID)
		if err != nil {
			t.Fatalf("get enrollment failed: %v", err)
		}
		if enr.Status != types.StatusBlockedOnTask {
			t.Fatalf("expected blocked-on-task, got %s", enr.Status)
		}

		// Further ticks never move a task with no timeout.
		if err := eng.Tick(ctx, clock.Advance(24*time.Hour)); err != nil {
			t.Fatalf("tick failed: %v", err)
		}
		enr, _ = store.GetEnrollment(ctx, enrollmentID)
		if enr.Status != types.StatusBlockedOnTask {
			t.Fatalf("expected still blocked-on-task, got %s", enr.Status)
		}

		// Resolution resumes execution synchronously.
		if err := eng.ResolveTask(ctx, enrollmentID); err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		enr, _ = store.GetEnrollment(ctx, enrollmentID)
		if enr.Status != types.StatusCompleted {
			t.Fatalf("expected completed after resolve, got %s", enr.Status)
		}
		if got := sender.Sent(); len(got) != 1 || got[0] != "email/after-task" {
			t.Fatalf("expected the post-task send, got %v", got)
		}

		if err := eng.ResolveTask(ctx, enrollmentID); !errors.Is(err, ErrNotBlockedOnTask) {
			t.Errorf("expected ErrNotBlockedOnTask, got %v", err)
		}
	})

	t.Run("TimeoutAutoResolves", func(t *testing.T) {
		ctx := context.Background()
		store := storage.NewMemoryStorage()
		clock := newFakeClock(testEpoch)
		sender := &MockSender{}
		eng := newTestEngine(t, store, sender, clock)

		campaignID, _, err := eng.PublishCampaign(ctx, taskDefinition(3600, "resolve"))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if _, err := eng.Enroll(ctx, campaignID, "lead-1"); err != nil {
			t.Fatalf("enroll failed: %v", err)
		}
		if err := eng.Tick(ctx, clock.Now()); err != nil {
			t.Fatalf("tick failed: %v", err)
		}
		if err := eng.Tick(ctx, clock.Advance(time.Hour+time.Second)); err != nil {
			t.Fatalf("tick failed: %v", err)
		}

		enr, err := eng.GetEnrollment(ctx, campaignID, "lead-1")
		if err != nil {
			t.Fatalf("get enrollment failed: %v", err)
		}
		if enr.Status != types.StatusCompleted {
			t.Fatalf("expected completed, got %s", enr.Status)
		}
		counts := actionCounts(t, store, campaignID)
		if counts[types.ActionTaskResolved] != 1 {
			t.Errorf("expected 1 task_resolved entry, got %d", counts[types.ActionTaskResolved])
		}
	})

	t.Run("TimeoutFails", func(t *testing.T) {
		ctx := context.Background()
		store := storage.NewMemoryStorage()
		clock := newFakeClock(testEpoch)
		eng := newTestEngine(t, store, &MockSender{}, clock)

		campaignID, _, err := eng.PublishCampaign(ctx, taskDefinition(3600, "fail"))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if _, err := eng.Enroll(ctx, campaignID, "lead-1"); err != nil {
			t.Fatalf("enroll failed: %v", err)
		}
		if err := eng.Tick(ctx, clock.Now()); err != nil {
			t.Fatalf("tick failed: %v", err)
		}
		if err := eng.Tick(ctx, clock.Advance(time.Hour+time.Second)); err != nil {
			t.Fatalf("tick failed: %v", err)
		}

		enr, err := eng.GetEnrollment(ctx, campaignID, "lead-1")
		if err != nil {
			t.Fatalf("get enrollment failed: %v", err)
		}
		if enr.Status != types.StatusFailed || enr.FailureReason != types.ReasonTaskTimeout {
			t.Fatalf("expected failed/task-timeout, got %s/%s", enr.Status, enr.FailureReason)
		}
	})
}

// TestBlockedOnEvent covers the park-and-wake branch: a false condition with
// a wait-for-event window holds the enrollment until a matching event
// arrives or the window elapses.
func TestBlockedOnEvent(t *testing.T) {
	parkingDefinition := func() types.CampaignDefinition {
		return types.CampaignDefinition{
			Name: "Reply Watcher",
			Type: types.TypeReactivation,
			Steps: []types.StepDefinition{
				{
					Kind: types.StepBranch,
					Condition: &types.Condition{
						Kind:          types.CondEventWithin,
						EventType:     "sms_replied",
						WindowSeconds: 3600,
					},
					OnTrue:              2,
					OnFalse:             1,
					WaitForEventSeconds: 3600,
				},
				{Kind: types.StepSend, Channel: types.ChannelCall, ContentRef: "follow-up-call"},
				{Kind: types.StepSend, Channel: types.ChannelEmail, ContentRef: "thanks"},
			},
		}
	}

	t.Run("EventWakesParkedEnrollment", func(t *testing.T) {
		ctx := context.Background()
		store := storage.NewMemoryStorage()
		clock := newFakeClock(testEpoch)
		sender := &MockSender{}
		eng := newTestEngine(t, store, sender, clock)

		campaignID, _, err := eng.PublishCampaign(ctx, parkingDefinition())
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		enrollmentID, err := eng.Enroll(ctx, campaignID, "lead-1")
		if err != nil {
			t.Fatalf("enroll failed: %v", err)
		}
		if err := eng.Tick(ctx, clock.Now()); err != nil {
			t.Fatalf("tick failed: %v", err)
		}

		enr, err := store.GetEnrollment(ctx, enrollmentID)
		if err != nil {
			t.Fatalf("get enrollment failed: %v", err)
		}
		if enr.Status != types.StatusBlockedOnEvent {
			t.Fatalf("expected blocked-on-event, got %s", enr.Status)
		}
		if enr.DueAt == nil || !enr.DueAt.Equal(testEpoch.Add(time.Hour)) {
			t.Fatalf("expected due at window end, got %v", enr.DueAt)
		}

		// An early wake without the event keeps it parked.
		clock.Advance(5 * time.Minute)
		if err := eng.WakeEnrollment(ctx, enrollmentID); err != nil {
			t.Fatalf("wake failed: %v", err)
		}
		enr, _ = store.GetEnrollment(ctx, enrollmentID)
		if enr.Status != types.StatusBlockedOnEvent {
			t.Fatalf("expected still parked, got %s", enr.Status)
		}

		// The matching event arrives and the wake commits the true path.
		recordEngagement(t, store, "lead-1", "sms_replied", clock.Advance(5*time.Minute))
		if err := eng.WakeEnrollment(ctx, enrollmentID); err != nil {
			t.Fatalf("wake failed: %v", err)
		}
		enr, _ = store.GetEnrollment(ctx, enrollmentID)
		if enr.Status != types.StatusCompleted {
			t.Fatalf("expected completed, got %s", enr.Status)
		}
		if got := sender.Sent(); len(got) != 1 || got[0] != "email/thanks" {
			t.Fatalf("expected the true-path send, got %v", got)
		}
	})

	t.Run("ElapsedWindowCommitsFalsePath", func(t *testing.T) {
		ctx := context.Background()
		store := storage.NewMemoryStorage()
		clock := newFakeClock(testEpoch)
		sender := &MockSender{}
		eng := newTestEngine(t, store, sender, clock)

		campaignID, _, err := eng.PublishCampaign(ctx, parkingDefinition())
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if _, err := eng.Enroll(ctx, campaignID, "lead-1"); err != nil {
			t.Fatalf("enroll failed: %v", err)
		}
		if err := eng.Tick(ctx, clock.Now()); err != nil {
			t.Fatalf("tick failed: %v", err)
		}
		if err := eng.Tick(ctx, clock.Advance(time.Hour+time.Minute)); err != nil {
			t.Fatalf("tick failed: %v", err)
		}

		enr, err := eng.GetEnrollment(ctx, campaignID, "lead-1")
		if err != nil {
			t.Fatalf("get enrollment failed: %v", err)
		}
		if enr.Status != types.StatusCompleted {
			t.Fatalf("expected completed, got %s", enr.Status)
		}
		got := sender.Sent()
		want := []string{"call/follow-up-call", "email/thanks"}
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Fatalf("expected false-path sends %v, got %v", want, got)
		}
		if len(enr.BranchHistory) != 1 || enr.BranchHistory[0].Result {
			t.Fatalf("expected one false branch decision, got %+v", enr.BranchHistory)
		}
	})
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	sender := &MockSender{}
	eng := newTestEngine(t, store, sender, clock)

	campaignID, _, err := eng.PublishCampaign(ctx, welcomeDefinition())
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := eng.Enroll(ctx, campaignID, "lead-1"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}

	if err := eng.PauseCampaign(ctx, campaignID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if err := eng.PauseCampaign(ctx, campaignID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on double pause, got %v", err)
	}

	// Paused campaigns freeze their enrollments mid-flight.
	if err := eng.Tick(ctx, clock.Now()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if sender.Attempts() != 0 {
		t.Fatalf("expected no sends while paused, got %d", sender.Attempts())
	}

	if err := eng.ResumeCampaign(ctx, campaignID); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if err := eng.Tick(ctx, clock.Now()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if got := sender.Sent(); len(got) != 1 || got[0] != "email/welcome" {
		t.Fatalf("expected the welcome send after resume, got %v", got)
	}
}

func TestFireTrigger(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	eng := newTestEngine(t, store, &MockSender{}, clock)

	matching := welcomeDefinition()
	matching.Triggers = []types.Trigger{{Event: "application_started"}}
	matchingID, _, err := eng.PublishCampaign(ctx, matching)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	other := welcomeDefinition()
	other.Name = "Other"
	other.Triggers = []types.Trigger{{Event: "application_submitted"}}
	otherID, _, err := eng.PublishCampaign(ctx, other)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := eng.FireTrigger(ctx, "application_started", "lead-1"); err != nil {
		t.Fatalf("fire trigger failed: %v", err)
	}
	if _, err := eng.GetEnrollment(ctx, matchingID, "lead-1"); err != nil {
		t.Errorf("expected enrollment in matching campaign: %v", err)
	}
	if _, err := eng.GetEnrollment(ctx, otherID, "lead-1"); !errors.Is(err, storage.ErrEnrollmentNotFound) {
		t.Errorf("expected no enrollment in non-matching campaign, got %v", err)
	}

	// Redelivery of the trigger does not duplicate the enrollment.
	if err := eng.FireTrigger(ctx, "application_started", "lead-1"); err != nil {
		t.Errorf("expected duplicate-tolerant trigger, got %v", err)
	}
	enrollments, err := store.ListByCampaign(ctx, matchingID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(enrollments) != 1 {
		t.Errorf("expected 1 enrollment, got %d", len(enrollments))
	}
}

// TestStaleWorkerHonorsWait covers the overlap between two ticks: a worker
// that listed an enrollment while it was still pending must not execute the
// post-wait step after another worker already parked it on the wait.
func TestStaleWorkerHonorsWait(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	sender := &MockSender{}
	eng := newTestEngine(t, store, sender, clock)

	campaignID, _, err := eng.PublishCampaign(ctx, welcomeDefinition())
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	enrollmentID, err := eng.Enroll(ctx, campaignID, "lead-1")
	if err != nil {
		t.Fatalf("enroll failed: %v", err)
	}

	// First worker: welcome send, then park on the two-day wait.
	if err := eng.Tick(ctx, clock.Now()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	enr, err := store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		t.Fatalf("get enrollment failed: %v", err)
	}
	if enr.Status != types.StatusWaiting {
		t.Fatalf("expected waiting, got %s", enr.Status)
	}
	wantDue := *enr.DueAt

	// Second worker listed the enrollment before the first one parked it
	// and advances it now; the wait must hold.
	if err := eng.advance(ctx, enrollmentID, clock.Now()); err != nil {
		t.Fatalf("stale advance failed: %v", err)
	}
	enr, _ = store.GetEnrollment(ctx, enrollmentID)
	if enr.Status != types.StatusWaiting {
		t.Fatalf("expected still waiting after stale advance, got %s", enr.Status)
	}
	if enr.DueAt == nil || !enr.DueAt.Equal(wantDue) {
		t.Fatalf("expected due time %v unchanged, got %v", wantDue, enr.DueAt)
	}

	// An event-driven wake mid-wait must not skip the wait either.
	if err := eng.WakeEnrollment(ctx, enrollmentID); err != nil {
		t.Fatalf("wake failed: %v", err)
	}
	if got := sender.Sent(); len(got) != 1 || got[0] != "email/welcome" {
		t.Fatalf("expected only the welcome send, got %v", got)
	}

	// The wait still resolves normally once due.
	if err := eng.Tick(ctx, clock.Advance(2*24*time.Hour)); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	enr, _ = store.GetEnrollment(ctx, enrollmentID)
	if enr.Status != types.StatusCompleted {
		t.Fatalf("expected completed after the wait elapsed, got %s", enr.Status)
	}
}

// TestPauseAppliesToOldVersions verifies pause freezes enrollments bound to
// superseded definition versions, not just the latest one.
func TestPauseAppliesToOldVersions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	sender := &MockSender{}
	eng := newTestEngine(t, store, sender, clock)

	v1 := types.CampaignDefinition{
		Name:  "Versioned",
		Type:  types.TypeCustom,
		Steps: []types.StepDefinition{{Kind: types.StepSend, Channel: types.ChannelEmail, ContentRef: "v1-content"}},
	}
	campaignID, _, err := eng.PublishCampaign(ctx, v1)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := eng.Enroll(ctx, campaignID, "lead-old"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}

	v2 := v1
	v2.ID = campaignID
	if _, _, err := eng.PublishCampaign(ctx, v2); err != nil {
		t.Fatalf("republish failed: %v", err)
	}
	if err := eng.PauseCampaign(ctx, campaignID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	// The v1-bound enrollment must not advance while the campaign is paused.
	if err := eng.Tick(ctx, clock.Now()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if sender.Attempts() != 0 {
		t.Fatalf("expected no sends for a paused campaign, got %d", sender.Attempts())
	}

	if err := eng.ResumeCampaign(ctx, campaignID); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if err := eng.Tick(ctx, clock.Now()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if got := sender.Sent(); len(got) != 1 || got[0] != "email/v1-content" {
		t.Fatalf("expected the bound v1 send after resume, got %v", got)
	}
}

// TestWaitActionRecordsWaitStep pins wait_started to the wait step's own
// index so the analytics funnel attributes it correctly.
func TestWaitActionRecordsWaitStep(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	eng := newTestEngine(t, store, &MockSender{}, clock)

	campaignID, _, err := eng.PublishCampaign(ctx, welcomeDefinition())
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := eng.Enroll(ctx, campaignID, "lead-1"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	if err := eng.Tick(ctx, clock.Now()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	entries, err := store.ListActions(ctx, campaignID)
	if err != nil {
		t.Fatalf("list actions failed: %v", err)
	}
	found := false
	for _, entry := range entries {
		if entry.Action != types.ActionWaitStarted {
			continue
		}
		found = true
		if entry.StepIndex != 1 {
			t.Fatalf("expected wait_started at the wait step (1), got %d", entry.StepIndex)
		}
	}
	if !found {
		t.Fatal("expected a wait_started entry")
	}
}

// seqRecorder collects the sequence numbers of action entries it receives.
type seqRecorder struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *seqRecorder) Handle(ctx context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.Entry != nil {
		r.seqs = append(r.seqs, event.Entry.Seq)
	}
	return nil
}

func (r *seqRecorder) Seqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.seqs))
	copy(out, r.seqs)
	return out
}

// TestActionEventsArriveInAppendOrder verifies bus subscribers observe
// action entries in exactly the order they were written to the log, so the
// live aggregate matches a replay.
func TestActionEventsArriveInAppendOrder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	eng := newTestEngine(t, store, &MockSender{}, clock)

	rec := &seqRecorder{}
	eng.Bus().Subscribe(events.TopicAction, rec)

	campaignID, _, err := eng.PublishCampaign(ctx, welcomeDefinition())
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := eng.Enroll(ctx, campaignID, "lead-1"); err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	if err := eng.Tick(ctx, clock.Now()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if err := eng.Tick(ctx, clock.Advance(2*24*time.Hour)); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	entries, err := store.ListActions(ctx, campaignID)
	if err != nil {
		t.Fatalf("list actions failed: %v", err)
	}
	want := make([]uint64, len(entries))
	for i, entry := range entries {
		want[i] = entry.Seq
	}

	// The bus delivers asynchronously; wait for it to drain.
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Seqs()) < len(want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := rec.Seqs()
	if len(got) != len(want) {
		t.Fatalf("expected %d delivered entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected delivery order %v, got %v", want, got)
		}
	}
}

// TestFireTriggerInactivity covers reactivation-style triggers: the trigger
// only matches targets with no engagement over the trailing window.
func TestFireTriggerInactivity(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	eng := newTestEngine(t, store, &MockSender{}, clock)

	def := welcomeDefinition()
	def.Name = "Win-back"
	def.Type = types.TypeReactivation
	def.Triggers = []types.Trigger{{Event: "reactivation_scan", InactiveDays: 30}}
	campaignID, _, err := eng.PublishCampaign(ctx, def)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	recordEngagement(t, store, "lead-recent", "email_opened", testEpoch.Add(-2*24*time.Hour))
	recordEngagement(t, store, "lead-stale", "email_opened", testEpoch.Add(-45*24*time.Hour))

	for _, target := range []string{"lead-recent", "lead-stale", "lead-silent"} {
		if err := eng.FireTrigger(ctx, "reactivation_scan", target); err != nil {
			t.Fatalf("fire trigger for %s failed: %v", target, err)
		}
	}

	if _, err := eng.GetEnrollment(ctx, campaignID, "lead-recent"); !errors.Is(err, storage.ErrEnrollmentNotFound) {
		t.Errorf("expected recently engaged target to be skipped, got %v", err)
	}
	if _, err := eng.GetEnrollment(ctx, campaignID, "lead-stale"); err != nil {
		t.Errorf("expected stale target enrolled: %v", err)
	}
	if _, err := eng.GetEnrollment(ctx, campaignID, "lead-silent"); err != nil {
		t.Errorf("expected silent target enrolled: %v", err)
	}
}

// TestConcurrentTicks hammers one waiting cohort with parallel ticks and
// verifies the per-enrollment locking prevents double sends.
func TestConcurrentTicks(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	clock := newFakeClock(testEpoch)
	sender := &MockSender{}
	eng := newTestEngine(t, store, sender, clock, WithWorkers(8))

	def := types.CampaignDefinition{
		Name:  "One Send",
		Type:  types.TypeCustom,
		Steps: []types.StepDefinition{{Kind: types.StepSend, Channel: types.ChannelEmail, ContentRef: "once"}},
	}
	campaignID, _, err := eng.PublishCampaign(ctx, def)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := eng.Enroll(ctx, campaignID, fmt.Sprintf("lead-%d", i)); err != nil {
			t.Fatalf("enroll %d failed: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = eng.Tick(ctx, clock.Now())
		}()
	}
	wg.Wait()

	if got := len(sender.Sent()); got != 20 {
		t.Fatalf("expected exactly 20 sends across concurrent ticks, got %d", got)
	}
}
