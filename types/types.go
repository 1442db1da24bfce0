package types

import (
	"time"

	"github.com/google/uuid"
)

// Campaign status constants.
const (
	CampaignDraft    = "draft"
	CampaignActive   = "active"
	CampaignPaused   = "paused"
	CampaignArchived = "archived"
)

// Campaign type constants.
const (
	TypeNurture      = "nurture"
	TypeReactivation = "reactivation"
	TypeCustom       = "custom"
)

// Step kind constants.
const (
	StepSend   = "send"
	StepWait   = "wait"
	StepBranch = "branch"
	StepTask   = "task"
)

// Delivery channel constants.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelCall  = "call"
)

// Wait duration units.
const (
	UnitSeconds = "seconds"
	UnitMinutes = "minutes"
	UnitHours   = "hours"
	UnitDays    = "days"
)

// CampaignDefinition is an immutable, versioned campaign. Editing a
// published campaign produces a new version; in-flight enrollments keep
// running against the version they were bound to at enrollment time.
type CampaignDefinition struct {
	ID        uuid.UUID        `json:"id"`
	Version   int              `json:"version"`
	Name      string           `json:"name"`
	Type      string           `json:"type"` // "nurture", "reactivation", "custom"
	Steps     []StepDefinition `json:"steps"`
	Triggers  []Trigger        `json:"triggers"`
	Status    string           `json:"status"` // "draft", "active", "paused", "archived"
	CreatedAt time.Time        `json:"created_at"`
}

// Trigger is an entry condition that enrolls a target when it fires.
type Trigger struct {
	Event        string `json:"event"` // e.g. "lead_created", "application_started"
	InactiveDays int    `json:"inactive_days,omitempty"`
}

// StepDefinition is one unit of campaign behavior. Kind selects the variant;
// only the fields for that variant are meaningful.
type StepDefinition struct {
	Kind string `json:"kind"` // "send", "wait", "branch", "task"

	// send
	Channel    string `json:"channel,omitempty"`
	ContentRef string `json:"content_ref,omitempty"`
	SubjectRef string `json:"subject_ref,omitempty"`

	// wait
	Duration Duration `json:"duration,omitempty"`

	// branch
	Condition *Condition `json:"condition,omitempty"`
	OnTrue    int        `json:"on_true,omitempty"`
	OnFalse   int        `json:"on_false,omitempty"`
	// When set, a false condition parks the enrollment until a matching
	// event arrives or the window elapses, instead of branching immediately.
	WaitForEventSeconds int64 `json:"wait_for_event_seconds,omitempty"`

	// task
	AssigneeRole   string `json:"assignee_role,omitempty"`
	Description    string `json:"description,omitempty"`
	TimeoutSeconds int64  `json:"timeout_seconds,omitempty"`
	OnTimeout      string `json:"on_timeout,omitempty"` // "resolve" (default) or "fail"
}

// Duration is a wait length in campaign-author units.
type Duration struct {
	Value int64  `json:"value"`
	Unit  string `json:"unit"`
}

// Std converts the author-facing duration to a time.Duration.
func (d Duration) Std() time.Duration {
	switch d.Unit {
	case UnitMinutes:
		return time.Duration(d.Value) * time.Minute
	case UnitHours:
		return time.Duration(d.Value) * time.Hour
	case UnitDays:
		return time.Duration(d.Value) * 24 * time.Hour
	default:
		return time.Duration(d.Value) * time.Second
	}
}

// Condition kind constants.
const (
	CondEventWithin   = "event_within"
	CondNoEventWithin = "no_event_within"
	CondAnd           = "and"
	CondOr            = "or"
	CondNot           = "not"
)

// Condition is a recursive branch condition: either a primitive over the
// target's engagement log ("event X occurred within window W" or its
// negation) or a boolean composition of child conditions.
type Condition struct {
	Kind          string      `json:"kind"`
	EventType     string      `json:"event_type,omitempty"`
	WindowSeconds int64       `json:"window_seconds,omitempty"`
	Children      []Condition `json:"children,omitempty"`
}

// References reports whether the condition tree mentions the given event
// type anywhere. Event Ingest uses it to decide which parked enrollments an
// incoming event could unblock.
func (c *Condition) References(eventType string) bool {
	if c == nil {
		return false
	}
	if c.EventType == eventType {
		return true
	}
	for i := range c.Children {
		if c.Children[i].References(eventType) {
			return true
		}
	}
	return false
}
