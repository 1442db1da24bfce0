package types

import (
	"errors"
	"fmt"
)

var (
	ErrNoSteps          = errors.New("campaign must have at least one step")
	ErrUnknownStepKind  = errors.New("unknown step kind")
	ErrBranchOutOfRange = errors.New("branch target out of range")
	ErrBadCondition     = errors.New("malformed branch condition")
)

// Validate checks a definition's step graph. It is called at publish time;
// a definition that passes never produces a structural error during
// execution.
func (d *CampaignDefinition) Validate() error {
	if len(d.Steps) == 0 {
		return ErrNoSteps
	}
	switch d.Type {
	case TypeNurture, TypeReactivation, TypeCustom:
	default:
		return fmt.Errorf("unknown campaign type %q", d.Type)
	}
	for i, step := range d.Steps {
		if err := validateStep(i, step, len(d.Steps)); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step StepDefinition, total int) error {
	switch step.Kind {
	case StepSend:
		switch step.Channel {
		case ChannelEmail, ChannelSMS, ChannelCall:
		default:
			return fmt.Errorf("step %d: unknown channel %q", index, step.Channel)
		}
		if step.ContentRef == "" {
			return fmt.Errorf("step %d: missing content reference", index)
		}
	case StepWait:
		if step.Duration.Value <= 0 {
			return fmt.Errorf("step %d: wait duration must be positive", index)
		}
		switch step.Duration.Unit {
		case UnitSeconds, UnitMinutes, UnitHours, UnitDays:
		default:
			return fmt.Errorf("step %d: unknown duration unit %q", index, step.Duration.Unit)
		}
	case StepBranch:
		if step.OnTrue < 0 || step.OnTrue >= total || step.OnFalse < 0 || step.OnFalse >= total {
			return fmt.Errorf("%w: step %d targets (%d, %d), have %d steps",
				ErrBranchOutOfRange, index, step.OnTrue, step.OnFalse, total)
		}
		if err := ValidateCondition(step.Condition); err != nil {
			return fmt.Errorf("step %d: %w", index, err)
		}
	case StepTask:
		if step.AssigneeRole == "" {
			return fmt.Errorf("step %d: task requires an assignee role", index)
		}
		switch step.OnTimeout {
		case "", "resolve", "fail":
		default:
			return fmt.Errorf("step %d: unknown on_timeout %q", index, step.OnTimeout)
		}
	default:
		return fmt.Errorf("%w: step %d kind %q", ErrUnknownStepKind, index, step.Kind)
	}
	return nil
}

// ValidateCondition checks a condition tree for structural soundness.
func ValidateCondition(c *Condition) error {
	if c == nil {
		return fmt.Errorf("%w: condition is nil", ErrBadCondition)
	}
	switch c.Kind {
	case CondEventWithin, CondNoEventWithin:
		if c.EventType == "" {
			return fmt.Errorf("%w: primitive without event type", ErrBadCondition)
		}
		if c.WindowSeconds <= 0 {
			return fmt.Errorf("%w: window must be positive", ErrBadCondition)
		}
	case CondAnd, CondOr:
		if len(c.Children) < 2 {
			return fmt.Errorf("%w: %s needs at least two children", ErrBadCondition, c.Kind)
		}
		for i := range c.Children {
			if err := ValidateCondition(&c.Children[i]); err != nil {
				return err
			}
		}
	case CondNot:
		if len(c.Children) != 1 {
			return fmt.Errorf("%w: not needs exactly one child", ErrBadCondition)
		}
		return ValidateCondition(&c.Children[0])
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadCondition, c.Kind)
	}
	return nil
}
