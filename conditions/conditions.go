package conditions

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dwelldigitally/learnlynk-campaigns/types"
)

// Evaluator decides branch conditions against a target's engagement log.
// Implementations must be pure: the same condition, log, and instant always
// produce the same result, so decisions can be safely re-evaluated after a
// process restart.
type Evaluator interface {
	Evaluate(cond *types.Condition, log []types.EngagementEvent, now time.Time) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr. Condition trees
// are translated to expression source and compiled once; compiled programs
// are cached by source string.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate translates the condition tree, compiles it (cache hit on repeat
// evaluations of the same step), and runs it against the engagement log as
// of now. Returns an error if the tree is malformed.
func (e *ExprEvaluator) Evaluate(cond *types.Condition, log []types.EngagementEvent, now time.Time) (bool, error) {
	source, err := Source(cond)
	if err != nil {
		return false, err
	}

	env := buildEnv(log, now)

	e.mu.RLock()
	program, ok := e.cache[source]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[source]; !ok {
			program, err = expr.Compile(source, expr.Env(env), expr.AsBool())
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("failed to compile condition %q: %w", source, err)
			}
			e.cache[source] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", source, err)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean, got %T", source, result)
	}
	return boolResult, nil
}

// Source translates a condition tree into expression source. Primitives
// become calls to the occurred/absent environment functions.
func Source(c *types.Condition) (string, error) {
	if c == nil {
		return "", fmt.Errorf("%w: condition is nil", types.ErrBadCondition)
	}
	switch c.Kind {
	case types.CondEventWithin:
		return fmt.Sprintf("occurred(%q, %d)", c.EventType, c.WindowSeconds), nil
	case types.CondNoEventWithin:
		return fmt.Sprintf("absent(%q, %d)", c.EventType, c.WindowSeconds), nil
	case types.CondAnd, types.CondOr:
		if len(c.Children) < 2 {
			return "", fmt.Errorf("%w: %s needs at least two children", types.ErrBadCondition, c.Kind)
		}
		op := " && "
		if c.Kind == types.CondOr {
			op = " || "
		}
		parts := make([]string, 0, len(c.Children))
		for i := range c.Children {
			child, err := Source(&c.Children[i])
			if err != nil {
				return "", err
			}
			parts = append(parts, child)
		}
		return "(" + strings.Join(parts, op) + ")", nil
	case types.CondNot:
		if len(c.Children) != 1 {
			return "", fmt.Errorf("%w: not needs exactly one child", types.ErrBadCondition)
		}
		child, err := Source(&c.Children[0])
		if err != nil {
			return "", err
		}
		return "!(" + child + ")", nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", types.ErrBadCondition, c.Kind)
	}
}

// buildEnv exposes the engagement log to compiled programs. An event counts
// as "within the window" when it occurred in [now-window, now]; events
// timestamped after now are ignored so re-evaluation is stable.
func buildEnv(log []types.EngagementEvent, now time.Time) map[string]interface{} {
	occurred := func(eventType string, windowSeconds int) bool {
		cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)
		for i := range log {
			ev := &log[i]
			if ev.EventType != eventType {
				continue
			}
			if ev.OccurredAt.Before(cutoff) || ev.OccurredAt.After(now) {
				continue
			}
			return true
		}
		return false
	}
	return map[string]interface{}{
		"occurred": occurred,
		"absent": func(eventType string, windowSeconds int) bool {
			return !occurred(eventType, windowSeconds)
		},
	}
}
