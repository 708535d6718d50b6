// Package condition evaluates transition and escalation conditions
// against a workflow data context.
//
// Evaluation is pure and deterministic: the same condition and data always
// produce the same answer, and nothing here performs I/O. Transitions,
// condition steps, and SLA escalation rules all depend on that.
package condition

import (
	"log/slog"
	"reflect"
	"regexp"
	"strings"

	"github.com/aviisi/virta/pkg/api"
)

// Evaluator evaluates api.Condition values. Evaluation errors (bad
// operator, type mismatch, invalid expression) yield false and a warning
// log; they are never raised to the caller.
type Evaluator struct {
	logger *slog.Logger
}

// New creates an Evaluator. If logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Evaluate reports whether cond holds against data. A nil condition is
// treated as always true (unconditional transition).
func (e *Evaluator) Evaluate(cond *api.Condition, data map[string]any) bool {
	if cond == nil {
		return true
	}

	ok, err := e.eval(*cond, data)
	if err != nil {
		e.logger.Warn("condition evaluation failed",
			slog.String("kind", string(cond.Kind())),
			slog.Any("error", err),
		)
		return false
	}
	return ok
}

func (e *Evaluator) eval(c api.Condition, data map[string]any) (bool, error) {
	switch c.Kind() {
	case api.CondExpr:
		v, err := EvaluateExpr(c.Expr, data)
		if err != nil {
			return false, err
		}
		return truthy(v), nil
	case api.CondComposite:
		return e.evalComposite(c, data)
	default:
		return e.evalSimple(c, data)
	}
}

func (e *Evaluator) evalComposite(c api.Condition, data map[string]any) (bool, error) {
	switch c.Logic {
	case api.LogicAnd:
		for _, sub := range c.Conditions {
			ok, err := e.eval(sub, data)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case api.LogicOr:
		for _, sub := range c.Conditions {
			ok, err := e.eval(sub, data)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case api.LogicNot:
		if len(c.Conditions) != 1 {
			return false, api.NewValidationError("", "NOT requires exactly one sub-condition, got %d", len(c.Conditions))
		}
		ok, err := e.eval(c.Conditions[0], data)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, api.NewValidationError("", "unknown logic operator %q", c.Logic)
	}
}

func (e *Evaluator) evalSimple(c api.Condition, data map[string]any) (bool, error) {
	if !c.Operator.Valid() {
		return false, api.NewValidationError("", "unknown operator %q", c.Operator)
	}

	val, found := LookupPath(data, c.Field)
	if !found {
		// Missing field never satisfies a condition.
		return false, nil
	}

	switch c.Operator {
	case api.OpEquals:
		return looseEquals(val, c.Value), nil
	case api.OpNotEquals:
		return !looseEquals(val, c.Value), nil
	case api.OpGreaterThan, api.OpLessThan, api.OpGreaterOrEqual, api.OpLessOrEqual:
		return compareOrdered(val, c.Value, c.Operator)
	case api.OpContains:
		return containsValue(val, c.Value), nil
	case api.OpStartsWith:
		s, sok := val.(string)
		p, pok := c.Value.(string)
		return sok && pok && strings.HasPrefix(s, p), nil
	case api.OpEndsWith:
		s, sok := val.(string)
		p, pok := c.Value.(string)
		return sok && pok && strings.HasSuffix(s, p), nil
	case api.OpIn:
		return valueIn(val, c.Value), nil
	case api.OpNotIn:
		return !valueIn(val, c.Value), nil
	case api.OpIsEmpty:
		return isEmpty(val), nil
	case api.OpIsNotEmpty:
		return !isEmpty(val), nil
	case api.OpMatchesRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, api.NewValidationError("", "matches_regex requires a string pattern")
		}
		s, ok := val.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	}
	return false, api.NewValidationError("", "unhandled operator %q", c.Operator)
}

// LookupPath resolves a dotted field path ("order.total") in a nested
// data map. The second return reports whether the full path resolved.
func LookupPath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEquals compares values with numeric cross-type equality
// (int 5 == float64 5) but no string/number coercion.
func looseEquals(a, b any) bool {
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compareOrdered compares numbers, or strings lexicographically. A string
// field never compares against a numeric value: {"amount": "50"} is not
// greater than 100.
func compareOrdered(a, b any, op api.Operator) (bool, error) {
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if aok && bok {
		switch op {
		case api.OpGreaterThan:
			return an > bn, nil
		case api.OpLessThan:
			return an < bn, nil
		case api.OpGreaterOrEqual:
			return an >= bn, nil
		case api.OpLessOrEqual:
			return an <= bn, nil
		}
	}

	as, asok := a.(string)
	bs, bsok := b.(string)
	if asok && bsok {
		switch op {
		case api.OpGreaterThan:
			return as > bs, nil
		case api.OpLessThan:
			return as < bs, nil
		case api.OpGreaterOrEqual:
			return as >= bs, nil
		case api.OpLessOrEqual:
			return as <= bs, nil
		}
	}

	// Mixed types are not comparable; the condition is simply false.
	return false, nil
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, e := range h {
			if looseEquals(e, needle) {
				return true
			}
		}
	case []string:
		n, ok := needle.(string)
		if !ok {
			return false
		}
		for _, e := range h {
			if e == n {
				return true
			}
		}
	}
	return false
}

func valueIn(val, list any) bool {
	switch l := list.(type) {
	case []any:
		for _, e := range l {
			if looseEquals(val, e) {
				return true
			}
		}
	case []string:
		s, ok := val.(string)
		if !ok {
			return false
		}
		for _, e := range l {
			if e == s {
				return true
			}
		}
	case string:
		s, ok := val.(string)
		return ok && strings.Contains(l, s)
	}
	return false
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case nil:
		return false
	case float64:
		return val != 0
	case string:
		return val != ""
	}
	return false
}
