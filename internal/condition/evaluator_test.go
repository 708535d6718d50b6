package condition

import (
	"testing"

	"github.com/aviisi/virta/pkg/api"
)

func TestEvaluateSimpleOperators(t *testing.T) {
	data := map[string]any{
		"amount":   float64(150),
		"status":   "open",
		"tags":     []any{"urgent", "finance"},
		"note":     "",
		"customer": map[string]any{"tier": "gold"},
	}

	cases := []struct {
		name string
		cond api.Condition
		want bool
	}{
		{"equals", api.Condition{Field: "status", Operator: api.OpEquals, Value: "open"}, true},
		{"equals numeric cross-type", api.Condition{Field: "amount", Operator: api.OpEquals, Value: 150}, true},
		{"not_equals", api.Condition{Field: "status", Operator: api.OpNotEquals, Value: "closed"}, true},
		{"greater_than", api.Condition{Field: "amount", Operator: api.OpGreaterThan, Value: float64(100)}, true},
		{"greater_than false", api.Condition{Field: "amount", Operator: api.OpGreaterThan, Value: float64(200)}, false},
		{"less_or_equal", api.Condition{Field: "amount", Operator: api.OpLessOrEqual, Value: float64(150)}, true},
		{"contains list", api.Condition{Field: "tags", Operator: api.OpContains, Value: "urgent"}, true},
		{"contains string", api.Condition{Field: "status", Operator: api.OpContains, Value: "pe"}, true},
		{"starts_with", api.Condition{Field: "status", Operator: api.OpStartsWith, Value: "op"}, true},
		{"ends_with", api.Condition{Field: "status", Operator: api.OpEndsWith, Value: "en"}, true},
		{"in", api.Condition{Field: "status", Operator: api.OpIn, Value: []any{"open", "closed"}}, true},
		{"not_in", api.Condition{Field: "status", Operator: api.OpNotIn, Value: []any{"closed"}}, true},
		{"is_empty", api.Condition{Field: "note", Operator: api.OpIsEmpty}, true},
		{"is_not_empty", api.Condition{Field: "status", Operator: api.OpIsNotEmpty}, true},
		{"matches_regex", api.Condition{Field: "status", Operator: api.OpMatchesRegex, Value: "^o.+n$"}, true},
		{"dotted path", api.Condition{Field: "customer.tier", Operator: api.OpEquals, Value: "gold"}, true},
	}

	eval := New(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := eval.Evaluate(&tc.cond, data); got != tc.want {
				t.Fatalf("Evaluate(%+v) = %v, want %v", tc.cond, got, tc.want)
			}
		})
	}
}

func TestEvaluateMissingFieldIsFalse(t *testing.T) {
	eval := New(nil)
	cond := &api.Condition{Field: "nope", Operator: api.OpEquals, Value: "x"}
	if eval.Evaluate(cond, map[string]any{"other": 1}) {
		t.Fatal("missing field must never satisfy a condition")
	}

	// is_empty also requires the field to resolve.
	cond = &api.Condition{Field: "nope", Operator: api.OpIsEmpty}
	if eval.Evaluate(cond, map[string]any{}) {
		t.Fatal("is_empty on a missing field must be false")
	}
}

func TestEvaluateNoStringNumberCoercion(t *testing.T) {
	eval := New(nil)
	data := map[string]any{"amount": "50"}

	cond := &api.Condition{Field: "amount", Operator: api.OpGreaterThan, Value: float64(100)}
	if eval.Evaluate(cond, data) {
		t.Fatal(`{"amount": "50"} must not be greater than 100`)
	}
	cond = &api.Condition{Field: "amount", Operator: api.OpLessThan, Value: float64(100)}
	if eval.Evaluate(cond, data) {
		t.Fatal("string fields must not compare against numeric values at all")
	}
}

func TestEvaluateComposite(t *testing.T) {
	eval := New(nil)
	data := map[string]any{"amount": float64(150), "status": "open"}

	and := &api.Condition{
		Logic: api.LogicAnd,
		Conditions: []api.Condition{
			{Field: "amount", Operator: api.OpGreaterThan, Value: float64(100)},
			{Field: "status", Operator: api.OpEquals, Value: "open"},
		},
	}
	if !eval.Evaluate(and, data) {
		t.Fatal("AND of two true conditions must hold")
	}

	or := &api.Condition{
		Logic: api.LogicOr,
		Conditions: []api.Condition{
			{Field: "amount", Operator: api.OpGreaterThan, Value: float64(1000)},
			{Field: "status", Operator: api.OpEquals, Value: "open"},
		},
	}
	if !eval.Evaluate(or, data) {
		t.Fatal("OR with one true branch must hold")
	}

	not := &api.Condition{
		Logic: api.LogicNot,
		Conditions: []api.Condition{
			{Field: "status", Operator: api.OpEquals, Value: "closed"},
		},
	}
	if !eval.Evaluate(not, data) {
		t.Fatal("NOT of a false condition must hold")
	}

	nested := &api.Condition{
		Logic: api.LogicAnd,
		Conditions: []api.Condition{
			*or,
			*not,
		},
	}
	if !eval.Evaluate(nested, data) {
		t.Fatal("nested composite must hold")
	}
}

func TestEvaluateNilConditionIsTrue(t *testing.T) {
	if !New(nil).Evaluate(nil, nil) {
		t.Fatal("nil condition must be unconditionally true")
	}
}

func TestEvaluateErrorsYieldFalse(t *testing.T) {
	eval := New(nil)
	data := map[string]any{"x": float64(1)}

	bad := &api.Condition{Field: "x", Operator: "unknown_op", Value: 1}
	if eval.Evaluate(bad, data) {
		t.Fatal("unknown operator must evaluate false, not panic or pass")
	}

	badNot := &api.Condition{Logic: api.LogicNot}
	if eval.Evaluate(badNot, data) {
		t.Fatal("NOT without sub-conditions must evaluate false")
	}

	badExpr := &api.Condition{Expr: "x >"}
	if eval.Evaluate(badExpr, data) {
		t.Fatal("invalid expression must evaluate false")
	}
}

func TestEvaluateScriptCondition(t *testing.T) {
	eval := New(nil)
	data := map[string]any{"amount": float64(150), "items": []any{"a", "b"}}

	cond := &api.Condition{Expr: `amount > 100 && len(items) == 2`}
	if !eval.Evaluate(cond, data) {
		t.Fatal("script condition should hold")
	}
}

func TestLookupPath(t *testing.T) {
	data := map[string]any{
		"order": map[string]any{
			"customer": map[string]any{"id": "c-1"},
			"total":    float64(99),
		},
	}

	v, ok := LookupPath(data, "order.customer.id")
	if !ok || v != "c-1" {
		t.Fatalf("LookupPath(order.customer.id) = %v, %v", v, ok)
	}
	if _, ok := LookupPath(data, "order.missing"); ok {
		t.Fatal("missing leaf must not resolve")
	}
	if _, ok := LookupPath(data, "order.total.beyond"); ok {
		t.Fatal("path through a scalar must not resolve")
	}
	if _, ok := LookupPath(data, ""); ok {
		t.Fatal("empty path must not resolve")
	}
}
