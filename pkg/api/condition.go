package api

// Operator is a comparison operator usable in simple conditions.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpContains       Operator = "contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpIsEmpty        Operator = "is_empty"
	OpIsNotEmpty     Operator = "is_not_empty"
	OpMatchesRegex   Operator = "matches_regex"
)

var operators = map[Operator]bool{
	OpEquals:         true,
	OpNotEquals:      true,
	OpGreaterThan:    true,
	OpLessThan:       true,
	OpGreaterOrEqual: true,
	OpLessOrEqual:    true,
	OpContains:       true,
	OpStartsWith:     true,
	OpEndsWith:       true,
	OpIn:             true,
	OpNotIn:          true,
	OpIsEmpty:        true,
	OpIsNotEmpty:     true,
	OpMatchesRegex:   true,
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	return operators[o]
}

// LogicOp combines sub-conditions in a composite condition.
type LogicOp string

const (
	LogicAnd LogicOp = "AND"
	LogicOr  LogicOp = "OR"
	LogicNot LogicOp = "NOT"
)

// ConditionKind classifies a condition by which fields are populated.
type ConditionKind string

const (
	// CondSimple compares a single data field against a literal value.
	CondSimple ConditionKind = "simple"
	// CondComposite combines sub-conditions with AND/OR/NOT.
	CondComposite ConditionKind = "complex"
	// CondExpr evaluates a restricted expression string against the data map.
	CondExpr ConditionKind = "script"
)

// Condition guards a transition, a condition step branch, or an SLA
// escalation rule. Exactly one of the three shapes is used:
//
//   - simple:    Field + Operator (+ Value)
//   - composite: Logic + Conditions
//   - script:    Expr
//
// Evaluation is pure and deterministic; see the condition evaluator.
type Condition struct {
	Field    string   `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`

	Logic      LogicOp     `json:"logic,omitempty" yaml:"logic,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// Kind reports which condition shape c uses. Expr wins over Logic, which
// wins over simple, mirroring how definitions are authored.
func (c Condition) Kind() ConditionKind {
	if c.Expr != "" {
		return CondExpr
	}
	if c.Logic != "" {
		return CondComposite
	}
	return CondSimple
}
