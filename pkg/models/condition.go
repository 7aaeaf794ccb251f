package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ConditionOp is a comparison operator usable in guard conditions.
type ConditionOp string

const (
	ConditionOpEq      ConditionOp = "eq"
	ConditionOpNe      ConditionOp = "ne"
	ConditionOpGt      ConditionOp = "gt"
	ConditionOpGe      ConditionOp = "ge"
	ConditionOpLt      ConditionOp = "lt"
	ConditionOpLe      ConditionOp = "le"
	ConditionOpLike    ConditionOp = "like"
	ConditionOpNotLike ConditionOp = "not_like"
	ConditionOpIn      ConditionOp = "in"
	ConditionOpNotIn   ConditionOp = "not_in"
	ConditionOpBetween ConditionOp = "between"
)

// Condition is one comparison of an instance variable against literal values.
// Values holds one operand for scalar operators, any number for in/not_in and
// exactly two for between.
type Condition struct {
	Field  string      `json:"field"  validate:"required"`
	Op     ConditionOp `json:"op"     validate:"required"`
	Values []any       `json:"values"`
}

// ConditionGroups is an OR of AND-groups: the outer slice matches when any
// inner slice has all of its conditions satisfied.
type ConditionGroups [][]Condition

// Eval evaluates the groups against the given variable set. Empty groups
// match everything.
func (g ConditionGroups) Eval(vars map[string]any) bool {
	if len(g) == 0 {
		return true
	}

	for _, group := range g {
		if evalGroup(group, vars) {
			return true
		}
	}

	return false
}

func evalGroup(group []Condition, vars map[string]any) bool {
	for _, cond := range group {
		if !cond.Eval(vars) {
			return false
		}
	}

	return len(group) > 0
}

// Eval evaluates a single condition. Missing fields, null operands and
// malformed operand arities all evaluate to false.
func (c Condition) Eval(vars map[string]any) bool {
	current, ok := vars[c.Field]
	if !ok || isNullish(current) {
		return false
	}

	switch c.Op {
	case ConditionOpEq:
		return len(c.Values) == 1 && compareEq(current, c.Values[0])
	case ConditionOpNe:
		return len(c.Values) == 1 && !isNullish(c.Values[0]) && !compareEq(current, c.Values[0])
	case ConditionOpGt, ConditionOpGe, ConditionOpLt, ConditionOpLe:
		if len(c.Values) != 1 {
			return false
		}

		return compareOrder(c.Op, current, c.Values[0])
	case ConditionOpLike:
		return len(c.Values) == 1 && containsString(current, c.Values[0])
	case ConditionOpNotLike:
		return len(c.Values) == 1 && !isNullish(c.Values[0]) && !containsString(current, c.Values[0])
	case ConditionOpIn:
		return containsValue(c.Values, current)
	case ConditionOpNotIn:
		return len(c.Values) > 0 && !containsValue(c.Values, current)
	case ConditionOpBetween:
		// Between requires exactly two bounds; any other arity never matches.
		if len(c.Values) != 2 {
			return false
		}

		return compareOrder(ConditionOpGe, current, c.Values[0]) &&
			compareOrder(ConditionOpLe, current, c.Values[1])
	default:
		return false
	}
}

// Validate rejects structurally malformed conditions up front so bad guard
// configurations fail at write time instead of silently never matching.
func (c Condition) Validate() error {
	switch c.Op {
	case ConditionOpEq, ConditionOpNe, ConditionOpGt, ConditionOpGe,
		ConditionOpLt, ConditionOpLe, ConditionOpLike, ConditionOpNotLike:
		if len(c.Values) != 1 {
			return fmt.Errorf("operator %s requires exactly one operand, got %d", c.Op, len(c.Values))
		}
	case ConditionOpIn, ConditionOpNotIn:
		if len(c.Values) == 0 {
			return fmt.Errorf("operator %s requires at least one operand", c.Op)
		}
	case ConditionOpBetween:
		if len(c.Values) != 2 {
			return fmt.Errorf("operator between requires exactly two operands, got %d", len(c.Values))
		}
	default:
		return fmt.Errorf("unknown condition operator: %s", c.Op)
	}

	if c.Field == "" {
		return fmt.Errorf("condition field is required")
	}

	return nil
}

func isNullish(v any) bool {
	if v == nil {
		return true
	}

	if s, ok := v.(string); ok {
		return s == "" || s == "null"
	}

	return false
}

func compareEq(a, b any) bool {
	if isNullish(b) {
		return false
	}

	if fa, fb, ok := bothNumeric(a, b); ok {
		return fa == fb
	}

	return stringify(a) == stringify(b)
}

func compareOrder(op ConditionOp, a, b any) bool {
	if isNullish(b) {
		return false
	}

	fa, fb, ok := bothNumeric(a, b)
	if !ok {
		// Ordering comparisons fall back to lexicographic strings.
		sa, sb := stringify(a), stringify(b)
		switch op {
		case ConditionOpGt:
			return sa > sb
		case ConditionOpGe:
			return sa >= sb
		case ConditionOpLt:
			return sa < sb
		case ConditionOpLe:
			return sa <= sb
		}

		return false
	}

	switch op {
	case ConditionOpGt:
		return fa > fb
	case ConditionOpGe:
		return fa >= fb
	case ConditionOpLt:
		return fa < fb
	case ConditionOpLe:
		return fa <= fb
	}

	return false
}

func containsString(a, b any) bool {
	if isNullish(b) {
		return false
	}

	return strings.Contains(stringify(a), stringify(b))
}

func containsValue(values []any, current any) bool {
	for _, v := range values {
		if compareEq(current, v) {
			return true
		}
	}

	return false
}

func bothNumeric(a, b any) (float64, float64, bool) {
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)

	return fa, fb, oka && okb
}

func toFloat(v any) (float64, bool) {
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
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)

		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprintf("%v", v)
}
