package rules

import (
	"reflect"
	"strings"
)

var KnownOperators = map[Operator]bool{
	OpEquals:      true,
	OpNotEquals:   true,
	OpGreaterThan: true,
	OpLessThan:    true,
	OpContains:    true,
	OpIn:          true,
	OpNotIn:       true,
}

// Evaluate ANDs the conditions against e. An empty list is true.
func Evaluate(conditions []Condition, e Event) bool {
	for _, c := range conditions {
		if !EvaluateCondition(c, e) {
			return false
		}
	}
	return true
}

func EvaluateCondition(c Condition, e Event) bool {
	actual, ok := FieldValue(c.Field, e)
	if !ok {
		// null only satisfies an explicit equals-null check
		return c.Operator == OpEquals && c.Value == nil
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value)
	case OpNotEquals:
		return !valuesEqual(actual, c.Value)
	case OpGreaterThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	case OpContains:
		a, aok := actual.(string)
		b, bok := c.Value.(string)
		return aok && bok && strings.Contains(a, b)
	case OpIn:
		set, ok := toSlice(c.Value)
		return ok && memberOf(actual, set)
	case OpNotIn:
		set, ok := toSlice(c.Value)
		return ok && !memberOf(actual, set)
	default:
		return false
	}
}

func valuesEqual(a, b interface{}) bool {
	if b == nil {
		return a == nil
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	return reflect.DeepEqual(a, b)
}

func memberOf(v interface{}, set []interface{}) bool {
	for _, item := range set {
		if valuesEqual(v, item) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
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
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// toSlice accepts any slice kind, which covers JSON arrays and BSON primitive.A.
func toSlice(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
