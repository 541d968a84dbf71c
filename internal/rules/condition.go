// Package rules evaluates workflow trigger rules against entities and selects
// the template that governs a new workflow.
package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pitabwire/pmisflow/model"
)

// Evaluate applies the condition to the entity. A missing field, a value that
// cannot be coerced, or an unknown operator all yield false.
func Evaluate(c model.Condition, entity model.Entity) bool {
	if entity == nil || len(c.Field) == 0 {
		return false
	}
	v, ok := entity.Lookup(c.Field)
	if !ok {
		return false
	}

	switch c.Op {
	case model.OpGT, model.OpGTE, model.OpLT, model.OpLTE:
		left, ok := toFloat(v)
		if !ok {
			return false
		}
		right, err := strconv.ParseFloat(strings.TrimSpace(string(c.Value)), 64)
		if err != nil {
			return false
		}
		return compareFloat(c.Op, left, right)
	case model.OpEQ:
		s, ok := toString(v)
		return ok && s == string(c.Value)
	case model.OpNEQ:
		s, ok := toString(v)
		return ok && s != string(c.Value)
	case model.OpIn:
		s, ok := toString(v)
		return ok && contains(c.Value.List(), s)
	case model.OpNotIn:
		s, ok := toString(v)
		return ok && !contains(c.Value.List(), s)
	case model.OpContains:
		return containsValue(v, string(c.Value))
	default:
		return false
	}
}

func compareFloat(op model.Operator, left, right float64) bool {
	switch op {
	case model.OpGT:
		return left > right
	case model.OpGTE:
		return left >= right
	case model.OpLT:
		return left < right
	case model.OpLTE:
		return left <= right
	}
	return false
}

// toFloat coerces numeric values and numeric strings.
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
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toString renders scalar values the way they would be written in a rule's
// configured value. Composite values do not coerce.
func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case json.Number:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32), true
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(s), true
	default:
		return "", false
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// containsValue tests element membership for lists and substring containment
// for scalars.
func containsValue(v any, needle string) bool {
	if list, ok := v.([]any); ok {
		for _, item := range list {
			if s, ok := toString(item); ok && s == needle {
				return true
			}
		}
		return false
	}
	s, ok := toString(v)
	return ok && strings.Contains(s, needle)
}
