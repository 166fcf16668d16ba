// Package models provides declarative guard evaluation for condition edges.
package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Condition is a restricted, non-Turing-complete boolean expression over run
// data. Exactly one of All, Any, Not or Field must be set. Field supports
// dotted paths into nested maps.
type Condition struct {
	All   []*Condition `json:"all,omitempty"`
	Any   []*Condition `json:"any,omitempty"`
	Not   *Condition   `json:"not,omitempty"`
	Field string       `json:"field,omitempty"`
	Op    string       `json:"op,omitempty"` // eq, ne, gt, gte, lt, lte, exists, contains
	Value any          `json:"value,omitempty"`
}

var errEmptyCondition = errors.New("condition has no clauses")

// Validate checks the condition is structurally sound without evaluating it.
func (c *Condition) Validate() error {
	switch {
	case len(c.All) > 0:
		for _, sub := range c.All {
			if err := sub.Validate(); err != nil {
				return err
			}
		}

		return nil
	case len(c.Any) > 0:
		for _, sub := range c.Any {
			if err := sub.Validate(); err != nil {
				return err
			}
		}

		return nil
	case c.Not != nil:
		return c.Not.Validate()
	case c.Field != "":
		switch c.Op {
		case "eq", "ne", "gt", "gte", "lt", "lte", "exists", "contains":
			return nil
		default:
			return fmt.Errorf("unknown operator %q for field %q", c.Op, c.Field)
		}
	default:
		return errEmptyCondition
	}
}

// Evaluate resolves the condition against run data. It is side-effect-free.
func (c *Condition) Evaluate(data map[string]any) (bool, error) {
	switch {
	case len(c.All) > 0:
		for _, sub := range c.All {
			ok, err := sub.Evaluate(data)
			if err != nil || !ok {
				return false, err
			}
		}

		return true, nil
	case len(c.Any) > 0:
		for _, sub := range c.Any {
			ok, err := sub.Evaluate(data)
			if err != nil {
				return false, err
			}

			if ok {
				return true, nil
			}
		}

		return false, nil
	case c.Not != nil:
		ok, err := c.Not.Evaluate(data)

		return !ok, err
	case c.Field != "":
		return c.evaluateComparison(data)
	default:
		return false, errEmptyCondition
	}
}

func (c *Condition) evaluateComparison(data map[string]any) (bool, error) {
	value, found := lookupField(data, c.Field)

	if c.Op == "exists" {
		return found, nil
	}

	if !found {
		return false, nil
	}

	switch c.Op {
	case "eq":
		return looseEqual(value, c.Value, c.Field)
	case "ne":
		equal, err := looseEqual(value, c.Value, c.Field)
		if err != nil {
			return false, err
		}

		return !equal, nil
	case "gt", "gte", "lt", "lte":
		left, okL := toFloat(value)
		right, okR := toFloat(c.Value)

		if !okL || !okR {
			return false, fmt.Errorf("cannot compare %T with %T on field %q", value, c.Value, c.Field)
		}

		switch c.Op {
		case "gt":
			return left > right, nil
		case "gte":
			return left >= right, nil
		case "lt":
			return left < right, nil
		default:
			return left <= right, nil
		}
	case "contains":
		haystack, okH := value.(string)
		needle, okN := c.Value.(string)

		if !okH || !okN {
			return false, fmt.Errorf("contains requires strings on field %q, got %T", c.Field, value)
		}

		return strings.Contains(haystack, needle), nil
	default:
		return false, fmt.Errorf("unknown operator %q for field %q", c.Op, c.Field)
	}
}

func lookupField(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")

	var current any = data

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// looseEqual compares values with numeric coercion so that a JSON-decoded
// float64(3) equals an int(3) supplied from Go code. Arrays and objects are
// rejected rather than compared, since comparing them on interface values
// would panic.
func looseEqual(a, b any, field string) (bool, error) {
	if fa, ok := toFloat(a); ok {
		if fb, okB := toFloat(b); okB {
			return fa == fb, nil
		}

		return false, nil
	}

	if !isComparable(a) || !isComparable(b) {
		return false, fmt.Errorf("cannot test equality of %T with %T on field %q", a, b, field)
	}

	return a == b, nil
}

func isComparable(v any) bool {
	return v == nil || reflect.TypeOf(v).Comparable()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
