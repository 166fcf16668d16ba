package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCondition_Evaluate_Comparisons(t *testing.T) {
	data := map[string]any{
		"amount": float64(150),
		"status": "approved",
		"user": map[string]any{
			"name": "ada",
			"age":  float64(36),
		},
	}

	tests := []struct {
		name      string
		condition *Condition
		expected  bool
	}{
		{"eq string", &Condition{Field: "status", Op: "eq", Value: "approved"}, true},
		{"ne string", &Condition{Field: "status", Op: "ne", Value: "rejected"}, true},
		{"gt", &Condition{Field: "amount", Op: "gt", Value: 100}, true},
		{"gte boundary", &Condition{Field: "amount", Op: "gte", Value: 150}, true},
		{"lt false", &Condition{Field: "amount", Op: "lt", Value: 100}, false},
		{"lte boundary", &Condition{Field: "amount", Op: "lte", Value: 150}, true},
		{"exists present", &Condition{Field: "status", Op: "exists"}, true},
		{"exists missing", &Condition{Field: "missing", Op: "exists"}, false},
		{"contains", &Condition{Field: "status", Op: "contains", Value: "rov"}, true},
		{"dotted path", &Condition{Field: "user.name", Op: "eq", Value: "ada"}, true},
		{"dotted path numeric", &Condition{Field: "user.age", Op: "gte", Value: 18}, true},
		{"missing field compares false", &Condition{Field: "missing", Op: "eq", Value: "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.condition.Evaluate(data)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestCondition_Evaluate_NumericCoercion(t *testing.T) {
	// JSON decoding produces float64; Go callers supply int. Both sides
	// must compare equal.
	data := map[string]any{"count": float64(3)}

	result, err := (&Condition{Field: "count", Op: "eq", Value: 3}).Evaluate(data)
	require.NoError(t, err)
	assert.True(t, result)

	result, err = (&Condition{Field: "count", Op: "eq", Value: int64(3)}).Evaluate(data)
	require.NoError(t, err)
	assert.True(t, result)
}

func TestCondition_Evaluate_Combinators(t *testing.T) {
	data := map[string]any{"amount": float64(150), "status": "approved"}

	all := &Condition{All: []*Condition{
		{Field: "amount", Op: "gt", Value: 100},
		{Field: "status", Op: "eq", Value: "approved"},
	}}

	result, err := all.Evaluate(data)
	require.NoError(t, err)
	assert.True(t, result)

	anyOf := &Condition{Any: []*Condition{
		{Field: "amount", Op: "lt", Value: 10},
		{Field: "status", Op: "eq", Value: "approved"},
	}}

	result, err = anyOf.Evaluate(data)
	require.NoError(t, err)
	assert.True(t, result)

	not := &Condition{Not: &Condition{Field: "status", Op: "eq", Value: "rejected"}}

	result, err = not.Evaluate(data)
	require.NoError(t, err)
	assert.True(t, result)
}

func TestCondition_Evaluate_TypeMismatch(t *testing.T) {
	data := map[string]any{"status": "approved"}

	_, err := (&Condition{Field: "status", Op: "gt", Value: 10}).Evaluate(data)
	require.Error(t, err)

	_, err = (&Condition{Field: "status", Op: "contains", Value: 10}).Evaluate(data)
	require.Error(t, err)
}

func TestCondition_Evaluate_NonComparableOperands(t *testing.T) {
	data := map[string]any{
		"tags": []any{"a", "b"},
		"meta": map[string]any{"k": "v"},
	}

	tests := []struct {
		name      string
		condition *Condition
	}{
		{"eq array field", &Condition{Field: "tags", Op: "eq", Value: []any{"a", "b"}}},
		{"eq object field", &Condition{Field: "meta", Op: "eq", Value: "x"}},
		{"eq array literal", &Condition{Field: "meta.k", Op: "eq", Value: []any{"x"}}},
		{"ne object field", &Condition{Field: "meta", Op: "ne", Value: map[string]any{"k": "v"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.condition.Evaluate(data)
			require.Error(t, err)
			assert.False(t, result)
		})
	}
}

func TestCondition_Validate(t *testing.T) {
	require.NoError(t, (&Condition{Field: "x", Op: "eq", Value: 1}).Validate())
	require.NoError(t, (&Condition{Not: &Condition{Field: "x", Op: "exists"}}).Validate())

	assert.Error(t, (&Condition{}).Validate())
	assert.Error(t, (&Condition{Field: "x", Op: "matches", Value: "y"}).Validate())
	assert.Error(t, (&Condition{All: []*Condition{{Field: "x", Op: "nope"}}}).Validate())
}
