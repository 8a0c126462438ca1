package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testCtx() map[string]any {
	return map[string]any{
		"event": map[string]any{
			"type": "note.created",
			"actor": map[string]any{
				"handle": "ada",
			},
		},
		"subject": map[string]any{
			"title": "Weekly sync",
			"text":  "Please write a summary of the meeting",
			"count": float64(3),
		},
	}
}

func TestEvaluate_Equality(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"string equal", Condition{Field: "event.type", Operator: "==", Value: "note.created"}, true},
		{"string not equal", Condition{Field: "event.type", Operator: "==", Value: "note.updated"}, false},
		{"neq", Condition{Field: "event.type", Operator: "!=", Value: "note.updated"}, true},
		{"int vs float coerce equal", Condition{Field: "subject.count", Operator: "==", Value: 3}, true},
		{"string vs number coerce equal", Condition{Field: "subject.count", Operator: "==", Value: "3"}, true},
		{"missing field equals empty", Condition{Field: "subject.missing", Operator: "==", Value: ""}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.cond, testCtx()))
		})
	}
}

func TestEvaluate_NumericComparisons(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"gt", Condition{Field: "subject.count", Operator: ">", Value: 2}, true},
		{"gt false", Condition{Field: "subject.count", Operator: ">", Value: 3}, false},
		{"gte boundary", Condition{Field: "subject.count", Operator: ">=", Value: 3}, true},
		{"lt", Condition{Field: "subject.count", Operator: "<", Value: 10}, true},
		{"lte", Condition{Field: "subject.count", Operator: "<=", Value: 2.5}, false},
		{"numeric string value", Condition{Field: "subject.count", Operator: ">", Value: "2.5"}, true},
		// Non-numeric coerces to 0, so any positive number beats it.
		{"non-numeric actual is zero", Condition{Field: "subject.title", Operator: "<", Value: 1}, true},
		{"missing actual is zero", Condition{Field: "nope", Operator: ">=", Value: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.cond, testCtx()))
		})
	}
}

func TestEvaluate_Substrings(t *testing.T) {
	assert.True(t, Evaluate(Condition{Field: "subject.text", Operator: "contains", Value: "summary"}, testCtx()))
	assert.False(t, Evaluate(Condition{Field: "subject.text", Operator: "contains", Value: "deadline"}, testCtx()))
	assert.True(t, Evaluate(Condition{Field: "subject.text", Operator: "not_contains", Value: "deadline"}, testCtx()))
	// Substring check runs on string-coerced values.
	assert.True(t, Evaluate(Condition{Field: "subject.count", Operator: "contains", Value: 3}, testCtx()))
}

func TestEvaluate_Regex(t *testing.T) {
	assert.True(t, Evaluate(Condition{Field: "event.type", Operator: "matches", Value: `^note\.`}, testCtx()))
	assert.False(t, Evaluate(Condition{Field: "event.type", Operator: "matches", Value: `^decision\.`}, testCtx()))
	assert.True(t, Evaluate(Condition{Field: "event.type", Operator: "not_matches", Value: `^decision\.`}, testCtx()))
}

func TestEvaluate_InvalidRegexFailsClosed(t *testing.T) {
	// Both matches and not_matches return false on an uncompilable pattern.
	assert.False(t, Evaluate(Condition{Field: "event.type", Operator: "matches", Value: "("}, testCtx()))
	assert.False(t, Evaluate(Condition{Field: "event.type", Operator: "not_matches", Value: "("}, testCtx()))
}

func TestEvaluate_UnknownOperator(t *testing.T) {
	assert.False(t, Evaluate(Condition{Field: "event.type", Operator: "startswith", Value: "note"}, testCtx()))
}

func TestEvaluateAll(t *testing.T) {
	assert.True(t, EvaluateAll(nil, testCtx()))
	assert.True(t, EvaluateAll([]Condition{}, testCtx()))

	both := []Condition{
		{Field: "event.type", Operator: "==", Value: "note.created"},
		{Field: "subject.text", Operator: "contains", Value: "summary"},
	}
	assert.True(t, EvaluateAll(both, testCtx()))

	oneFails := append(both, Condition{Field: "subject.count", Operator: ">", Value: 5})
	assert.False(t, EvaluateAll(oneFails, testCtx()))
}

func TestLookup(t *testing.T) {
	ctx := testCtx()
	assert.Equal(t, "ada", Lookup(ctx, "event.actor.handle"))
	assert.Nil(t, Lookup(ctx, "event.actor.handle.deeper"))
	assert.Nil(t, Lookup(ctx, "event.nope"))
	assert.Nil(t, Lookup(ctx, ""))
	assert.Equal(t, map[string]any{"handle": "ada"}, Lookup(ctx, "event.actor"))
}

func TestIsOperator(t *testing.T) {
	for _, op := range Operators {
		assert.True(t, IsOperator(op))
	}
	assert.False(t, IsOperator("in"))
}
