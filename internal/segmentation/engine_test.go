package segmentation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-notifier/internal/domain"
)

type staticSource struct {
	recipients []domain.Recipient
	err        error
}

func (s *staticSource) Snapshot(context.Context) ([]domain.Recipient, error) {
	return s.recipients, s.err
}

func recipient(id string, attrs domain.Attributes) domain.Recipient {
	if _, ok := attrs[domain.AttrOptIn]; !ok {
		attrs[domain.AttrOptIn] = true
	}
	return domain.Recipient{ID: id, Phone: "+1555000" + id, Attributes: attrs}
}

func TestValidate(t *testing.T) {
	schema := DefaultSchema()

	tests := []struct {
		name string
		src  string
		want int
	}{
		{"valid", `tier = "trial" AND usage_count >= 5`, 0},
		{"unknown attribute", `favourite_colour = "red"`, 1},
		{"range on string", `tier > "a"`, 1},
		{"number vs string", `usage_count = "7"`, 1},
		{"mixed IN list", `tier IN ("a", 2)`, 1},
		{"contains on scalar", `tier CONTAINS "a"`, 1},
		{"IN on bool", `trial_active IN (true)`, 1},
		{"several problems", `foo = 1 OR bar = 2 OR tier < 3`, 3},
		{"contains on list", `tags CONTAINS "beta"`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Parse(tt.src)
			require.NoError(t, err)
			assert.Len(t, Validate(n, schema), tt.want)
		})
	}

	assert.Equal(t, []string{"empty rule"}, Validate(nil, schema))
	assert.NotEmpty(t, Validate(&Node{Kind: NodeAnd}, schema))
	assert.NotEmpty(t, Validate(&Node{Kind: NodeNot}, schema))
}

func TestCompile_ReturnsValidationError(t *testing.T) {
	_, err := Compile(`nope = 1`, DefaultSchema())
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{"unknown attribute: nope"}, ve.Problems)

	_, err = Compile(`tier =`, DefaultSchema())
	var pe *ParseError
	assert.True(t, errors.As(err, &pe))
}

func TestEvaluate(t *testing.T) {
	attrs := domain.Attributes{
		"tier":         "trial",
		"usage_count":  7,
		"trial_active": true,
		"tags":         []any{"beta", "vip"},
		"locale":       "de",
	}

	tests := []struct {
		src  string
		want bool
	}{
		{`tier = "trial"`, true},
		{`tier != "trial"`, false},
		{`usage_count >= 7`, true},
		{`usage_count > 7`, false},
		{`usage_count < 10 AND usage_count <= 7`, true},
		{`tier IN ("paid", "trial")`, true},
		{`locale NOT IN ("de", "fr")`, false},
		{`tags CONTAINS "vip"`, true},
		{`tags CONTAINS "staff"`, false},
		{`NOT trial_active = true`, false},
		{`false OR tier = "trial"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			n, err := Parse(tt.src)
			require.NoError(t, err)
			got, err := Evaluate(n, attrs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	attrs := domain.Attributes{"tier": "trial", "usage_count": "7"}

	for _, src := range []string{
		`plan = "pro"`,
		`usage_count >= 5`,
		`tier = 1`,
		`tier IN (1, 2)`,
		`tier CONTAINS "t"`,
	} {
		n, err := Parse(src)
		require.NoError(t, err)
		_, err = Evaluate(n, attrs)
		var ee *EvalError
		assert.True(t, errors.As(err, &ee), "%s: want *EvalError, got %v", src, err)
	}
}

func TestDeepTreeRejected(t *testing.T) {
	n := &Node{Kind: NodeLiteral, Literal: true}
	for i := 0; i < 10_000; i++ {
		n = &Node{Kind: NodeNot, Children: []*Node{n}}
	}

	problems := Validate(n, Schema{})
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "nested deeper")

	_, err := Evaluate(n, domain.Attributes{})
	var ee *EvalError
	assert.True(t, errors.As(err, &ee), "want *EvalError, got %v", err)
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	attrs := domain.Attributes{"tier": "paid"}

	n, err := Parse(`tier = "trial" AND usage_count >= 5`)
	require.NoError(t, err)
	ok, err := Evaluate(n, attrs)
	assert.NoError(t, err, "right operand must not be evaluated")
	assert.False(t, ok)

	n, err = Parse(`tier = "paid" OR usage_count >= 5`)
	require.NoError(t, err)
	ok, err = Evaluate(n, attrs)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestResolve_TrialUsageScenario(t *testing.T) {
	src := &staticSource{recipients: []domain.Recipient{
		recipient("R3", domain.Attributes{"tier": "paid", "usage_count": 9}),
		recipient("R2", domain.Attributes{"tier": "trial", "usage_count": 2}),
		recipient("R1", domain.Attributes{"tier": "trial", "usage_count": 7}),
	}}
	e := NewEngine(src, nil)

	seg, err := e.ResolveRule(context.Background(), `tier = "trial" AND usage_count >= 5`)
	require.NoError(t, err)
	require.Len(t, seg.Recipients, 1)
	assert.Equal(t, "R1", seg.Recipients[0].ID)
	assert.Equal(t, Stats{Scanned: 3, Matched: 1}, seg.Stats)
}

func TestResolve_OptOutOverridesRule(t *testing.T) {
	src := &staticSource{recipients: []domain.Recipient{
		recipient("a", domain.Attributes{"tier": "trial", domain.AttrOptedOut: true}),
		recipient("b", domain.Attributes{"tier": "trial", domain.AttrOptIn: false}),
		{ID: "c", Phone: "+15550000003", Attributes: domain.Attributes{"tier": "trial"}},
		recipient("d", domain.Attributes{"tier": "trial"}),
		{ID: "e", Attributes: domain.Attributes{"tier": "trial", domain.AttrOptIn: true}},
	}}
	e := NewEngine(src, nil)

	seg, err := e.ResolveRule(context.Background(), `true`)
	require.NoError(t, err)
	require.Len(t, seg.Recipients, 1)
	assert.Equal(t, "d", seg.Recipients[0].ID)
	assert.Equal(t, 3, seg.Stats.OptedOut)
	assert.Equal(t, 1, seg.Stats.Missing)
}

func TestResolve_DeterministicAndDeduplicated(t *testing.T) {
	snapshot := []domain.Recipient{
		recipient("c", domain.Attributes{"tier": "trial"}),
		recipient("a", domain.Attributes{"tier": "trial"}),
		recipient("b", domain.Attributes{"tier": "trial", "locale": "first"}),
		recipient("b", domain.Attributes{"tier": "trial", "locale": "second"}),
		recipient("d", domain.Attributes{"tier": 3}),
	}
	e := NewEngine(&staticSource{recipients: snapshot}, nil)

	first, err := e.ResolveRule(context.Background(), `tier = "trial"`)
	require.NoError(t, err)
	second, err := e.ResolveRule(context.Background(), `tier = "trial"`)
	require.NoError(t, err)

	ids := func(s *Segment) []string {
		var out []string
		for _, r := range s.Recipients {
			out = append(out, r.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(first))
	assert.Equal(t, ids(first), ids(second))
	assert.Equal(t, "first", first.Recipients[1].Attributes["locale"])
	assert.Equal(t, 1, first.Stats.Duplicates)
	assert.Equal(t, 1, first.Stats.Invalid, "type mismatch excludes only that recipient")
	assert.Equal(t, "c", snapshot[0].ID, "snapshot must not be reordered")
}

func TestResolve_SourceError(t *testing.T) {
	e := NewEngine(&staticSource{err: errors.New("collaborator down")}, nil)
	_, err := e.ResolveRule(context.Background(), `true`)
	assert.ErrorContains(t, err, "collaborator down")
}

func TestGetAvailableOperators(t *testing.T) {
	ops := GetAvailableOperators(FieldList)
	require.Len(t, ops, 1)
	assert.Equal(t, OpContains, ops[0].Operator)
	assert.Len(t, GetAvailableOperators(FieldNumber), 8)
}

func TestSchemaFromConfig(t *testing.T) {
	schema, err := SchemaFromConfig(map[string]string{"seats": "number", "region": "string"})
	require.NoError(t, err)
	assert.Equal(t, FieldNumber, schema["seats"])
	assert.Equal(t, FieldString, schema["tier"])

	_, err = Compile(`seats > 3 AND region = "emea"`, schema)
	assert.NoError(t, err)

	_, err = SchemaFromConfig(map[string]string{"seats": "integer"})
	assert.Error(t, err)
}
