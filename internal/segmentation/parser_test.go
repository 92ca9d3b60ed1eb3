package segmentation

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Precedence(t *testing.T) {
	n, err := Parse(`tier = "trial" OR usage_count >= 5 AND NOT locale = "de"`)
	require.NoError(t, err)

	require.Equal(t, NodeOr, n.Kind)
	require.Len(t, n.Children, 2)
	assert.Equal(t, NodeCompare, n.Children[0].Kind)

	and := n.Children[1]
	require.Equal(t, NodeAnd, and.Kind)
	require.Len(t, and.Children, 2)
	assert.Equal(t, OpGte, and.Children[0].Operator)
	assert.Equal(t, 5.0, and.Children[0].Value)
	assert.Equal(t, NodeNot, and.Children[1].Kind)
}

func TestParse_FlattensChains(t *testing.T) {
	n, err := Parse(`a = 1 and b = 2 AND c = 3`)
	require.NoError(t, err)
	assert.Equal(t, NodeAnd, n.Kind)
	assert.Len(t, n.Children, 3)
}

func TestParse_SetMembership(t *testing.T) {
	n, err := Parse(`locale NOT IN ('de', "fr") and tags contains "beta"`)
	require.NoError(t, err)
	require.Equal(t, NodeAnd, n.Kind)

	notIn := n.Children[0]
	assert.Equal(t, OpNotIn, notIn.Operator)
	assert.Equal(t, []any{"de", "fr"}, notIn.Values)

	contains := n.Children[1]
	assert.Equal(t, OpContains, contains.Operator)
	assert.Equal(t, "beta", contains.Value)
}

func TestParse_LiteralsAndNegativeNumbers(t *testing.T) {
	n, err := Parse(`(TRUE) AND trial_days_left > -1.5 AND trial_active == false`)
	require.NoError(t, err)
	require.Len(t, n.Children, 3)
	assert.Equal(t, NodeLiteral, n.Children[0].Kind)
	assert.True(t, n.Children[0].Literal)
	assert.Equal(t, -1.5, n.Children[1].Value)
	assert.Equal(t, false, n.Children[2].Value)
	assert.Equal(t, OpEquals, n.Children[2].Operator)
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"empty":          "   ",
		"dangling and":   `tier = "a" AND`,
		"missing value":  `tier =`,
		"unterminated":   `tier = "trial`,
		"unclosed paren": `(tier = "a"`,
		"bare bang":      `tier ! "a"`,
		"no operator":    `tier "a"`,
		"trailing token": `tier = "a" "b"`,
		"empty list":     `tier IN ()`,
		"not without in": `tier NOT "a"`,
		"bad char":       `tier = $a`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err)
			var pe *ParseError
			assert.True(t, errors.As(err, &pe), "want *ParseError, got %T", err)
		})
	}
}

func TestParse_NestingLimit(t *testing.T) {
	ok := strings.Repeat("NOT ", MaxRuleDepth) + `tier = "x"`
	_, err := Parse(ok)
	require.NoError(t, err)

	for name, src := range map[string]string{
		"not chain": strings.Repeat("NOT ", MaxRuleDepth+1) + `tier = "x"`,
		"parens":    strings.Repeat("(", MaxRuleDepth+1) + `tier = "x"` + strings.Repeat(")", MaxRuleDepth+1),
		"huge":      strings.Repeat("NOT ", 2_000_000) + `tier = "x"`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(src)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "want *ParseError, got %v", err)
		})
	}
}

func TestParse_UnicodeIdentifiers(t *testing.T) {
	n, err := Parse(`名前 = "x" AND país = "ES"`)
	require.NoError(t, err)
	require.Equal(t, NodeAnd, n.Kind)
	assert.Equal(t, "名前", n.Children[0].Attribute)
	assert.Equal(t, "país", n.Children[1].Attribute)

	_, err = Parse(`tier = €`)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Msg, "€")
	assert.Equal(t, 7, pe.Pos)
}

func TestNode_StringRoundTrip(t *testing.T) {
	src := `tier = "trial" AND (usage_count >= 5 OR locale IN ("de", "fr")) AND NOT (opted_out = true)`
	n, err := Parse(src)
	require.NoError(t, err)

	again, err := Parse(n.String())
	require.NoError(t, err)
	assert.Equal(t, n, again)
}

func TestNode_JSON(t *testing.T) {
	n, err := Parse(`tier IN ("trial", "free") AND usage_count < 10`)
	require.NoError(t, err)

	data, err := json.Marshal(n)
	require.NoError(t, err)

	var decoded Node
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, n.String(), decoded.String())
}
