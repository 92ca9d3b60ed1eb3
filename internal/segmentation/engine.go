package segmentation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/pkg/logger"
)

// ==========================================
// VALIDATION
// ==========================================

// ValidationError lists every structural problem found in a rule.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid rule: " + strings.Join(e.Problems, "; ")
}

// maxTreeDepth is the deepest tree Parse can build: every nesting level may
// add an AND or OR node on top of its NOT or group.
const maxTreeDepth = 2*MaxRuleDepth + 2

// Validate checks a parsed rule against the schema and returns the list of
// problems. An empty result means the rule is well-formed.
func Validate(n *Node, schema Schema) []string {
	var errors []string
	if n == nil {
		return []string{"empty rule"}
	}
	validateNode(n, schema, 1, &errors)
	return errors
}

func validateNode(n *Node, schema Schema, depth int, errors *[]string) {
	if depth > maxTreeDepth {
		*errors = append(*errors, fmt.Sprintf("rule nested deeper than %d levels", MaxRuleDepth))
		return
	}
	switch n.Kind {
	case NodeLiteral:
	case NodeAnd, NodeOr:
		if len(n.Children) == 0 {
			*errors = append(*errors, fmt.Sprintf("%s requires at least one operand", strings.ToUpper(string(n.Kind))))
		}
		for _, c := range n.Children {
			if c == nil {
				*errors = append(*errors, "nil operand")
				continue
			}
			validateNode(c, schema, depth+1, errors)
		}
	case NodeNot:
		if len(n.Children) != 1 || n.Children[0] == nil {
			*errors = append(*errors, "NOT requires exactly one operand")
			return
		}
		validateNode(n.Children[0], schema, depth+1, errors)
	case NodeCompare:
		validateCompare(n, schema, errors)
	default:
		*errors = append(*errors, fmt.Sprintf("unknown node kind %q", n.Kind))
	}
}

func validateCompare(n *Node, schema Schema, errors *[]string) {
	ft, ok := schema[n.Attribute]
	if !ok {
		*errors = append(*errors, fmt.Sprintf("unknown attribute: %s", n.Attribute))
		return
	}
	meta := getOperatorMeta(n.Operator)
	if meta == nil {
		*errors = append(*errors, fmt.Sprintf("unknown operator %q on %s", n.Operator, n.Attribute))
		return
	}
	applicable := false
	for _, t := range meta.ApplicableTypes {
		if t == ft {
			applicable = true
			break
		}
	}
	if !applicable {
		*errors = append(*errors, fmt.Sprintf("operator %s is not applicable to %s attribute %s", meta.Symbol, ft, n.Attribute))
		return
	}

	if meta.RequiresList {
		if len(n.Values) == 0 {
			*errors = append(*errors, fmt.Sprintf("%s on %s requires at least one value", meta.Symbol, n.Attribute))
		}
		for _, v := range n.Values {
			if vt, ok := valueType(v); !ok || vt != ft {
				*errors = append(*errors, fmt.Sprintf("%s expects %s values, got %s", n.Attribute, ft, formatValue(v)))
			}
		}
		return
	}

	want := ft
	if ft == FieldList {
		want = FieldString
	}
	if vt, ok := valueType(n.Value); !ok || vt != want {
		*errors = append(*errors, fmt.Sprintf("%s expects a %s value, got %s", n.Attribute, want, formatValue(n.Value)))
	}
}

// Compile parses and validates a rule in one step.
func Compile(src string, schema Schema) (*Node, error) {
	n, err := Parse(src)
	if err != nil {
		return nil, err
	}
	if problems := Validate(n, schema); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return n, nil
}

// ==========================================
// EVALUATION
// ==========================================

// EvalError reports why a rule could not be evaluated for one recipient.
type EvalError struct {
	Attribute string
	Reason    string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate %s: %s", e.Attribute, e.Reason)
}

// Evaluate runs the rule against one attribute snapshot. AND and OR
// short-circuit left to right, so an operand that would fail is not
// reached when the outcome is already decided.
func Evaluate(n *Node, attrs domain.Attributes) (bool, error) {
	return evaluate(n, attrs, 1)
}

func evaluate(n *Node, attrs domain.Attributes, depth int) (bool, error) {
	if n == nil {
		return false, &EvalError{Reason: "empty rule"}
	}
	if depth > maxTreeDepth {
		return false, &EvalError{Reason: fmt.Sprintf("rule nested deeper than %d levels", MaxRuleDepth)}
	}
	switch n.Kind {
	case NodeLiteral:
		return n.Literal, nil
	case NodeAnd:
		for _, c := range n.Children {
			ok, err := evaluate(c, attrs, depth+1)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case NodeOr:
		for _, c := range n.Children {
			ok, err := evaluate(c, attrs, depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case NodeNot:
		if len(n.Children) != 1 {
			return false, &EvalError{Reason: "NOT requires exactly one operand"}
		}
		ok, err := evaluate(n.Children[0], attrs, depth+1)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case NodeCompare:
		return evalCompare(n, attrs)
	}
	return false, &EvalError{Reason: fmt.Sprintf("unknown node kind %q", n.Kind)}
}

func evalCompare(n *Node, attrs domain.Attributes) (bool, error) {
	raw, ok := attrs[n.Attribute]
	if !ok || raw == nil {
		return false, &EvalError{Attribute: n.Attribute, Reason: "missing attribute"}
	}
	actual := normalize(raw)

	switch n.Operator {
	case OpEquals, OpNotEquals:
		eq, err := scalarEqual(n.Attribute, actual, n.Value)
		if err != nil {
			return false, err
		}
		return eq == (n.Operator == OpEquals), nil

	case OpGt, OpGte, OpLt, OpLte:
		a, aok := actual.(float64)
		b, bok := n.Value.(float64)
		if !aok || !bok {
			return false, &EvalError{Attribute: n.Attribute, Reason: "range comparison requires numbers"}
		}
		switch n.Operator {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}

	case OpIn, OpNotIn:
		found := false
		for _, v := range n.Values {
			eq, err := scalarEqual(n.Attribute, actual, v)
			if err != nil {
				return false, err
			}
			if eq {
				found = true
				break
			}
		}
		return found == (n.Operator == OpIn), nil

	case OpContains:
		list, ok := actual.([]string)
		if !ok {
			return false, &EvalError{Attribute: n.Attribute, Reason: "CONTAINS requires a list attribute"}
		}
		want, ok := n.Value.(string)
		if !ok {
			return false, &EvalError{Attribute: n.Attribute, Reason: "CONTAINS requires a string value"}
		}
		for _, item := range list {
			if item == want {
				return true, nil
			}
		}
		return false, nil
	}
	return false, &EvalError{Attribute: n.Attribute, Reason: fmt.Sprintf("unknown operator %q", n.Operator)}
}

func scalarEqual(attr string, actual, want any) (bool, error) {
	at, aok := valueType(actual)
	wt, wok := valueType(want)
	if !aok || !wok || at != wt {
		return false, &EvalError{Attribute: attr, Reason: fmt.Sprintf("type mismatch comparing %v with %s", actual, formatValue(want))}
	}
	return actual == want, nil
}

// normalize coerces snapshot values into the evaluator's value space:
// string, float64, bool or []string.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return v
			}
			out = append(out, s)
		}
		return out
	}
	return v
}

// ==========================================
// SEGMENT RESOLUTION
// ==========================================

// AttributeSource returns a fresh snapshot of recipients and their attributes.
type AttributeSource interface {
	Snapshot(ctx context.Context) ([]domain.Recipient, error)
}

// Stats counts how a snapshot was reduced to a segment.
type Stats struct {
	Scanned    int `json:"scanned"`
	Matched    int `json:"matched"`
	OptedOut   int `json:"opted_out"`
	Missing    int `json:"missing"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
}

// Segment is the recipient set resolved for one campaign evaluation.
type Segment struct {
	Recipients []domain.Recipient `json:"recipients"`
	Stats      Stats              `json:"stats"`
}

// Engine resolves targeting rules against an attribute source.
type Engine struct {
	source AttributeSource
	schema Schema
}

// NewEngine creates a new segmentation engine
func NewEngine(source AttributeSource, schema Schema) *Engine {
	if schema == nil {
		schema = DefaultSchema()
	}
	return &Engine{source: source, schema: schema}
}

// Schema returns the attribute schema rules are validated against.
func (e *Engine) Schema() Schema { return e.schema }

// Compile parses and validates src against the engine schema.
func (e *Engine) Compile(src string) (*Node, error) {
	return Compile(src, e.schema)
}

// ResolveRule compiles src and resolves it.
func (e *Engine) ResolveRule(ctx context.Context, src string) (*Segment, error) {
	rule, err := e.Compile(src)
	if err != nil {
		return nil, err
	}
	return e.Resolve(ctx, rule)
}

// Resolve evaluates rule against a fresh snapshot. Opted-out and incomplete
// recipients are dropped before the rule runs. The result is ordered by
// recipient id; for duplicate ids the first entry of the snapshot wins.
func (e *Engine) Resolve(ctx context.Context, rule *Node) (*Segment, error) {
	snapshot, err := e.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("attribute snapshot: %w", err)
	}
	return Filter(rule, snapshot), nil
}

// Filter applies the rule to an in-memory snapshot without mutating it.
func Filter(rule *Node, snapshot []domain.Recipient) *Segment {
	ordered := make([]domain.Recipient, len(snapshot))
	copy(ordered, snapshot)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	seg := &Segment{Recipients: []domain.Recipient{}}
	seen := make(map[string]bool, len(ordered))
	for _, r := range ordered {
		seg.Stats.Scanned++
		if r.Missing() {
			seg.Stats.Missing++
			continue
		}
		if seen[r.ID] {
			seg.Stats.Duplicates++
			continue
		}
		seen[r.ID] = true
		if r.OptedOut() {
			seg.Stats.OptedOut++
			continue
		}
		ok, err := Evaluate(rule, r.Attributes)
		if err != nil {
			seg.Stats.Invalid++
			logger.Debug("recipient excluded by rule error", "recipient_id", r.ID, "error", err.Error())
			continue
		}
		if ok {
			seg.Recipients = append(seg.Recipients, r)
			seg.Stats.Matched++
		}
	}
	return seg
}
