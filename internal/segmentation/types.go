// Package segmentation evaluates targeting rules against recipient
// attribute snapshots and resolves campaign audiences.
//
// A rule is a small boolean expression language:
//
//	tier = "trial" AND usage_count >= 5
//	NOT (locale IN ("de", "fr")) OR tags CONTAINS "beta"
//
// Rules parse into a tagged expression tree (literal, compare, and, or, not)
// evaluated by a single recursive interpreter.
package segmentation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ==========================================
// OPERATORS
// ==========================================

// Operator represents a comparison operator
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpContains  Operator = "contains"
)

// ==========================================
// FIELD TYPES
// ==========================================

// FieldType is the declared type of a recipient attribute.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "boolean"
	FieldList   FieldType = "list"
)

// OperatorMetadata describes an operator for validation and rule authoring UIs.
type OperatorMetadata struct {
	Operator        Operator    `json:"operator"`
	Symbol          string      `json:"symbol"`
	Label           string      `json:"label"`
	ApplicableTypes []FieldType `json:"applicable_types"`
	RequiresList    bool        `json:"requires_list"`
}

// GetOperatorMetadata returns metadata for all operators
func GetOperatorMetadata() []OperatorMetadata {
	scalar := []FieldType{FieldString, FieldNumber, FieldBool}
	return []OperatorMetadata{
		{Operator: OpEquals, Symbol: "=", Label: "Equals", ApplicableTypes: scalar},
		{Operator: OpNotEquals, Symbol: "!=", Label: "Does not equal", ApplicableTypes: scalar},
		{Operator: OpGt, Symbol: ">", Label: "Greater than", ApplicableTypes: []FieldType{FieldNumber}},
		{Operator: OpGte, Symbol: ">=", Label: "Greater than or equal", ApplicableTypes: []FieldType{FieldNumber}},
		{Operator: OpLt, Symbol: "<", Label: "Less than", ApplicableTypes: []FieldType{FieldNumber}},
		{Operator: OpLte, Symbol: "<=", Label: "Less than or equal", ApplicableTypes: []FieldType{FieldNumber}},
		{Operator: OpIn, Symbol: "IN", Label: "Is one of", ApplicableTypes: []FieldType{FieldString, FieldNumber}, RequiresList: true},
		{Operator: OpNotIn, Symbol: "NOT IN", Label: "Is not one of", ApplicableTypes: []FieldType{FieldString, FieldNumber}, RequiresList: true},
		{Operator: OpContains, Symbol: "CONTAINS", Label: "List contains", ApplicableTypes: []FieldType{FieldList}},
	}
}

func getOperatorMeta(op Operator) *OperatorMetadata {
	for _, meta := range GetOperatorMetadata() {
		if meta.Operator == op {
			return &meta
		}
	}
	return nil
}

// GetAvailableOperators returns operators available for a field type
func GetAvailableOperators(fieldType FieldType) []OperatorMetadata {
	var operators []OperatorMetadata
	for _, meta := range GetOperatorMetadata() {
		for _, ft := range meta.ApplicableTypes {
			if ft == fieldType {
				operators = append(operators, meta)
				break
			}
		}
	}
	return operators
}

// ==========================================
// SCHEMA
// ==========================================

// Schema maps known attribute names to their declared types.
type Schema map[string]FieldType

// DefaultSchema returns the attributes provided by the subscription and
// usage collaborators.
func DefaultSchema() Schema {
	return Schema{
		"tier":              FieldString,
		"plan":              FieldString,
		"trial_active":      FieldBool,
		"trial_days_left":   FieldNumber,
		"usage_count":       FieldNumber,
		"usage_limit":       FieldNumber,
		"locale":            FieldString,
		"country":           FieldString,
		"whatsapp_opt_in":   FieldBool,
		"opted_out":         FieldBool,
		"days_since_signup": FieldNumber,
		"tags":              FieldList,
	}
}

// With returns a copy of the schema extended with extra attributes.
func (s Schema) With(extra map[string]FieldType) Schema {
	out := make(Schema, len(s)+len(extra))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// SchemaFromConfig extends the default schema with configured attributes.
// Types must be one of string, number, boolean or list.
func SchemaFromConfig(extra map[string]string) (Schema, error) {
	typed := make(map[string]FieldType, len(extra))
	for name, t := range extra {
		switch ft := FieldType(t); ft {
		case FieldString, FieldNumber, FieldBool, FieldList:
			typed[name] = ft
		default:
			return nil, fmt.Errorf("attribute %q: unknown type %q", name, t)
		}
	}
	return DefaultSchema().With(typed), nil
}

// Names returns the attribute names in sorted order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ==========================================
// EXPRESSION TREE
// ==========================================

// NodeKind tags an expression tree node.
type NodeKind string

const (
	NodeLiteral NodeKind = "literal"
	NodeCompare NodeKind = "compare"
	NodeAnd     NodeKind = "and"
	NodeOr      NodeKind = "or"
	NodeNot     NodeKind = "not"
)

// Node is one node of a targeting rule. Values are string, float64 or bool.
type Node struct {
	Kind      NodeKind `json:"kind"`
	Literal   bool     `json:"literal,omitempty"`
	Attribute string   `json:"attribute,omitempty"`
	Operator  Operator `json:"operator,omitempty"`
	Value     any      `json:"value,omitempty"`
	Values    []any    `json:"values,omitempty"`
	Children  []*Node  `json:"children,omitempty"`
}

// String renders the node back into rule syntax.
func (n *Node) String() string {
	if n == nil {
		return ""
	}
	switch n.Kind {
	case NodeLiteral:
		return strconv.FormatBool(n.Literal)
	case NodeNot:
		if len(n.Children) == 1 {
			return "NOT (" + n.Children[0].String() + ")"
		}
		return "NOT ()"
	case NodeAnd, NodeOr:
		sep := " AND "
		if n.Kind == NodeOr {
			sep = " OR "
		}
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			s := c.String()
			if c.Kind == NodeAnd || c.Kind == NodeOr {
				s = "(" + s + ")"
			}
			parts[i] = s
		}
		return strings.Join(parts, sep)
	case NodeCompare:
		meta := getOperatorMeta(n.Operator)
		sym := string(n.Operator)
		if meta != nil {
			sym = meta.Symbol
		}
		if n.Operator == OpIn || n.Operator == OpNotIn {
			vals := make([]string, len(n.Values))
			for i, v := range n.Values {
				vals[i] = formatValue(v)
			}
			return fmt.Sprintf("%s %s (%s)", n.Attribute, sym, strings.Join(vals, ", "))
		}
		return fmt.Sprintf("%s %s %s", n.Attribute, sym, formatValue(n.Value))
	}
	return ""
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprintf("%v", v)
}

// valueType returns the field type a literal value belongs to.
func valueType(v any) (FieldType, bool) {
	switch v.(type) {
	case string:
		return FieldString, true
	case float64:
		return FieldNumber, true
	case bool:
		return FieldBool, true
	}
	return "", false
}
