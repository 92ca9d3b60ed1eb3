package segmentation

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxRuleDepth bounds NOT and parenthesis nesting.
	MaxRuleDepth = 64
	// MaxRuleLength bounds rule source in bytes.
	MaxRuleLength = 64 << 10
)

// ParseError reports a syntax error at a byte offset of the rule source.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rule syntax error at %d: %s", e.Pos, e.Msg)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// keyword reports whether t is the given case-insensitive keyword.
func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '"' || c == '\'':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(src) {
				if src[i] == '\\' && i+1 < len(src) {
					sb.WriteByte(src[i+1])
					i += 2
					continue
				}
				if src[i] == c {
					closed = true
					i++
					break
				}
				sb.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, &ParseError{Pos: start, Msg: "unterminated string"}
			}
			toks = append(toks, token{tokString, sb.String(), start})
		case c == '=' || c == '!' || c == '<' || c == '>':
			start := i
			op := string(c)
			if i+1 < len(src) && src[i+1] == '=' {
				op += "="
			}
			i += len(op)
			if op == "!" {
				return nil, &ParseError{Pos: start, Msg: "expected != "}
			}
			if op == "==" {
				op = "="
			}
			toks = append(toks, token{tokOp, op, start})
		case c == '-' || c == '.' || (c >= '0' && c <= '9'):
			start := i
			i++
			for i < len(src) && (src[i] == '.' || (src[i] >= '0' && src[i] <= '9')) {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case c == '_' || isLetterAt(src, i):
			start := i
			for i < len(src) {
				r, size := utf8.DecodeRuneInString(src[i:])
				if r != '_' && r != '.' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					break
				}
				i += size
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			r, _ := utf8.DecodeRuneInString(src[i:])
			return nil, &ParseError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isLetterAt(src string, i int) bool {
	r, _ := utf8.DecodeRuneInString(src[i:])
	return r != utf8.RuneError && unicode.IsLetter(r)
}

type parser struct {
	toks  []token
	pos   int
	depth int
}

// Parse turns rule source into an expression tree. It checks syntax only;
// use Validate or Compile to check attributes and types.
func Parse(src string) (*Node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &ParseError{Pos: 0, Msg: "empty rule"}
	}
	if len(src) > MaxRuleLength {
		return nil, &ParseError{Pos: MaxRuleLength, Msg: fmt.Sprintf("rule longer than %d bytes", MaxRuleLength)}
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []*Node{left}
	for p.peek().keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &Node{Kind: NodeOr, Children: children}, nil
}

func (p *parser) parseAnd() (*Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	children := []*Node{left}
	for p.peek().keyword("AND") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &Node{Kind: NodeAnd, Children: children}, nil
}

// descend enters one nesting level at t.
func (p *parser) descend(t token) error {
	p.depth++
	if p.depth > MaxRuleDepth {
		return &ParseError{Pos: t.pos, Msg: fmt.Sprintf("rule nested deeper than %d levels", MaxRuleDepth)}
	}
	return nil
}

func (p *parser) parseUnary() (*Node, error) {
	if p.peek().keyword("NOT") {
		t := p.next()
		if err := p.descend(t); err != nil {
			return nil, err
		}
		defer func() { p.depth-- }()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: NodeNot, Children: []*Node{inner}}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Node, error) {
	t := p.next()
	switch {
	case t.kind == tokLParen:
		if err := p.descend(t); err != nil {
			return nil, err
		}
		defer func() { p.depth-- }()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, &ParseError{Pos: c.pos, Msg: "expected )"}
		}
		return n, nil
	case t.keyword("TRUE"):
		return &Node{Kind: NodeLiteral, Literal: true}, nil
	case t.keyword("FALSE"):
		return &Node{Kind: NodeLiteral, Literal: false}, nil
	case t.kind == tokIdent && !isReserved(t.text):
		return p.parseComparison(t)
	case t.kind == tokEOF:
		return nil, &ParseError{Pos: t.pos, Msg: "unexpected end of rule"}
	default:
		return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}
}

func (p *parser) parseComparison(attr token) (*Node, error) {
	n := &Node{Kind: NodeCompare, Attribute: attr.text}
	t := p.next()
	switch {
	case t.kind == tokOp:
		n.Operator = map[string]Operator{
			"=": OpEquals, "!=": OpNotEquals,
			">": OpGt, ">=": OpGte, "<": OpLt, "<=": OpLte,
		}[t.text]
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		n.Value = v
		return n, nil
	case t.keyword("CONTAINS"):
		n.Operator = OpContains
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		n.Value = v
		return n, nil
	case t.keyword("IN"):
		n.Operator = OpIn
	case t.keyword("NOT"):
		if in := p.next(); !in.keyword("IN") {
			return nil, &ParseError{Pos: in.pos, Msg: "expected IN after NOT"}
		}
		n.Operator = OpNotIn
	default:
		return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("expected operator after %s", attr.text)}
	}

	vals, err := p.parseList()
	if err != nil {
		return nil, err
	}
	n.Values = vals
	return n, nil
}

func (p *parser) parseList() ([]any, error) {
	if t := p.next(); t.kind != tokLParen {
		return nil, &ParseError{Pos: t.pos, Msg: "expected ( to open value list"}
	}
	var vals []any
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		t := p.next()
		if t.kind == tokRParen {
			return vals, nil
		}
		if t.kind != tokComma {
			return nil, &ParseError{Pos: t.pos, Msg: "expected , or )"}
		}
	}
}

func (p *parser) parseValue() (any, error) {
	t := p.next()
	switch {
	case t.kind == tokString:
		return t.text, nil
	case t.kind == tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("invalid number %q", t.text)}
		}
		return f, nil
	case t.keyword("TRUE"):
		return true, nil
	case t.keyword("FALSE"):
		return false, nil
	}
	return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("expected value, got %q", t.text)}
}

func isReserved(word string) bool {
	switch strings.ToUpper(word) {
	case "AND", "OR", "NOT", "IN", "CONTAINS", "TRUE", "FALSE":
		return true
	}
	return false
}
