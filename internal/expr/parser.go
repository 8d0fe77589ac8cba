// Package expr implements the data-mapping expression micro-language used by
// workflow definitions. The grammar is closed: string/number/bool literals,
// dotted path lookups rooted at the evaluation scopes, equality comparison,
// a short-circuiting || fallback, and a whitelist of date-formatting methods.
// There are no user-defined functions.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Node is a parsed expression tree node.
type Node interface{ node() }

// Literal is a constant string, number, bool or null.
type Literal struct{ Value any }

// Path is a dotted lookup such as payload.ticket.id.
type Path struct{ Segments []string }

// Or is the short-circuiting fallback operator a || b.
type Or struct{ Left, Right Node }

// Equals compares two operands; Negate turns == into !=.
type Equals struct {
	Left, Right Node
	Negate      bool
}

// Not negates the truthiness of its operand.
type Not struct{ Operand Node }

// Call applies a whitelisted method to the value a path resolves to, e.g.
// payload.due_date.formatDate('en-US').
type Call struct {
	Target Node
	Method string
	Args   []any
}

func (*Literal) node() {}
func (*Path) node()    {}
func (*Or) node()      {}
func (*Equals) node()  {}
func (*Not) node()     {}
func (*Call) node()    {}

// String renders a path back to source form.
func (p *Path) String() string { return strings.Join(p.Segments, ".") }

// Parse parses an expression source string into its tree.
func Parse(src string) (Node, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", p.tok.text, p.tok.pos)
	}
	return n, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOrOr
	tokEqEq
	tokNotEq
	tokBang
	tokDot
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src []rune
	i   int
}

func newLexer(src string) *lexer { return &lexer{src: []rune(src)} }

func (l *lexer) next() (token, error) {
	for l.i < len(l.src) && unicode.IsSpace(l.src[l.i]) {
		l.i++
	}
	if l.i >= len(l.src) {
		return token{kind: tokEOF, pos: l.i}, nil
	}
	start := l.i
	c := l.src[l.i]
	switch {
	case c == '\'':
		l.i++
		var sb strings.Builder
		for l.i < len(l.src) && l.src[l.i] != '\'' {
			sb.WriteRune(l.src[l.i])
			l.i++
		}
		if l.i >= len(l.src) {
			return token{}, fmt.Errorf("unterminated string at position %d", start)
		}
		l.i++
		return token{kind: tokString, text: sb.String(), pos: start}, nil
	case c == '|':
		if l.i+1 < len(l.src) && l.src[l.i+1] == '|' {
			l.i += 2
			return token{kind: tokOrOr, text: "||", pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected '|' at position %d", start)
	case c == '=':
		if l.i+1 < len(l.src) && l.src[l.i+1] == '=' {
			l.i += 2
			return token{kind: tokEqEq, text: "==", pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected '=' at position %d", start)
	case c == '!':
		if l.i+1 < len(l.src) && l.src[l.i+1] == '=' {
			l.i += 2
			return token{kind: tokNotEq, text: "!=", pos: start}, nil
		}
		l.i++
		return token{kind: tokBang, text: "!", pos: start}, nil
	case c == '.':
		l.i++
		return token{kind: tokDot, text: ".", pos: start}, nil
	case c == '(':
		l.i++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.i++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == ',':
		l.i++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case unicode.IsDigit(c) || (c == '-' && l.i+1 < len(l.src) && unicode.IsDigit(l.src[l.i+1])):
		l.i++
		for l.i < len(l.src) && (unicode.IsDigit(l.src[l.i]) || l.src[l.i] == '.') {
			// a digit followed by ".ident" belongs to a path, not a number
			if l.src[l.i] == '.' && l.i+1 < len(l.src) && !unicode.IsDigit(l.src[l.i+1]) {
				break
			}
			l.i++
		}
		return token{kind: tokNumber, text: string(l.src[start:l.i]), pos: start}, nil
	case unicode.IsLetter(c) || c == '_' || c == '$':
		l.i++
		for l.i < len(l.src) && (unicode.IsLetter(l.src[l.i]) || unicode.IsDigit(l.src[l.i]) || l.src[l.i] == '_') {
			l.i++
		}
		return token{kind: tokIdent, text: string(l.src[start:l.i]), pos: start}, nil
	}
	return token{}, fmt.Errorf("unexpected character %q at position %d", string(c), start)
}

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

// parseOr := equality ( '||' equality )*
func (p *parser) parseOr() (Node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOrOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &Or{Left: left, Right: right}
	}
	return left, nil
}

// parseEquality := unary ( ('==' | '!=') unary )?
func (p *parser) parseEquality() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokEqEq || p.tok.kind == tokNotEq {
		negate := p.tok.kind == tokNotEq
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Equals{Left: left, Right: right, Negate: negate}, nil
	}
	return left, nil
}

// parseUnary := '!' unary | primary
func (p *parser) parseUnary() (Node, error) {
	if p.tok.kind == tokBang {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	switch p.tok.kind {
	case tokString:
		v := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Value: v}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", p.tok.text, p.tok.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Value: f}, nil
	case tokIdent:
		switch p.tok.text {
		case "true", "false":
			v := p.tok.text == "true"
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &Literal{Value: v}, nil
		case "null":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &Literal{Value: nil}, nil
		}
		return p.parsePath()
	}
	return nil, fmt.Errorf("unexpected %q at position %d", p.tok.text, p.tok.pos)
}

// parsePath := ident ( '.' ident )* ( '(' args ')' )?
// A trailing segment followed by '(' is a method call on the preceding path.
func (p *parser) parsePath() (Node, error) {
	segments := []string{p.tok.text}
	if err := p.advance(); err != nil {
		return nil, err
	}
	for p.tok.kind == tokDot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokIdent {
			return nil, fmt.Errorf("expected identifier after '.' at position %d", p.tok.pos)
		}
		seg := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokLParen {
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return &Call{Target: &Path{Segments: segments}, Method: seg, Args: args}, nil
		}
		segments = append(segments, seg)
	}
	return &Path{Segments: segments}, nil
}

func (p *parser) parseArgs() ([]any, error) {
	// consume '('
	if err := p.advance(); err != nil {
		return nil, err
	}
	var args []any
	for p.tok.kind != tokRParen {
		switch p.tok.kind {
		case tokString:
			args = append(args, p.tok.text)
		case tokNumber:
			f, err := strconv.ParseFloat(p.tok.text, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q at position %d", p.tok.text, p.tok.pos)
			}
			args = append(args, f)
		default:
			return nil, fmt.Errorf("method arguments must be literals, got %q at position %d", p.tok.text, p.tok.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	// consume ')'
	if err := p.advance(); err != nil {
		return nil, err
	}
	return args, nil
}
