// Package expr implements the node-key expression grammar: a hand-written
// lexer and recursive-descent parser for identifiers and single-level
// function calls, plus canonicalization (stable, whitespace-free textual
// form) and variable extraction.
//
//	expr := atom | call
//	atom := identifier
//	call := identifier '(' args? ')'
//	args := term (',' term)*
//	term := identifier
package expr

import (
	"fmt"
	"strings"

	"github.com/ottojung/increment/errs"
)

// Expr is a parsed key expression: a head identifier with zero or more
// argument identifiers. Arity() == 0 means it is an atom.
type Expr struct {
	Head string
	Args []string
}

// Arity returns the number of arguments (0 for an atom).
func (e Expr) Arity() int {
	return len(e.Args)
}

// Render produces the canonical textual form of e: no whitespace, a bare
// head for an atom, "head(a1,a2,...)" for a call.
func Render(e Expr) string {
	if len(e.Args) == 0 {
		return e.Head
	}
	var b strings.Builder
	b.WriteString(e.Head)
	b.WriteByte('(')
	for i, a := range e.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(a)
	}
	b.WriteByte(')')
	return b.String()
}

// ExtractVariables returns the set of argument identifiers of e. For an
// atom it is empty.
func ExtractVariables(e Expr) map[string]struct{} {
	out := make(map[string]struct{}, len(e.Args))
	for _, a := range e.Args {
		out[a] = struct{}{}
	}
	return out
}

// Canonicalize parses s and renders its canonical form.
func Canonicalize(s string) (string, error) {
	e, err := Parse(s)
	if err != nil {
		return "", err
	}
	return Render(e), nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			l.pos++
			continue
		}
		break
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}, nil
	}
	c := l.src[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "("}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ","}, nil
	case isIdentStart(c):
		start := l.pos
		l.pos++
		for l.pos < len(l.src) && isIdentCont(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos]}, nil
	default:
		return token{}, fmt.Errorf("expr: unexpected character %q at offset %d", c, l.pos)
	}
}

// parser is a simple one-token-lookahead recursive descent parser.
type parser struct {
	lex *lexer
	cur token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

// Parse parses s into an Expr, rejecting empty input, unterminated calls,
// non-identifier argument positions, and trailing tokens.
func Parse(s string) (Expr, error) {
	p := &parser{lex: newLexer(s)}
	if err := p.advance(); err != nil {
		return Expr{}, &errs.InvalidExpressionError{Input: s, Reason: err.Error()}
	}
	if p.cur.kind == tokEOF {
		return Expr{}, &errs.InvalidExpressionError{Input: s, Reason: "empty expression"}
	}
	e, err := p.parseExpr()
	if err != nil {
		return Expr{}, err
	}
	if p.cur.kind != tokEOF {
		return Expr{}, &errs.InvalidExpressionError{Input: s, Reason: "trailing tokens after expression"}
	}
	return e, nil
}

func (p *parser) parseExpr() (Expr, error) {
	if p.cur.kind != tokIdent {
		return Expr{}, &errs.InvalidExpressionError{Input: p.lex.src, Reason: "expected identifier"}
	}
	head := p.cur.text
	if err := p.advance(); err != nil {
		return Expr{}, &errs.InvalidExpressionError{Input: p.lex.src, Reason: err.Error()}
	}
	if p.cur.kind != tokLParen {
		return Expr{Head: head}, nil
	}
	if err := p.advance(); err != nil { // consume '('
		return Expr{}, &errs.InvalidExpressionError{Input: p.lex.src, Reason: err.Error()}
	}
	var args []string
	if p.cur.kind != tokRParen {
		for {
			if p.cur.kind != tokIdent {
				return Expr{}, &errs.InvalidExpressionError{Input: p.lex.src, Reason: "expected identifier in argument position"}
			}
			args = append(args, p.cur.text)
			if err := p.advance(); err != nil {
				return Expr{}, &errs.InvalidExpressionError{Input: p.lex.src, Reason: err.Error()}
			}
			if p.cur.kind == tokComma {
				if err := p.advance(); err != nil {
					return Expr{}, &errs.InvalidExpressionError{Input: p.lex.src, Reason: err.Error()}
				}
				continue
			}
			break
		}
	}
	if p.cur.kind != tokRParen {
		return Expr{}, &errs.InvalidExpressionError{Input: p.lex.src, Reason: "unterminated call, expected ')'"}
	}
	if err := p.advance(); err != nil { // consume ')'
		return Expr{}, &errs.InvalidExpressionError{Input: p.lex.src, Reason: err.Error()}
	}
	return Expr{Head: head, Args: args}, nil
}
