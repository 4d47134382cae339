// Package workflow – expr.go evaluates conditional-step expressions.
// The grammar is deliberately tiny: context property access, string and
// number literals, true/false, comparison and boolean operators, and
// parentheses. Function calls, assignments and anything else fail the
// parse; per the error contract a failed parse evaluates to true with a
// warning rather than blocking the workflow.
package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// EvalCondition evaluates expr against the workflow context. The second
// return is false when the expression was rejected and the default of
// true applied.
func EvalCondition(expr string, ctx map[string]map[string]any) (result bool, parsed bool) {
	p := &exprParser{input: expr, ctx: ctx}
	p.next()
	v, err := p.parseOr()
	if err == nil && p.tok.kind != tokEOF {
		err = fmt.Errorf("trailing input at %q", p.tok.text)
	}
	if err != nil {
		return true, false
	}
	return truthy(v), true
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp // == != < <= > >= && || ! ( ) .
)

type token struct {
	kind tokKind
	text string
}

type exprParser struct {
	input string
	pos   int
	tok   token
	ctx   map[string]map[string]any
}

func (p *exprParser) next() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.tok = token{kind: tokEOF}
		return
	}
	ch := p.input[p.pos]

	switch {
	case isIdentStart(ch):
		start := p.pos
		for p.pos < len(p.input) && isIdentPart(p.input[p.pos]) {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.input[start:p.pos]}
	case ch >= '0' && ch <= '9' || ch == '-' && p.pos+1 < len(p.input) && p.input[p.pos+1] >= '0' && p.input[p.pos+1] <= '9':
		start := p.pos
		p.pos++
		for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
			p.pos++
		}
		p.tok = token{kind: tokNumber, text: p.input[start:p.pos]}
	case ch == '\'' || ch == '"':
		quote := ch
		p.pos++
		start := p.pos
		for p.pos < len(p.input) && p.input[p.pos] != quote {
			p.pos++
		}
		text := p.input[start:p.pos]
		if p.pos < len(p.input) {
			p.pos++
		}
		p.tok = token{kind: tokString, text: text}
	default:
		for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "!", "(", ")", "."} {
			if strings.HasPrefix(p.input[p.pos:], op) {
				p.pos += len(op)
				p.tok = token{kind: tokOp, text: op}
				return
			}
		}
		// Unknown byte: emit it as an operator token so the parser
		// rejects it with a real error.
		p.tok = token{kind: tokOp, text: string(ch)}
		p.pos++
	}
}

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		p.next()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseCompare() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp {
		switch op := p.tok.text; op {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return compare(op, left, right)
		}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (any, error) {
	if p.tok.kind == tokOp && p.tok.text == "!" {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (any, error) {
	switch p.tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, err
		}
		p.next()
		return f, nil
	case tokString:
		s := p.tok.text
		p.next()
		return s, nil
	case tokIdent:
		switch p.tok.text {
		case "true":
			p.next()
			return true, nil
		case "false":
			p.next()
			return false, nil
		case "null":
			p.next()
			return nil, nil
		case "context":
			return p.parseAccess()
		}
		return nil, fmt.Errorf("unknown identifier %q", p.tok.text)
	case tokOp:
		if p.tok.text == "(" {
			p.next()
			v, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokOp || p.tok.text != ")" {
				return nil, fmt.Errorf("missing close paren")
			}
			p.next()
			return v, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q", p.tok.text)
}

// parseAccess handles context.<step>.<field>. Deeper access and every
// other base object are rejected.
func (p *exprParser) parseAccess() (any, error) {
	p.next() // consume "context"
	var path []string
	for p.tok.kind == tokOp && p.tok.text == "." {
		p.next()
		if p.tok.kind != tokIdent {
			return nil, fmt.Errorf("expected property name after '.'")
		}
		path = append(path, p.tok.text)
		p.next()
	}
	if len(path) != 2 {
		return nil, fmt.Errorf("context access must be context.<step>.<field>")
	}
	step, ok := p.ctx[path[0]]
	if !ok {
		return nil, nil
	}
	return step[path[1]], nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	}
	return true
}

func compare(op string, left, right any) (any, error) {
	// Numeric comparison when both sides coerce; otherwise string.
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, rs := toString(left), toString(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return nil, fmt.Errorf("bad comparison %q", op)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func isIdentStart(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || ch >= '0' && ch <= '9' || ch == '-'
}
