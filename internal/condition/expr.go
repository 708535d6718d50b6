package condition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Restricted expression grammar for scripted conditions and the in-process
// "expr" automation language. It is deliberately not Turing-complete:
// paths into the data map, literals, comparisons, boolean operators,
// parentheses, and a fixed set of functions. No I/O, no assignment, no
// loops, no access to anything outside the data map.
//
// Examples:
//
//	amount > 100 && status == "open"
//	len(items) > 0 || exists(override)
//	sum(totals) >= min(budget, cap)

// exprFunc is a built-in callable in expressions.
type exprFunc func(args []any) (any, error)

// builtins is the closed set of safe primitives available to expressions.
var builtins = map[string]exprFunc{
	"len":      fnLen,
	"str":      fnStr,
	"int":      fnInt,
	"float":    fnFloat,
	"bool":     fnBool,
	"abs":      fnAbs,
	"min":      fnMinMax(true),
	"max":      fnMinMax(false),
	"sum":      fnSum,
	"any":      fnAnyAll(false),
	"all":      fnAnyAll(true),
	"empty":    fnEmpty,
	"exists":   fnExists,
	"contains": fnContains,
}

// EvaluateExpr parses and evaluates a restricted expression against the
// data map. Unknown root identifiers resolve to nil so exists()/empty()
// can probe for optional fields.
func EvaluateExpr(expr string, data map[string]any) (any, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}

	p := &exprParser{tokens: tokens, data: data}
	result, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.current().typ != tokenEOF {
		return nil, fmt.Errorf("unexpected trailing input at %q", p.current().value)
	}
	return result, nil
}

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdentifier
	tokenNumber
	tokenString
	tokenBool
	tokenDot
	tokenComma
	tokenLParen
	tokenRParen
	tokenEQ
	tokenNE
	tokenLT
	tokenLE
	tokenGT
	tokenGE
	tokenAnd
	tokenOr
	tokenNot
)

type token struct {
	typ   tokenType
	value string
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0

	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
			continue
		case c == '.':
			tokens = append(tokens, token{tokenDot, "."})
			i++
			continue
		case c == ',':
			tokens = append(tokens, token{tokenComma, ","})
			i++
			continue
		case c == '(':
			tokens = append(tokens, token{tokenLParen, "("})
			i++
			continue
		case c == ')':
			tokens = append(tokens, token{tokenRParen, ")"})
			i++
			continue
		}

		if i+1 < len(expr) {
			switch expr[i : i+2] {
			case "==":
				tokens = append(tokens, token{tokenEQ, "=="})
				i += 2
				continue
			case "!=":
				tokens = append(tokens, token{tokenNE, "!="})
				i += 2
				continue
			case "<=":
				tokens = append(tokens, token{tokenLE, "<="})
				i += 2
				continue
			case ">=":
				tokens = append(tokens, token{tokenGE, ">="})
				i += 2
				continue
			case "&&":
				tokens = append(tokens, token{tokenAnd, "&&"})
				i += 2
				continue
			case "||":
				tokens = append(tokens, token{tokenOr, "||"})
				i += 2
				continue
			}
		}

		switch c {
		case '<':
			tokens = append(tokens, token{tokenLT, "<"})
			i++
			continue
		case '>':
			tokens = append(tokens, token{tokenGT, ">"})
			i++
			continue
		case '!':
			tokens = append(tokens, token{tokenNot, "!"})
			i++
			continue
		}

		if c == '"' || c == '\'' {
			quote := c
			i++
			var sb strings.Builder
			for i < len(expr) && expr[i] != quote {
				if expr[i] == '\\' && i+1 < len(expr) {
					sb.WriteByte(expr[i+1])
					i += 2
					continue
				}
				sb.WriteByte(expr[i])
				i++
			}
			if i >= len(expr) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			i++ // closing quote
			tokens = append(tokens, token{tokenString, sb.String()})
			continue
		}

		if c >= '0' && c <= '9' {
			start := i
			for i < len(expr) && ((expr[i] >= '0' && expr[i] <= '9') || expr[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokenNumber, expr[start:i]})
			continue
		}

		if isIdentStart(c) {
			start := i
			for i < len(expr) && isIdentPart(expr[i]) {
				i++
			}
			value := expr[start:i]
			if value == "true" || value == "false" {
				tokens = append(tokens, token{tokenBool, value})
			} else {
				tokens = append(tokens, token{tokenIdentifier, value})
			}
			continue
		}

		return nil, fmt.Errorf("unexpected character at position %d: %c", i, c)
	}

	tokens = append(tokens, token{typ: tokenEOF})
	return tokens, nil
}

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// exprParser is a recursive descent parser with the precedence
// || < && < ! < comparison < primary.
type exprParser struct {
	tokens []token
	pos    int
	data   map[string]any
}

func (p *exprParser) current() token {
	if p.pos >= len(p.tokens) {
		return token{typ: tokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *exprParser) advance() {
	if p.pos < len(p.tokens) {
		p.pos++
	}
}

func (p *exprParser) expect(typ tokenType) error {
	if p.current().typ != typ {
		return fmt.Errorf("expected token %v, got %q", typ, p.current().value)
	}
	p.advance()
	return nil
}

func (p *exprParser) parseExpression() (any, error) {
	return p.parseOr()
}

func (p *exprParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.current().typ == tokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.current().typ == tokenAnd {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *exprParser) parseNot() (any, error) {
	if p.current().typ == tokenNot {
		p.advance()
		v, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (any, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	tok := p.current()
	switch tok.typ {
	case tokenEQ, tokenNE, tokenLT, tokenLE, tokenGT, tokenGE:
		p.advance()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return compareTokens(left, right, tok.typ)
	}
	return left, nil
}

func (p *exprParser) parsePrimary() (any, error) {
	tok := p.current()
	switch tok.typ {
	case tokenBool:
		p.advance()
		return tok.value == "true", nil
	case tokenNumber:
		p.advance()
		return strconv.ParseFloat(tok.value, 64)
	case tokenString:
		p.advance()
		return tok.value, nil
	case tokenLParen:
		p.advance()
		v, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		return v, nil
	case tokenIdentifier:
		return p.parseIdentifier()
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.value)
	}
}

func (p *exprParser) parseIdentifier() (any, error) {
	name := p.current().value
	p.advance()

	if p.current().typ == tokenLParen {
		return p.parseCall(name)
	}

	// Dotted path into the data map; unresolvable paths yield nil.
	path := []string{name}
	for p.current().typ == tokenDot {
		p.advance()
		if p.current().typ != tokenIdentifier {
			return nil, fmt.Errorf("expected identifier after '.'")
		}
		path = append(path, p.current().value)
		p.advance()
	}

	v, _ := LookupPath(p.data, strings.Join(path, "."))
	return v, nil
}

func (p *exprParser) parseCall(name string) (any, error) {
	fn, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	p.advance() // consume '('

	var args []any
	if p.current().typ != tokenRParen {
		for {
			arg, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.current().typ != tokenComma {
				break
			}
			p.advance()
		}
	}
	if err := p.expect(tokenRParen); err != nil {
		return nil, err
	}
	return fn(args)
}

func compareTokens(left, right any, op tokenType) (any, error) {
	switch op {
	case tokenEQ:
		return looseEquals(left, right), nil
	case tokenNE:
		return !looseEquals(left, right), nil
	}

	var apiOp string
	switch op {
	case tokenLT:
		apiOp = "less_than"
	case tokenLE:
		apiOp = "less_or_equal"
	case tokenGT:
		apiOp = "greater_than"
	case tokenGE:
		apiOp = "greater_or_equal"
	}

	ln, lok := toNumber(left)
	rn, rok := toNumber(right)
	if lok && rok {
		switch op {
		case tokenLT:
			return ln < rn, nil
		case tokenLE:
			return ln <= rn, nil
		case tokenGT:
			return ln > rn, nil
		case tokenGE:
			return ln >= rn, nil
		}
	}

	ls, lsok := left.(string)
	rs, rsok := right.(string)
	if lsok && rsok {
		switch op {
		case tokenLT:
			return ls < rs, nil
		case tokenLE:
			return ls <= rs, nil
		case tokenGT:
			return ls > rs, nil
		case tokenGE:
			return ls >= rs, nil
		}
	}

	return nil, fmt.Errorf("cannot apply %s to %T and %T", apiOp, left, right)
}

func fnLen(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len() requires 1 argument, got %d", len(args))
	}
	switch v := args[0].(type) {
	case string:
		return float64(len(v)), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	case nil:
		return float64(0), nil
	}
	return nil, fmt.Errorf("len() requires string, list, or map")
}

func fnStr(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("str() requires 1 argument")
	}
	switch v := args[0].(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", nil
	}
	return fmt.Sprintf("%v", args[0]), nil
}

func fnInt(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("int() requires 1 argument")
	}
	switch v := args[0].(type) {
	case float64:
		return math.Trunc(v), nil
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("int(): %w", err)
		}
		return math.Trunc(n), nil
	case bool:
		if v {
			return float64(1), nil
		}
		return float64(0), nil
	}
	return nil, fmt.Errorf("int() cannot convert %T", args[0])
}

func fnFloat(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("float() requires 1 argument")
	}
	switch v := args[0].(type) {
	case float64:
		return v, nil
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("float(): %w", err)
		}
		return n, nil
	}
	return nil, fmt.Errorf("float() cannot convert %T", args[0])
}

func fnBool(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("bool() requires 1 argument")
	}
	return truthy(args[0]), nil
}

func fnAbs(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("abs() requires 1 argument")
	}
	n, ok := toNumber(args[0])
	if !ok {
		return nil, fmt.Errorf("abs() requires a number")
	}
	return math.Abs(n), nil
}

func fnMinMax(min bool) exprFunc {
	return func(args []any) (any, error) {
		// Accept either a single list or multiple numeric arguments.
		if len(args) == 1 {
			if list, ok := args[0].([]any); ok {
				args = list
			}
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("min()/max() require at least one value")
		}
		best, ok := toNumber(args[0])
		if !ok {
			return nil, fmt.Errorf("min()/max() require numbers")
		}
		for _, a := range args[1:] {
			n, ok := toNumber(a)
			if !ok {
				return nil, fmt.Errorf("min()/max() require numbers")
			}
			if (min && n < best) || (!min && n > best) {
				best = n
			}
		}
		return best, nil
	}
}

func fnSum(args []any) (any, error) {
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			args = list
		}
	}
	total := 0.0
	for _, a := range args {
		n, ok := toNumber(a)
		if !ok {
			return nil, fmt.Errorf("sum() requires numbers, got %T", a)
		}
		total += n
	}
	return total, nil
}

func fnAnyAll(all bool) exprFunc {
	return func(args []any) (any, error) {
		if len(args) == 1 {
			if list, ok := args[0].([]any); ok {
				args = list
			}
		}
		for _, a := range args {
			if truthy(a) != all {
				return !all, nil
			}
		}
		return all, nil
	}
}

func fnEmpty(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("empty() requires 1 argument")
	}
	return isEmpty(args[0]), nil
}

func fnExists(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("exists() requires 1 argument")
	}
	return args[0] != nil, nil
}

func fnContains(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains() requires 2 arguments")
	}
	return containsValue(args[0], args[1]), nil
}
