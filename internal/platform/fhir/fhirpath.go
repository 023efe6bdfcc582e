package fhir

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"encoding/json"
)

// ============================================================================
// FHIRPath public API
// ============================================================================

// Collection is a FHIRPath evaluation result. FHIRPath is collection-valued:
// an empty collection means the path resolved to nothing.
type Collection []interface{}

// EnvVars are the environment variables visible to an expression, addressed
// as %name. Subscription trigger expressions receive %previous and %current;
// %resource always refers to the evaluation root.
type EnvVars map[string]Resource

// CompiledExpr is a parsed FHIRPath expression, safe for concurrent use.
type CompiledExpr struct {
	source string
	root   *exprNode
}

// exprCache memoizes compiled expressions. Search parameter extraction and
// trigger evaluation re-run the same small set of expressions on every write,
// so parsing once pays for itself immediately.
var exprCache sync.Map // string -> *CompiledExpr

// Compile parses a FHIRPath expression, consulting the process-wide cache.
func Compile(expression string) (*CompiledExpr, error) {
	if cached, ok := exprCache.Load(expression); ok {
		return cached.(*CompiledExpr), nil
	}
	src := strings.TrimSpace(expression)
	if src == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}
	tokens, err := lexExpr(src)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: %w", err)
	}
	p := &exprParser{tokens: tokens}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: %w", err)
	}
	if tok := p.peek(); tok.kind != xtEOF {
		return nil, fmt.Errorf("fhirpath: unexpected token %q at %d", tok.text, tok.pos)
	}
	ce := &CompiledExpr{source: expression, root: root}
	exprCache.Store(expression, ce)
	return ce, nil
}

// Evaluate runs the expression against a resource with no environment
// variables beyond %resource.
func (ce *CompiledExpr) Evaluate(resource Resource) (Collection, error) {
	return ce.EvaluateEnv(resource, nil)
}

// EvaluateEnv runs the expression with the given environment variables.
func (ce *CompiledExpr) EvaluateEnv(resource Resource, env EnvVars) (Collection, error) {
	ec := &exprEval{resource: resource, env: env}
	var input Collection
	if resource != nil {
		input = Collection{map[string]interface{}(resource)}
	}
	out, err := ec.eval(ce.root, input)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: eval %q: %w", ce.source, err)
	}
	return out, nil
}

// EvaluatePath compiles and evaluates in one step.
func EvaluatePath(resource Resource, expression string) (Collection, error) {
	ce, err := Compile(expression)
	if err != nil {
		return nil, err
	}
	return ce.Evaluate(resource)
}

// EvaluateBool applies FHIRPath singleton evaluation to the result: an empty
// collection is false, a lone boolean is itself, anything else is true.
func EvaluateBool(resource Resource, expression string, env EnvVars) (bool, error) {
	ce, err := Compile(expression)
	if err != nil {
		return false, err
	}
	out, err := ce.EvaluateEnv(resource, env)
	if err != nil {
		return false, err
	}
	return out.Bool(), nil
}

// Bool converts a collection to a boolean per singleton evaluation.
func (c Collection) Bool() bool {
	if len(c) == 0 {
		return false
	}
	if len(c) == 1 {
		switch v := c[0].(type) {
		case bool:
			return v
		case nil:
			return false
		default:
			return true
		}
	}
	return true
}

// Strings renders each collection item as a string, skipping complex values.
func (c Collection) Strings() []string {
	out := make([]string, 0, len(c))
	for _, v := range c {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case bool, json.Number:
			out = append(out, fmt.Sprintf("%v", t))
		}
	}
	return out
}

// ============================================================================
// Lexer
// ============================================================================

type exprTokenKind int

const (
	xtIdent exprTokenKind = iota
	xtEnvVar
	xtNumber
	xtString
	xtDateTime
	xtDot
	xtLParen
	xtRParen
	xtLBrack
	xtRBrack
	xtComma
	xtOp // = != < > <= >=
	xtPipe
	xtEOF
)

type exprToken struct {
	kind exprTokenKind
	text string
	pos  int
}

func lexExpr(input string) ([]exprToken, error) {
	var out []exprToken
	i, n := 0, len(input)
	for i < n {
		ch := input[i]
		start := i
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '.':
			out = append(out, exprToken{xtDot, ".", start})
			i++
		case ch == '(':
			out = append(out, exprToken{xtLParen, "(", start})
			i++
		case ch == ')':
			out = append(out, exprToken{xtRParen, ")", start})
			i++
		case ch == '[':
			out = append(out, exprToken{xtLBrack, "[", start})
			i++
		case ch == ']':
			out = append(out, exprToken{xtRBrack, "]", start})
			i++
		case ch == ',':
			out = append(out, exprToken{xtComma, ",", start})
			i++
		case ch == '|':
			out = append(out, exprToken{xtPipe, "|", start})
			i++
		case ch == '=':
			out = append(out, exprToken{xtOp, "=", start})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				out = append(out, exprToken{xtOp, "!=", start})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected '!' at %d", start)
			}
		case ch == '<' || ch == '>':
			op := string(ch)
			i++
			if i < n && input[i] == '=' {
				op += "="
				i++
			}
			out = append(out, exprToken{xtOp, op, start})
		case ch == '%':
			i++
			j := i
			for j < n && (input[j] == '_' || input[j] == '-' ||
				unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("empty environment variable at %d", start)
			}
			out = append(out, exprToken{xtEnvVar, input[i:j], start})
			i = j
		case ch == '\'':
			i++
			var sb strings.Builder
			for i < n && input[i] != '\'' {
				if input[i] == '\\' && i+1 < n {
					i++
					switch input[i] {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					default:
						sb.WriteByte(input[i])
					}
				} else {
					sb.WriteByte(input[i])
				}
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			i++
			out = append(out, exprToken{xtString, sb.String(), start})
		case ch == '@':
			i++
			j := i
			for j < n && (input[j] == '-' || input[j] == ':' || input[j] == 'T' ||
				input[j] == '+' || input[j] == 'Z' || input[j] == '.' ||
				(input[j] >= '0' && input[j] <= '9')) {
				j++
			}
			out = append(out, exprToken{xtDateTime, input[i:j], start})
			i = j
		case ch >= '0' && ch <= '9':
			j := i
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			if j+1 < n && input[j] == '.' && input[j+1] >= '0' && input[j+1] <= '9' {
				j++
				for j < n && input[j] >= '0' && input[j] <= '9' {
					j++
				}
			}
			out = append(out, exprToken{xtNumber, input[i:j], start})
			i = j
		case ch == '_' || ch == '$' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || input[j] == '$' ||
				unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			out = append(out, exprToken{xtIdent, input[i:j], start})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", string(ch), start)
		}
	}
	out = append(out, exprToken{xtEOF, "", n})
	return out, nil
}

// ============================================================================
// Parser
// ============================================================================

type exprNodeKind int

const (
	xnLiteral exprNodeKind = iota
	xnPath
	xnEnvVar
	xnThis
	xnDot
	xnIndex
	xnFunc
	xnCompare
	xnAnd
	xnOr
	xnXor
	xnImplies
	xnUnion
)

type exprNode struct {
	kind exprNodeKind
	val  interface{} // literal value, identifier, env var name, or operator
	kids []*exprNode
}

type exprParser struct {
	tokens []exprToken
	pos    int
}

func (p *exprParser) peek() exprToken {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return exprToken{kind: xtEOF, pos: -1}
}

func (p *exprParser) next() exprToken {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *exprParser) expect(kind exprTokenKind, what string) (exprToken, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s, got %q at %d", what, t.text, t.pos)
	}
	return t, nil
}

// Precedence, lowest to highest: implies, or/xor, and, |, comparisons,
// postfix (dot, index, call).
func infixPrec(tok exprToken) (int, exprNodeKind) {
	switch {
	case tok.kind == xtIdent && tok.text == "implies":
		return 1, xnImplies
	case tok.kind == xtIdent && tok.text == "or":
		return 2, xnOr
	case tok.kind == xtIdent && tok.text == "xor":
		return 2, xnXor
	case tok.kind == xtIdent && tok.text == "and":
		return 3, xnAnd
	case tok.kind == xtPipe:
		return 4, xnUnion
	case tok.kind == xtOp:
		return 5, xnCompare
	}
	return -1, 0
}

func (p *exprParser) parseExpr(minPrec int) (*exprNode, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind := infixPrec(tok)
		if prec < minPrec {
			return left, nil
		}
		p.next()
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		node := &exprNode{kind: kind, kids: []*exprNode{left, right}}
		if kind == xnCompare {
			node.val = tok.text
		}
		left = node
	}
}

func (p *exprParser) parsePostfix() (*exprNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case xtDot:
			p.next()
			ident, err := p.expect(xtIdent, "identifier after '.'")
			if err != nil {
				return nil, err
			}
			if p.peek().kind == xtLParen {
				p.next()
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				if _, err := p.expect(xtRParen, "')'"); err != nil {
					return nil, err
				}
				node = &exprNode{kind: xnFunc, val: ident.text, kids: append([]*exprNode{node}, args...)}
			} else {
				field := &exprNode{kind: xnPath, val: ident.text}
				node = &exprNode{kind: xnDot, kids: []*exprNode{node, field}}
			}
		case xtLBrack:
			p.next()
			num, err := p.expect(xtNumber, "index")
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(xtRBrack, "']'"); err != nil {
				return nil, err
			}
			idx, _ := strconv.Atoi(num.text)
			node = &exprNode{kind: xnIndex, val: idx, kids: []*exprNode{node}}
		default:
			return node, nil
		}
	}
}

func (p *exprParser) parsePrimary() (*exprNode, error) {
	tok := p.next()
	switch tok.kind {
	case xtLParen:
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(xtRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case xtString:
		return &exprNode{kind: xnLiteral, val: tok.text}, nil
	case xtNumber:
		if strings.Contains(tok.text, ".") {
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q at %d", tok.text, tok.pos)
			}
			return &exprNode{kind: xnLiteral, val: f}, nil
		}
		i, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q at %d", tok.text, tok.pos)
		}
		return &exprNode{kind: xnLiteral, val: i}, nil
	case xtDateTime:
		t, err := ParseDateTime(tok.text)
		if err != nil {
			return nil, fmt.Errorf("invalid datetime %q at %d", tok.text, tok.pos)
		}
		return &exprNode{kind: xnLiteral, val: t}, nil
	case xtEnvVar:
		return &exprNode{kind: xnEnvVar, val: tok.text}, nil
	case xtIdent:
		switch tok.text {
		case "true":
			return &exprNode{kind: xnLiteral, val: true}, nil
		case "false":
			return &exprNode{kind: xnLiteral, val: false}, nil
		case "$this":
			return &exprNode{kind: xnThis}, nil
		}
		if p.peek().kind == xtLParen {
			p.next()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(xtRParen, "')'"); err != nil {
				return nil, err
			}
			// Leading call applies to the implicit input collection.
			return &exprNode{kind: xnFunc, val: tok.text, kids: append([]*exprNode{{kind: xnThis}}, args...)}, nil
		}
		return &exprNode{kind: xnPath, val: tok.text}, nil
	case xtEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected token %q at %d", tok.text, tok.pos)
	}
}

func (p *exprParser) parseArgs() ([]*exprNode, error) {
	var args []*exprNode
	if p.peek().kind == xtRParen {
		return args, nil
	}
	for {
		arg, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != xtComma {
			return args, nil
		}
		p.next()
	}
}

// ============================================================================
// Evaluator
// ============================================================================

type exprEval struct {
	resource Resource
	env      EnvVars
}

func (ec *exprEval) eval(node *exprNode, input Collection) (Collection, error) {
	switch node.kind {
	case xnLiteral:
		return Collection{node.val}, nil
	case xnThis:
		return input, nil
	case xnEnvVar:
		return ec.evalEnvVar(node.val.(string))
	case xnPath:
		return ec.evalPath(node.val.(string), input), nil
	case xnDot:
		left, err := ec.eval(node.kids[0], input)
		if err != nil {
			return nil, err
		}
		return ec.eval(node.kids[1], left)
	case xnIndex:
		coll, err := ec.eval(node.kids[0], input)
		if err != nil {
			return nil, err
		}
		idx := node.val.(int)
		if idx < 0 || idx >= len(coll) {
			return Collection{}, nil
		}
		return Collection{coll[idx]}, nil
	case xnFunc:
		return ec.evalFunc(node, input)
	case xnCompare:
		return ec.evalCompare(node, input)
	case xnAnd, xnOr, xnXor, xnImplies:
		return ec.evalLogical(node, input)
	case xnUnion:
		return ec.evalUnion(node, input)
	}
	return nil, fmt.Errorf("unknown node kind %d", node.kind)
}

func (ec *exprEval) evalEnvVar(name string) (Collection, error) {
	if name == "resource" {
		if ec.resource == nil {
			return Collection{}, nil
		}
		return Collection{map[string]interface{}(ec.resource)}, nil
	}
	r, ok := ec.env[name]
	if !ok {
		return nil, fmt.Errorf("undefined environment variable %%%s", name)
	}
	if r == nil {
		return Collection{}, nil
	}
	return Collection{map[string]interface{}(r)}, nil
}

func (ec *exprEval) evalPath(name string, input Collection) Collection {
	// A leading resource type name selects the root when it matches and
	// filters items by their resourceType otherwise.
	if isTypeName(name) {
		var out Collection
		for _, item := range input {
			if m, ok := item.(map[string]interface{}); ok {
				if rt, _ := m["resourceType"].(string); rt == name {
					out = append(out, item)
				}
			}
		}
		return out
	}
	var out Collection
	for _, item := range input {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		val, ok := m[name]
		if !ok {
			// Choice elements: value[x] addressed by the bare stem.
			val, ok = choiceElement(m, name)
			if !ok {
				continue
			}
		}
		if arr, isArr := val.([]interface{}); isArr {
			out = append(out, arr...)
		} else {
			out = append(out, val)
		}
	}
	return out
}

// choiceElement resolves a choice stem like "value" to the concrete member
// such as "valueQuantity" or "valueString".
func choiceElement(m map[string]interface{}, stem string) (interface{}, bool) {
	for k, v := range m {
		if len(k) > len(stem) && strings.HasPrefix(k, stem) &&
			k[len(stem)] >= 'A' && k[len(stem)] <= 'Z' {
			return v, true
		}
	}
	return nil, false
}

func (ec *exprEval) evalCompare(node *exprNode, input Collection) (Collection, error) {
	left, err := ec.eval(node.kids[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ec.eval(node.kids[1], input)
	if err != nil {
		return nil, err
	}
	if len(left) == 0 || len(right) == 0 {
		return Collection{}, nil
	}
	op := node.val.(string)
	// Equality over multi-item collections compares item-wise; the ordering
	// operators use singleton semantics.
	if op == "=" || op == "!=" {
		eq := len(left) == len(right)
		if eq {
			for i := range left {
				if !valuesEqual(left[i], right[i]) {
					eq = false
					break
				}
			}
		}
		if op == "!=" {
			eq = !eq
		}
		return Collection{eq}, nil
	}
	res, err := compareOrdered(left[0], right[0], op)
	if err != nil {
		return nil, err
	}
	return Collection{res}, nil
}

func valuesEqual(a, b interface{}) bool {
	if an, aok := asFloat(a); aok {
		if bn, bok := asFloat(b); bok {
			return an == bn
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrdered(a, b interface{}, op string) (bool, error) {
	if an, aok := asFloat(a); aok {
		if bn, bok := asFloat(b); bok {
			switch op {
			case "<":
				return an < bn, nil
			case ">":
				return an > bn, nil
			case "<=":
				return an <= bn, nil
			case ">=":
				return an >= bn, nil
			}
		}
	}
	at, aIsTime := coerceTime(a)
	bt, bIsTime := coerceTime(b)
	if aIsTime && bIsTime {
		switch op {
		case "<":
			return at.Before(bt), nil
		case ">":
			return at.After(bt), nil
		case "<=":
			return !at.After(bt), nil
		case ">=":
			return !at.Before(bt), nil
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch op {
	case "<":
		return as < bs, nil
	case ">":
		return as > bs, nil
	case "<=":
		return as <= bs, nil
	case ">=":
		return as >= bs, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func coerceTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := ParseDateTime(t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func (ec *exprEval) evalLogical(node *exprNode, input Collection) (Collection, error) {
	left, err := ec.eval(node.kids[0], input)
	if err != nil {
		return nil, err
	}
	lb := left.Bool()
	switch node.kind {
	case xnAnd:
		if !lb {
			return Collection{false}, nil
		}
	case xnOr:
		if lb {
			return Collection{true}, nil
		}
	case xnImplies:
		if !lb {
			return Collection{true}, nil
		}
	}
	right, err := ec.eval(node.kids[1], input)
	if err != nil {
		return nil, err
	}
	rb := right.Bool()
	if node.kind == xnXor {
		return Collection{lb != rb}, nil
	}
	return Collection{rb}, nil
}

func (ec *exprEval) evalUnion(node *exprNode, input Collection) (Collection, error) {
	left, err := ec.eval(node.kids[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ec.eval(node.kids[1], input)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out Collection
	for _, v := range append(left, right...) {
		key := fmt.Sprintf("%v", v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func (ec *exprEval) evalFunc(node *exprNode, input Collection) (Collection, error) {
	name := node.val.(string)
	recv, err := ec.eval(node.kids[0], input)
	if err != nil {
		return nil, err
	}
	args := node.kids[1:]

	switch name {
	case "where":
		return ec.filter(recv, args, false)
	case "exists":
		if len(args) == 0 {
			return Collection{len(recv) > 0}, nil
		}
		matched, err := ec.filter(recv, args, true)
		if err != nil {
			return nil, err
		}
		return Collection{len(matched) > 0}, nil
	case "all":
		for _, item := range recv {
			val, err := ec.eval(args[0], Collection{item})
			if err != nil {
				return nil, err
			}
			if !val.Bool() {
				return Collection{false}, nil
			}
		}
		return Collection{true}, nil
	case "empty":
		return Collection{len(recv) == 0}, nil
	case "not":
		return Collection{!recv.Bool()}, nil
	case "count":
		return Collection{int64(len(recv))}, nil
	case "first":
		if len(recv) == 0 {
			return Collection{}, nil
		}
		return Collection{recv[0]}, nil
	case "last":
		if len(recv) == 0 {
			return Collection{}, nil
		}
		return Collection{recv[len(recv)-1]}, nil
	case "distinct":
		seen := map[string]bool{}
		var out Collection
		for _, v := range recv {
			key := fmt.Sprintf("%v", v)
			if !seen[key] {
				seen[key] = true
				out = append(out, v)
			}
		}
		return out, nil
	case "select":
		var out Collection
		for _, item := range recv {
			val, err := ec.eval(args[0], Collection{item})
			if err != nil {
				return nil, err
			}
			out = append(out, val...)
		}
		return out, nil
	case "ofType", "as":
		return filterByType(recv, typeArg(args)), nil
	case "is":
		if len(recv) == 0 {
			return Collection{false}, nil
		}
		return Collection{itemIsType(recv[0], typeArg(args))}, nil
	case "hasValue":
		return Collection{len(recv) == 1 && recv[0] != nil}, nil
	case "startsWith":
		return ec.stringPredicate(recv, args, input, strings.HasPrefix)
	case "endsWith":
		return ec.stringPredicate(recv, args, input, strings.HasSuffix)
	case "contains":
		return ec.stringPredicate(recv, args, input, strings.Contains)
	case "matches":
		return ec.fnMatches(recv, args, input)
	case "lower":
		return ec.stringTransform(recv, strings.ToLower)
	case "upper":
		return ec.stringTransform(recv, strings.ToUpper)
	case "toString":
		if len(recv) == 0 {
			return Collection{}, nil
		}
		return Collection{fmt.Sprintf("%v", recv[0])}, nil
	case "resolve":
		// Reference targets resolve at the store layer; here a reference
		// passes through so type filters still apply to the literal.
		return recv, nil
	case "now":
		return Collection{time.Now().UTC()}, nil
	case "today":
		y, m, d := time.Now().UTC().Date()
		return Collection{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}, nil
	case "iif":
		if len(args) < 2 {
			return Collection{}, nil
		}
		cond, err := ec.eval(args[0], input)
		if err != nil {
			return nil, err
		}
		if cond.Bool() {
			return ec.eval(args[1], input)
		}
		if len(args) >= 3 {
			return ec.eval(args[2], input)
		}
		return Collection{}, nil
	}
	return nil, fmt.Errorf("unknown function %q", name)
}

// filter applies a predicate; with shortCircuit set it stops at the first
// matching item.
func (ec *exprEval) filter(recv Collection, args []*exprNode, shortCircuit bool) (Collection, error) {
	if len(args) == 0 {
		return recv, nil
	}
	var out Collection
	for _, item := range recv {
		val, err := ec.eval(args[0], Collection{item})
		if err != nil {
			return nil, err
		}
		if val.Bool() {
			out = append(out, item)
			if shortCircuit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (ec *exprEval) stringPredicate(recv Collection, args []*exprNode, input Collection, fn func(string, string) bool) (Collection, error) {
	if len(recv) == 0 || len(args) == 0 {
		return Collection{}, nil
	}
	argColl, err := ec.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return Collection{}, nil
	}
	return Collection{fn(fmt.Sprintf("%v", recv[0]), fmt.Sprintf("%v", argColl[0]))}, nil
}

func (ec *exprEval) stringTransform(recv Collection, fn func(string) string) (Collection, error) {
	if len(recv) == 0 {
		return Collection{}, nil
	}
	return Collection{fn(fmt.Sprintf("%v", recv[0]))}, nil
}

func (ec *exprEval) fnMatches(recv Collection, args []*exprNode, input Collection) (Collection, error) {
	if len(recv) == 0 || len(args) == 0 {
		return Collection{}, nil
	}
	argColl, err := ec.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return Collection{}, nil
	}
	re, err := regexp.Compile(fmt.Sprintf("%v", argColl[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return Collection{re.MatchString(fmt.Sprintf("%v", recv[0]))}, nil
}

func typeArg(args []*exprNode) string {
	if len(args) == 0 {
		return ""
	}
	switch args[0].kind {
	case xnPath:
		return args[0].val.(string)
	case xnLiteral:
		return fmt.Sprintf("%v", args[0].val)
	case xnDot:
		// FHIR.Quantity style qualified names: take the last segment.
		if args[0].kids[1].kind == xnPath {
			return args[0].kids[1].val.(string)
		}
	}
	return ""
}

func filterByType(coll Collection, typeName string) Collection {
	var out Collection
	for _, item := range coll {
		if itemIsType(item, typeName) {
			out = append(out, item)
		}
	}
	return out
}

func itemIsType(v interface{}, typeName string) bool {
	switch strings.ToLower(typeName) {
	case "string", "code", "uri", "id":
		_, ok := v.(string)
		return ok
	case "integer":
		switch t := v.(type) {
		case int, int64:
			return true
		case json.Number:
			_, err := t.Int64()
			return err == nil
		}
		return false
	case "decimal":
		switch v.(type) {
		case float64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "quantity":
		m, ok := v.(map[string]interface{})
		if !ok {
			return false
		}
		_, hasValue := m["value"]
		return hasValue
	case "datetime", "date", "instant":
		switch t := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := ParseDateTime(t)
			return err == nil
		}
		return false
	default:
		if m, ok := v.(map[string]interface{}); ok {
			if rt, ok := m["resourceType"].(string); ok {
				return rt == typeName
			}
			// An unresolved Reference carries its target type in the
			// literal, which is what resolve() is T tests rely on.
			if ref, ok := m["reference"].(string); ok {
				refType, _ := SplitReference(ref)
				return refType == typeName
			}
		}
		return false
	}
}

func isTypeName(name string) bool {
	return name != "" && unicode.IsUpper(rune(name[0])) && IsKnownResourceType(name)
}

// ParseDateTime parses FHIR date/dateTime/instant strings at any precision.
func ParseDateTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006-01",
		"2006",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse datetime %q", s)
}
