package expression

import (
	"fmt"
	"strings"
)

type node interface{}

type litNode struct{ v any }

type varNode struct {
	name string
	path []string
}

type listNode struct{ items []node }

type unaryNode struct {
	op string
	x  node
}

type binaryNode struct {
	op   string
	l, r node
}

type callNode struct {
	name string
	args []node
}

var builtinArity = map[string][2]int{
	"len":      {1, 1},
	"lower":    {1, 1},
	"upper":    {1, 1},
	"contains": {2, 2},
	"defined":  {1, 1},
	"coalesce": {1, -1},
	"min":      {1, -1},
	"max":      {1, -1},
}

type parser struct {
	toks   []token
	pos    int
	depth  int
	nodes  int
	limits Limits
}

func parse(src string, limits Limits) (node, error) {
	if limits.MaxLength > 0 && len(src) > limits.MaxLength {
		return nil, fmt.Errorf("expression exceeds %d characters", limits.MaxLength)
	}
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, limits: limits}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("at %d: unexpected %q", t.pos, t.text)
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

func (p *parser) isOp(ops ...string) (string, bool) {
	t := p.peek()
	var word string
	switch t.kind {
	case tokOp:
		word = t.text
	case tokIdent:
		word = t.text
	default:
		return "", false
	}
	for _, op := range ops {
		if word == op {
			return op, true
		}
	}
	return "", false
}

func (p *parser) add(n node) (node, error) {
	p.nodes++
	if p.limits.MaxNodes > 0 && p.nodes > p.limits.MaxNodes {
		return nil, fmt.Errorf("expression exceeds %d nodes", p.limits.MaxNodes)
	}
	return n, nil
}

func (p *parser) enter() error {
	p.depth++
	if p.limits.MaxDepth > 0 && p.depth > p.limits.MaxDepth {
		return fmt.Errorf("expression exceeds nesting depth %d", p.limits.MaxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseOr() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("||", "or"); !ok {
			return l, nil
		}
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if l, err = p.add(&binaryNode{op: "||", l: l, r: r}); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("&&", "and"); !ok {
			return l, nil
		}
		p.next()
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if l, err = p.add(&binaryNode{op: "&&", l: l, r: r}); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseNot() (node, error) {
	if _, ok := p.isOp("not"); ok {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return p.add(&unaryNode{op: "!", x: x})
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	l, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	op, ok := p.isOp("==", "!=", "<", "<=", ">", ">=", "in")
	if !ok {
		return l, nil
	}
	p.next()
	r, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if _, again := p.isOp("==", "!=", "<", "<=", ">", ">=", "in"); again {
		return nil, fmt.Errorf("at %d: comparisons cannot be chained", p.peek().pos)
	}
	return p.add(&binaryNode{op: op, l: l, r: r})
}

func (p *parser) parseAdditive() (node, error) {
	l, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("+", "-")
		if !ok {
			return l, nil
		}
		p.next()
		r, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		if l, err = p.add(&binaryNode{op: op, l: l, r: r}); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("*", "/", "%")
		if !ok {
			return l, nil
		}
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if l, err = p.add(&binaryNode{op: op, l: l, r: r}); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.isOp("!", "-"); ok && p.peek().kind == tokOp {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return p.add(&unaryNode{op: op, x: x})
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return p.add(&litNode{v: t.num})
	case tokString:
		return p.add(&litNode{v: t.text})
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, fmt.Errorf("at %d: expected ')'", c.pos)
		}
		return n, nil
	case tokLBracket:
		items, err := p.parseArgs(tokRBracket)
		if err != nil {
			return nil, err
		}
		return p.add(&listNode{items: items})
	case tokIdent:
		switch t.text {
		case "true":
			return p.add(&litNode{v: true})
		case "false":
			return p.add(&litNode{v: false})
		case "null", "nil":
			return p.add(&litNode{v: nil})
		case "and", "or", "not", "in":
			return nil, fmt.Errorf("at %d: unexpected keyword %q", t.pos, t.text)
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return p.add(&varNode{name: t.text, path: strings.Split(t.text, ".")})
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("at %d: unexpected %q", t.pos, t.text)
	}
}

func (p *parser) parseCall(name token) (node, error) {
	arity, ok := builtinArity[name.text]
	if !ok {
		return nil, fmt.Errorf("at %d: unknown function %q", name.pos, name.text)
	}
	p.next() // (
	args, err := p.parseArgs(tokRParen)
	if err != nil {
		return nil, err
	}
	if len(args) < arity[0] || (arity[1] >= 0 && len(args) > arity[1]) {
		return nil, fmt.Errorf("at %d: %s takes %s arguments, got %d", name.pos, name.text, arityText(arity), len(args))
	}
	if name.text == "defined" {
		if _, isVar := args[0].(*varNode); !isVar {
			return nil, fmt.Errorf("at %d: defined expects a variable", name.pos)
		}
	}
	return p.add(&callNode{name: name.text, args: args})
}

func (p *parser) parseArgs(closer tokenKind) ([]node, error) {
	var args []node
	if p.peek().kind == closer {
		p.next()
		return args, nil
	}
	for {
		a, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		t := p.next()
		switch t.kind {
		case tokComma:
			continue
		case closer:
			return args, nil
		default:
			return nil, fmt.Errorf("at %d: expected ',' or closing bracket", t.pos)
		}
	}
}

func arityText(a [2]int) string {
	switch {
	case a[0] == a[1]:
		return fmt.Sprintf("%d", a[0])
	case a[1] < 0:
		return fmt.Sprintf("at least %d", a[0])
	default:
		return fmt.Sprintf("%d to %d", a[0], a[1])
	}
}
