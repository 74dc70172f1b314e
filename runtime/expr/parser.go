package expr

import "fmt"

// Compile parses src and emits a flat RPN op vector, implementing the
// precedence table of spec.md §4.3 (lowest to highest): || , && , ^ ,
// == != , < <= > >= , + - , * / , unary ! -.
func Compile(src string) ([]Op, error) {
	p := &parser{toks: tokenize(src)}
	ops, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tkEOF {
		return nil, fmt.Errorf("expr: unexpected trailing input at token %d", p.pos)
	}
	return ops, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) cur() token { return p.toks[p.pos] }
func (p *parser) advance()   { p.pos++ }

func (p *parser) parseOr() ([]Op, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tkOp && p.cur().text == "||" {
		p.advance()
		jmpIdx := len(left)
		left = append(left, Op{Kind: OpJmpIfTrue})
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = append(left, right...)
		left = append(left, Op{Kind: OpUnary, Un: UnBool})
		left[jmpIdx].Offset = len(left) - jmpIdx - 1
	}
	return left, nil
}

func (p *parser) parseAnd() ([]Op, error) {
	left, err := p.parseXor()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tkOp && p.cur().text == "&&" {
		p.advance()
		jmpIdx := len(left)
		left = append(left, Op{Kind: OpJmpIfFalse})
		right, err := p.parseXor()
		if err != nil {
			return nil, err
		}
		left = append(left, right...)
		left = append(left, Op{Kind: OpUnary, Un: UnBool})
		left[jmpIdx].Offset = len(left) - jmpIdx - 1
	}
	return left, nil
}

func (p *parser) parseXor() ([]Op, error) {
	left, err := p.parseEq()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tkOp && p.cur().text == "^" {
		p.advance()
		right, err := p.parseEq()
		if err != nil {
			return nil, err
		}
		left = append(left, right...)
		left = append(left, Op{Kind: OpBinary, Bin: BinXor})
	}
	return left, nil
}

func (p *parser) parseEq() ([]Op, error) {
	left, err := p.parseRel()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tkOp && (p.cur().text == "==" || p.cur().text == "!=") {
		op := p.cur().text
		p.advance()
		right, err := p.parseRel()
		if err != nil {
			return nil, err
		}
		left = append(left, right...)
		b := BinEq
		if op == "!=" {
			b = BinNe
		}
		left = append(left, Op{Kind: OpBinary, Bin: b})
	}
	return left, nil
}

func (p *parser) parseRel() ([]Op, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tkOp && isRelOp(p.cur().text) {
		op := p.cur().text
		p.advance()
		right, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		left = append(left, right...)
		left = append(left, Op{Kind: OpBinary, Bin: relBinOp(op)})
	}
	return left, nil
}

func isRelOp(s string) bool { return s == "<" || s == "<=" || s == ">" || s == ">=" }

func relBinOp(s string) BinOp {
	switch s {
	case "<":
		return BinLt
	case "<=":
		return BinLe
	case ">":
		return BinGt
	default:
		return BinGe
	}
}

func (p *parser) parseAdd() ([]Op, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tkOp && (p.cur().text == "+" || p.cur().text == "-") {
		op := p.cur().text
		p.advance()
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = append(left, right...)
		b := BinAdd
		if op == "-" {
			b = BinSub
		}
		left = append(left, Op{Kind: OpBinary, Bin: b})
	}
	return left, nil
}

func (p *parser) parseMul() ([]Op, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tkOp && (p.cur().text == "*" || p.cur().text == "/") {
		op := p.cur().text
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = append(left, right...)
		b := BinMul
		if op == "/" {
			b = BinDiv
		}
		left = append(left, Op{Kind: OpBinary, Bin: b})
	}
	return left, nil
}

func (p *parser) parseUnary() ([]Op, error) {
	if p.cur().kind == tkOp && (p.cur().text == "-" || p.cur().text == "!") {
		op := p.cur().text
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		u := UnNeg
		if op == "!" {
			u = UnNot
		}
		return append(operand, Op{Kind: OpUnary, Un: u}), nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() ([]Op, error) {
	ops, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tkLBracket {
		p.advance()
		idx, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur().kind != tkRBracket {
			return nil, fmt.Errorf("expr: expected ']'")
		}
		p.advance()
		ops = append(ops, idx...)
		ops = append(ops, Op{Kind: OpArrayAccess})
	}
	return ops, nil
}

func (p *parser) parsePrimary() ([]Op, error) {
	t := p.cur()
	switch t.kind {
	case tkNumber:
		p.advance()
		return []Op{{Kind: OpPushConst, Num: t.num}}, nil
	case tkString:
		p.advance()
		return []Op{{Kind: OpPushConst, Str: t.text, IsStr: true}}, nil
	case tkIdent:
		p.advance()
		if p.cur().kind == tkLParen {
			p.advance()
			var args []Op
			n := 0
			if p.cur().kind != tkRParen {
				for {
					a, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, a...)
					n++
					if p.cur().kind == tkComma {
						p.advance()
						continue
					}
					break
				}
			}
			if p.cur().kind != tkRParen {
				return nil, fmt.Errorf("expr: expected ')' after call arguments")
			}
			p.advance()
			args = append(args, Op{Kind: OpCall, FuncName: t.text, NumArgs: n})
			return args, nil
		}
		return []Op{{Kind: OpPushVar, Var: t.text}}, nil
	case tkLBracket:
		p.advance()
		var items []Op
		n := 0
		if p.cur().kind != tkRBracket {
			for {
				item, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				items = append(items, item...)
				n++
				if p.cur().kind == tkComma {
					p.advance()
					continue
				}
				break
			}
		}
		if p.cur().kind != tkRBracket {
			return nil, fmt.Errorf("expr: expected ']'")
		}
		p.advance()
		items = append(items, Op{Kind: OpArrayBuild, ArrayN: n})
		return items, nil
	case tkLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur().kind != tkRParen {
			return nil, fmt.Errorf("expr: expected ')'")
		}
		p.advance()
		return inner, nil
	default:
		return nil, fmt.Errorf("expr: unexpected token at position %d", p.pos)
	}
}
