package compiler

import (
	"strings"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/diag"
	"github.com/aledsdavies/sievevm/runtime/lexer"
)

// unescape resolves the lexer's preserved "\x" backslash pairs inside a
// quoted string literal down to the literal byte x, leaving any "${...}"
// sequences untouched for runtime/interp to resolve afterward.
func unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			b.WriteByte(s[i])
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// readString consumes one STRING or `text:` heredoc token, returning
// its decoded (but not yet ${}-interpolated) text.
func (c *Compiler) readString() (string, bool) {
	if c.cur.Type == lexer.STRING {
		s := unescape(c.cur.Text)
		c.advance()
		return s, true
	}
	if c.cur.Type == lexer.IDENTIFIER && strings.EqualFold(c.cur.Text, "text") && c.peeked == nil {
		if c.lx.TryConsumeMultilineColon() {
			tok, err := c.lx.LexMultiline()
			if err != nil {
				c.fail(err)
				return "", false
			}
			c.advance()
			return tok.Text, true
		}
	}
	c.failUnexpected()
	return "", false
}

// parseRawStringList reads either a single string or a bracketed
// comma-separated string-list, without interpolation — used by
// require/global, whose arguments are capability/variable names, not
// message text.
func (c *Compiler) parseRawStringList() ([]string, bool) {
	if c.cur.Type == lexer.LBRACKET {
		c.advance()
		var out []string
		if c.cur.Type != lexer.RBRACKET {
			for {
				s, ok := c.readString()
				if !ok {
					return nil, false
				}
				out = append(out, s)
				if c.cur.Type == lexer.COMMA {
					c.advance()
					continue
				}
				break
			}
		}
		if !c.expect(lexer.RBRACKET) {
			return nil, false
		}
		return out, true
	}
	s, ok := c.readString()
	if !ok {
		return nil, false
	}
	return []string{s}, true
}

// parseTemplate reads and interpolates a single string argument.
func (c *Compiler) parseTemplate() (bytecode.StringTemplate, bool) {
	raw, ok := c.readString()
	if !ok {
		return bytecode.StringTemplate{}, false
	}
	tpl, err := c.interpolateString(raw)
	if err != nil {
		c.fail(err)
		return bytecode.StringTemplate{}, false
	}
	return tpl, true
}

// parseTemplateList reads and interpolates a string or string-list
// argument.
func (c *Compiler) parseTemplateList() ([]bytecode.StringTemplate, bool) {
	if c.cur.Type == lexer.LBRACKET {
		c.advance()
		var out []bytecode.StringTemplate
		if c.cur.Type != lexer.RBRACKET {
			for {
				raw, ok := c.readString()
				if !ok {
					return nil, false
				}
				tpl, err := c.interpolateString(raw)
				if err != nil {
					c.fail(err)
					return nil, false
				}
				out = append(out, tpl)
				if c.cur.Type == lexer.COMMA {
					c.advance()
					continue
				}
				break
			}
		}
		if !c.expect(lexer.RBRACKET) {
			return nil, false
		}
		return out, true
	}
	tpl, ok := c.parseTemplate()
	if !ok {
		return nil, false
	}
	return []bytecode.StringTemplate{tpl}, true
}

func (c *Compiler) readNumber() (int64, bool) {
	if c.cur.Type != lexer.NUMBER {
		c.failUnexpected()
		return 0, false
	}
	n := c.cur.Number
	c.advance()
	return n, true
}

// commonTagArgs is the mutable accumulator the shared tagged-argument
// loop below fills in; callers copy whichever fields their TestKind
// cares about onto the final TestSpec.
type commonTagArgs struct {
	comparator  bytecode.Comparator
	match       bytecode.MatchType
	matchSet    bool
	index       bytecode.Index
	mime        bool
	anychild    bool
	addressPart bytecode.AddressPart
	addrSet     bool
}

// parseCommonTagArgs consumes the shared run of tags header/address/
// envelope/body (and several others) accept in any order:
// :comparator, :is/:contains/:matches/:regex/:count/:value,
// :index/:last, :mime/:anychild, :localpart/:domain/:all/:user/:detail.
// It stops at the first token that isn't a recognized tag, leaving the
// compiler positioned at the test's source/key-list arguments.
func (c *Compiler) parseCommonTagArgs() commonTagArgs {
	args := commonTagArgs{comparator: bytecode.DefaultComparator}
	for c.cur.Type == lexer.TAG {
		tag := strings.ToLower(c.cur.Text)
		switch tag {
		case "comparator":
			c.advance()
			name, ok := c.readString()
			if !ok {
				continue
			}
			args.comparator = comparatorByName(name)
			if args.comparator.Kind == bytecode.ComparatorAsciiNumeric {
				c.requireCap("comparator-i;ascii-numeric")
			}
		case "is":
			c.advance()
			args.match = bytecode.MatchType{Kind: bytecode.MatchIs}
			args.matchSet = true
		case "contains":
			c.advance()
			args.match = bytecode.MatchType{Kind: bytecode.MatchContains}
			args.matchSet = true
		case "matches":
			c.advance()
			args.match = bytecode.MatchType{Kind: bytecode.MatchMatches}
			args.matchSet = true
		case "regex":
			c.advance()
			c.requireCap("regex")
			args.match = bytecode.MatchType{Kind: bytecode.MatchRegex}
			args.matchSet = true
		case "count":
			c.advance()
			c.requireCap("relational")
			op := c.readRelOp()
			args.match = bytecode.MatchType{Kind: bytecode.MatchCount, RelOp: op}
			args.matchSet = true
		case "value":
			c.advance()
			c.requireCap("relational")
			op := c.readRelOp()
			args.match = bytecode.MatchType{Kind: bytecode.MatchValue, RelOp: op}
			args.matchSet = true
		case "index":
			c.advance()
			c.requireCap("index")
			n, ok := c.readNumber()
			if ok {
				args.index = bytecode.Index{Set: true, Value: int(n)}
			}
		case "last":
			c.advance()
			args.index.Set = true
			args.index.IsLast = true
		case "mime":
			c.advance()
			c.requireCap("mime")
			args.mime = true
		case "anychild":
			c.advance()
			args.anychild = true
		case "all":
			c.advance()
			args.addressPart, args.addrSet = bytecode.AddrAll, true
		case "localpart":
			c.advance()
			args.addressPart, args.addrSet = bytecode.AddrLocalPart, true
		case "domain":
			c.advance()
			args.addressPart, args.addrSet = bytecode.AddrDomain, true
		case "user":
			c.advance()
			c.requireCap("subaddress")
			args.addressPart, args.addrSet = bytecode.AddrUser, true
		case "detail":
			c.advance()
			c.requireCap("subaddress")
			args.addressPart, args.addrSet = bytecode.AddrDetail, true
		default:
			return args
		}
	}
	if !args.matchSet {
		args.match = bytecode.MatchType{Kind: bytecode.MatchIs}
	}
	if args.anychild && !args.mime {
		c.fail(c.errAt(diag.ErrInvalidGrammar, ":anychild requires :mime"))
	}
	return args
}

func (c *Compiler) readRelOp() bytecode.RelOp {
	s, ok := c.readString()
	if !ok {
		return bytecode.RelEq
	}
	switch s {
	case "eq":
		return bytecode.RelEq
	case "ne":
		return bytecode.RelNe
	case "gt":
		return bytecode.RelGt
	case "ge":
		return bytecode.RelGe
	case "lt":
		return bytecode.RelLt
	case "le":
		return bytecode.RelLe
	default:
		c.fail(c.errAt(diag.ErrInvalidGrammar, "unknown relational match operator "+s))
		return bytecode.RelEq
	}
}

func comparatorByName(name string) bytecode.Comparator {
	switch name {
	case "i;octet":
		return bytecode.Comparator{Kind: bytecode.ComparatorOctet}
	case "i;ascii-casemap":
		return bytecode.Comparator{Kind: bytecode.ComparatorAsciiCaseMap}
	case "i;ascii-numeric":
		return bytecode.Comparator{Kind: bytecode.ComparatorAsciiNumeric}
	default:
		return bytecode.Comparator{Kind: bytecode.ComparatorOther, Name: name}
	}
}
