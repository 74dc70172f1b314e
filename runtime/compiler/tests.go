package compiler

import (
	"strconv"
	"strings"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/diag"
	"github.com/aledsdavies/sievevm/runtime/lexer"
)

// compileTest compiles one test expression (possibly a negated or
// anyof/allof compound one) so that, once the instructions it emits
// run, the evaluator's test_result register holds exactly that
// expression's boolean value — the caller then emits its own Jz/Jnz
// against that register. It returns every OpTest instruction position
// the expression touched, so the enclosing if-block can grow their
// capture masks as ${N} references are compiled inside its body
// (spec.md §3, §9).
func (c *Compiler) compileTest(negate bool) []bytecode.Pos {
	if c.cur.Type != lexer.IDENTIFIER {
		c.failUnexpected()
		return []bytecode.Pos{c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{Kind: bytecode.TestFalse}})}
	}

	name := strings.ToLower(c.cur.Text)
	switch name {
	case "not":
		c.advance()
		return c.compileTest(!negate)
	case "anyof":
		c.advance()
		return c.compileCombinator(true, negate)
	case "allof":
		c.advance()
		return c.compileCombinator(false, negate)
	case "true":
		c.advance()
		return []bytecode.Pos{c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{Kind: bytecode.TestTrue, Negate: negate}})}
	case "false":
		c.advance()
		return []bytecode.Pos{c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{Kind: bytecode.TestFalse, Negate: negate}})}
	case "header":
		c.advance()
		return []bytecode.Pos{c.testHeader(negate)}
	case "address":
		c.advance()
		return []bytecode.Pos{c.testAddress(negate)}
	case "envelope":
		c.advance()
		return []bytecode.Pos{c.testEnvelope(negate)}
	case "exists":
		c.advance()
		return []bytecode.Pos{c.testExists(negate)}
	case "size":
		c.advance()
		return []bytecode.Pos{c.testSize(negate)}
	case "body":
		c.advance()
		return []bytecode.Pos{c.testBody(negate)}
	case "string":
		c.advance()
		return []bytecode.Pos{c.testString(negate)}
	case "date":
		c.advance()
		return []bytecode.Pos{c.testDate(negate)}
	case "currentdate":
		c.advance()
		return []bytecode.Pos{c.testCurrentDate(negate)}
	case "duplicate":
		c.advance()
		return []bytecode.Pos{c.testDuplicate(negate)}
	case "hasflag":
		c.advance()
		return []bytecode.Pos{c.testHasFlag(negate)}
	case "mailboxexists":
		c.advance()
		return []bytecode.Pos{c.testSimpleStringList(negate, bytecode.TestMailboxExists, "mailbox")}
	case "mailboxidexists":
		c.advance()
		return []bytecode.Pos{c.testSimpleStringList(negate, bytecode.TestMailboxIDExists, "mailboxid")}
	case "specialuseexists":
		c.advance()
		return []bytecode.Pos{c.testSimpleStringList(negate, bytecode.TestSpecialUseExists, "special-use")}
	case "ihave":
		c.advance()
		return []bytecode.Pos{c.testIhave(negate)}
	case "valid_ext_list":
		c.advance()
		return []bytecode.Pos{c.testValidExtList(negate)}
	case "spamtest":
		c.advance()
		return []bytecode.Pos{c.testKeyListOnly(negate, bytecode.TestSpamtest, "spamtest")}
	case "virustest":
		c.advance()
		return []bytecode.Pos{c.testKeyListOnly(negate, bytecode.TestVirustest, "virustest")}
	case "environment":
		c.advance()
		return []bytecode.Pos{c.testNamedValue(negate, bytecode.TestEnvironment, "environment")}
	case "metadata":
		c.advance()
		return []bytecode.Pos{c.testMetadata(negate)}
	case "servermetadata":
		c.advance()
		return []bytecode.Pos{c.testNamedValue(negate, bytecode.TestServerMetadata, "servermetadata")}
	case "valid_notify_method":
		c.advance()
		return []bytecode.Pos{c.testSimpleStringList(negate, bytecode.TestValidNotifyMethod, "enotify")}
	case "notify_method_capability":
		c.advance()
		return []bytecode.Pos{c.testNotifyMethodCapability(negate)}
	default:
		c.fail(c.errAt(diag.ErrUnexpectedToken, "unknown test "+name))
		c.advance()
		return []bytecode.Pos{c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{Kind: bytecode.TestFalse}})}
	}
}

// compileCombinator compiles "anyof(...)"/"allof(...)". De Morgan's law
// turns a negated combinator into the other kind with each child also
// negated, so both the combinator flip and the per-child negate use
// the same incoming negate flag.
func (c *Compiler) compileCombinator(isAnyOf, negate bool) []bytecode.Pos {
	effectiveAnyOf := isAnyOf != negate

	if !c.expect(lexer.LPAREN) {
		return nil
	}
	var positions []bytecode.Pos
	var jmps []bytecode.Pos
	for {
		childPositions := c.compileTest(negate)
		positions = append(positions, childPositions...)
		if c.cur.Type == lexer.COMMA {
			var jmp bytecode.Pos
			if effectiveAnyOf {
				jmp = c.emit(bytecode.Instruction{Kind: bytecode.OpJnz})
			} else {
				jmp = c.emit(bytecode.Instruction{Kind: bytecode.OpJz})
			}
			jmps = append(jmps, jmp)
			c.advance()
			continue
		}
		break
	}
	c.expect(lexer.RPAREN)
	end := c.here()
	for _, j := range jmps {
		c.patchTarget(j, end)
	}
	return positions
}

func (c *Compiler) testHeader(negate bool) bytecode.Pos {
	args := c.parseCommonTagArgs()
	headers, _ := c.parseTemplateList()
	keys, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestHeader, Negate: negate,
		Comparator: args.comparator, Match: args.match,
		Index: args.index, MIME: args.mime, AnyChild: args.anychild,
		Headers: headers, Keys: keys,
	}})
}

func (c *Compiler) testAddress(negate bool) bytecode.Pos {
	args := c.parseCommonTagArgs()
	part := bytecode.AddrAll
	if args.addrSet {
		part = args.addressPart
	}
	headers, _ := c.parseTemplateList()
	keys, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestAddress, Negate: negate,
		Comparator: args.comparator, Match: args.match,
		Index: args.index, MIME: args.mime, AnyChild: args.anychild,
		AddressPart: part, Headers: headers, Keys: keys,
	}})
}

func (c *Compiler) testEnvelope(negate bool) bytecode.Pos {
	c.requireCap("envelope")
	args := c.parseCommonTagArgs()
	part := bytecode.AddrAll
	if args.addrSet {
		part = args.addressPart
	}
	parts, _ := c.parseTemplateList()
	keys, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestEnvelope, Negate: negate,
		Comparator: args.comparator, Match: args.match,
		AddressPart: part, Source: parts, Keys: keys,
	}})
}

func (c *Compiler) testExists(negate bool) bytecode.Pos {
	headers, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestExists, Negate: negate, Headers: headers,
	}})
}

func (c *Compiler) testSize(negate bool) bytecode.Pos {
	op := bytecode.RelGt
	if c.atTag("over") {
		c.advance()
		op = bytecode.RelGt
	} else if c.atTag("under") {
		c.advance()
		op = bytecode.RelLt
	}
	n, _ := c.readNumber()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestSize, Negate: negate,
		Match: bytecode.MatchType{Kind: bytecode.MatchValue, RelOp: op},
		Keys:  []bytecode.StringTemplate{bytecode.Text(strconv.FormatInt(n, 10))},
	}})
}

func (c *Compiler) testBody(negate bool) bytecode.Pos {
	c.requireCap("body")
	comparator := bytecode.DefaultComparator
	match := bytecode.MatchType{Kind: bytecode.MatchIs}
	matchSet := false
	transform := bytecode.BodyRaw
	var contentTypes []string
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "comparator":
			c.advance()
			name, ok := c.readString()
			if ok {
				comparator = comparatorByName(name)
			}
		case "is":
			c.advance()
			match, matchSet = bytecode.MatchType{Kind: bytecode.MatchIs}, true
		case "contains":
			c.advance()
			match, matchSet = bytecode.MatchType{Kind: bytecode.MatchContains}, true
		case "matches":
			c.advance()
			match, matchSet = bytecode.MatchType{Kind: bytecode.MatchMatches}, true
		case "regex":
			c.advance()
			c.requireCap("regex")
			match, matchSet = bytecode.MatchType{Kind: bytecode.MatchRegex}, true
		case "raw":
			c.advance()
			transform = bytecode.BodyRaw
		case "text":
			c.advance()
			transform = bytecode.BodyText
		case "content":
			c.advance()
			transform = bytecode.BodyContent
			names, _ := c.parseRawStringList()
			contentTypes = names
		default:
			goto doneTags
		}
	}
doneTags:
	_ = matchSet
	keys, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestBody, Negate: negate, Comparator: comparator, Match: match,
		BodyTransform: transform, ContentTypes: contentTypes, Keys: keys,
	}})
}

func (c *Compiler) testString(negate bool) bytecode.Pos {
	c.requireCap("variables")
	args := c.parseCommonTagArgs()
	sources, _ := c.parseTemplateList()
	keys, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestString, Negate: negate,
		Comparator: args.comparator, Match: args.match,
		Source: sources, Keys: keys,
	}})
}

func (c *Compiler) parseDateZoneAndMatch() (bytecode.DateZoneMode, string, bytecode.Comparator, bytecode.MatchType) {
	zoneMode := bytecode.ZoneLocal
	zone := ""
	comparator := bytecode.DefaultComparator
	match := bytecode.MatchType{Kind: bytecode.MatchIs}
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "zone":
			c.advance()
			if s, ok := c.readString(); ok {
				zoneMode, zone = bytecode.ZoneFixed, s
			}
		case "originalzone":
			c.advance()
			zoneMode = bytecode.ZoneOriginal
		case "comparator":
			c.advance()
			if s, ok := c.readString(); ok {
				comparator = comparatorByName(s)
			}
		case "is":
			c.advance()
			match = bytecode.MatchType{Kind: bytecode.MatchIs}
		case "contains":
			c.advance()
			match = bytecode.MatchType{Kind: bytecode.MatchContains}
		case "matches":
			c.advance()
			match = bytecode.MatchType{Kind: bytecode.MatchMatches}
		case "count":
			c.advance()
			c.requireCap("relational")
			match = bytecode.MatchType{Kind: bytecode.MatchCount, RelOp: c.readRelOp()}
		case "value":
			c.advance()
			c.requireCap("relational")
			match = bytecode.MatchType{Kind: bytecode.MatchValue, RelOp: c.readRelOp()}
		default:
			return zoneMode, zone, comparator, match
		}
	}
	return zoneMode, zone, comparator, match
}

var datePartNames = map[string]bytecode.DatePart{
	"year": bytecode.DateYear, "month": bytecode.DateMonth, "day": bytecode.DateDay,
	"date": bytecode.DateDateOnly, "julian": bytecode.DateJulian, "hour": bytecode.DateHour,
	"minute": bytecode.DateMinute, "second": bytecode.DateSecond, "time": bytecode.DateTime,
	"iso8601": bytecode.DateISO8601, "std11": bytecode.DateStd11, "zone": bytecode.DateZone,
	"weekday": bytecode.DateWeekday,
}

func (c *Compiler) readDatePart() bytecode.DatePart {
	s, ok := c.readString()
	if !ok {
		return bytecode.DateDateOnly
	}
	if dp, ok := datePartNames[strings.ToLower(s)]; ok {
		return dp
	}
	c.fail(c.errAt(diag.ErrInvalidGrammar, "unknown date-part "+s))
	return bytecode.DateDateOnly
}

func (c *Compiler) testDate(negate bool) bytecode.Pos {
	c.requireCap("date")
	zoneMode, zone, comparator, match := c.parseDateZoneAndMatch()
	header, _ := c.readString()
	part := c.readDatePart()
	keys, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestDate, Negate: negate, Comparator: comparator, Match: match,
		DatePart: part, DateZoneMode: zoneMode, DateZone: zone, DateHeader: header, Keys: keys,
	}})
}

func (c *Compiler) testCurrentDate(negate bool) bytecode.Pos {
	c.requireCap("date")
	zoneMode, zone, _, match := c.parseDateZoneAndMatch()
	part := c.readDatePart()
	keys, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestCurrentDate, Negate: negate, Match: match,
		DatePart: part, DateZoneMode: zoneMode, DateZone: zone, Keys: keys,
	}})
}

func (c *Compiler) testDuplicate(negate bool) bytecode.Pos {
	c.requireCap("duplicate")
	spec := bytecode.TestSpec{Kind: bytecode.TestDuplicate, Negate: negate}
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "handle":
			c.advance()
			c.readString() // handle name: not otherwise tracked on TestSpec
		case "header":
			c.advance()
			if tpl, ok := c.parseTemplate(); ok {
				spec.DuplicateID = tpl
			}
		case "uniqueid":
			c.advance()
			if tpl, ok := c.parseTemplate(); ok {
				spec.DuplicateID = tpl
			}
		case "seconds":
			c.advance()
			if n, ok := c.readNumber(); ok {
				spec.DuplicateExpiry = int(n)
			}
		case "last":
			c.advance()
			spec.DuplicateLast = true
		default:
			goto done
		}
	}
done:
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: spec})
}

func (c *Compiler) testHasFlag(negate bool) bytecode.Pos {
	c.requireCap("imap4flags")
	comparator := bytecode.DefaultComparator
	if c.atTag("comparator") {
		c.advance()
		if s, ok := c.readString(); ok {
			comparator = comparatorByName(s)
		}
	}
	first, ok := c.parseTemplateList()
	var flagVar, keys []bytecode.StringTemplate
	if ok && c.cur.Type == lexer.STRING || c.cur.Type == lexer.LBRACKET {
		second, ok2 := c.parseTemplateList()
		if ok2 {
			flagVar, keys = first, second
		} else {
			keys = first
		}
	} else {
		keys = first
	}
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestHasFlag, Negate: negate, Comparator: comparator,
		Match: bytecode.MatchType{Kind: bytecode.MatchIs}, FlagVar: flagVar, Keys: keys,
	}})
}

func (c *Compiler) testSimpleStringList(negate bool, kind bytecode.TestKind, cap string) bytecode.Pos {
	c.requireCap(cap)
	names, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: kind, Negate: negate, Headers: names,
	}})
}

func (c *Compiler) testKeyListOnly(negate bool, kind bytecode.TestKind, cap string) bytecode.Pos {
	c.requireCap(cap)
	args := c.parseCommonTagArgs()
	keys, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: kind, Negate: negate, Comparator: args.comparator, Match: args.match, Keys: keys,
	}})
}

func (c *Compiler) testNamedValue(negate bool, kind bytecode.TestKind, cap string) bytecode.Pos {
	c.requireCap(cap)
	args := c.parseCommonTagArgs()
	name, _ := c.parseTemplateList()
	keys, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: kind, Negate: negate, Comparator: args.comparator, Match: args.match,
		RawArgs: name, Keys: keys,
	}})
}

func (c *Compiler) testMetadata(negate bool) bytecode.Pos {
	c.requireCap("mboxmetadata")
	args := c.parseCommonTagArgs()
	mailbox, _ := c.parseTemplate()
	annotation, _ := c.parseTemplate()
	keys, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestMetadata, Negate: negate, Comparator: args.comparator, Match: args.match,
		RawArgs: []bytecode.StringTemplate{mailbox, annotation}, Keys: keys,
	}})
}

func (c *Compiler) testIhave(negate bool) bytecode.Pos {
	c.requireCap("ihave")
	names, _ := c.parseRawStringList()
	var templates []bytecode.StringTemplate
	for _, n := range names {
		templates = append(templates, bytecode.Text(n))
	}
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestIhave, Negate: negate, RawArgs: templates,
	}})
}

func (c *Compiler) testValidExtList(negate bool) bytecode.Pos {
	c.requireCap("extlists")
	names, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestValidExtList, Negate: negate, ListNames: names,
	}})
}

func (c *Compiler) testNotifyMethodCapability(negate bool) bytecode.Pos {
	c.requireCap("enotify")
	args := c.parseCommonTagArgs()
	parts, _ := c.parseTemplateList()
	keys, _ := c.parseTemplateList()
	return c.emit(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
		Kind: bytecode.TestNotifyMethodCapability, Negate: negate,
		Comparator: args.comparator, Match: args.match, RawArgs: parts, Keys: keys,
	}})
}
