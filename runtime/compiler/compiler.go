// Package compiler implements the recursive-descent Sieve grammar
// (spec.md §4.4, C4): it drives the lexer token by token, emits a flat
// Instruction vector directly with no intermediate parse tree, and
// tracks open blocks on an explicit stack so if/elsif/else chains and
// foreverypart loops can patch their forward jumps once the compiler
// reaches the block's closing brace.
package compiler

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/diag"
	"github.com/aledsdavies/sievevm/runtime/interp"
	"github.com/aledsdavies/sievevm/runtime/lexer"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Limits bounds the compiler's nesting and include handling (wired
// from core/config.Limits; spec.md §6.1).
type Limits struct {
	MaxNestedBlocks       int
	MaxNestedTests        int
	MaxIncludes           int
	MaxNestedForEveryPart int
	MaxScriptSize         int
	MaxStringSize         int
}

// DefaultLimits matches the conservative defaults spec.md §6.1 lists.
var DefaultLimits = Limits{
	MaxNestedBlocks:       15,
	MaxNestedTests:        20,
	MaxIncludes:           10,
	MaxNestedForEveryPart: 5,
}

type blockKind int

const (
	blockTop blockKind = iota
	blockIf
	blockForEveryPart
)

// openBlock is one entry of the compiler's block stack.
type openBlock struct {
	kind blockKind

	// ifJmps holds the unconditional Jmp instructions (one per taken
	// branch) that must be patched to land just past the whole
	// if/elsif/else chain once it closes.
	ifJmps []bytecode.Pos

	// testPositions names every Test instruction guarding entry into
	// this block (more than one when AllOf/AnyOf lowers to a sequence).
	// A "${N}" reference compiled while this block is open grows the
	// CaptureMask of each of these (spec.md §3/§9).
	testPositions []bytecode.Pos

	// label is a foreverypart loop's optional ":name" label.
	label string
	// breakJmps collects "break"/"break :label" Jmp instructions still
	// waiting to be patched to the loop's exit.
	breakJmps []bytecode.Pos
}

// Compiler holds all compile-time state for one script.
type Compiler struct {
	lx     *lexer.Lexer
	cur    lexer.Token
	peeked *lexer.Token

	logger *slog.Logger
	limits Limits

	instrs []bytecode.Instruction
	errs   []error

	caps *bytecode.CapabilitySet

	// locals maps a script-scoped variable name (set via plain `set`)
	// to its dense local slot; globals maps a `global "name";`
	// declaration to the lowercased name used for TplGlobalVariable.
	locals    map[string]int
	nextLocal int
	globals   map[string]bool

	numMatchVars int // high-water mark across every test's capture mask

	blocks []openBlock

	includeDepth      int
	forEveryPartDepth int
}

var knownCapabilityNames = []string{
	"fileinto", "reject", "envelope", "body", "variables", "relational",
	"comparator-i;ascii-numeric", "regex", "duplicate", "editheader",
	"foreverypart", "mime", "include", "imap4flags", "subaddress",
	"date", "index", "copy", "enotify", "vacation", "vacation-seconds",
	"mailbox", "mboxmetadata", "servermetadata", "spamtest", "virustest",
	"environment", "ihave", "convert", "special-use", "mailboxid",
	"extlists", "redirect-dsn", "redirect-deliverby",
}

// Compile compiles a complete Sieve script. Unrecognized test/action
// names still make forward progress — they lower to an Invalid
// instruction (spec.md §4.1, §7) rather than aborting — but every hard
// failure spec.md §7 lists is returned as a *diag.CompileError.
func Compile(src []byte, logger *slog.Logger, limits Limits) (*bytecode.Script, []error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Compiler{
		lx:      lexer.New(src, logger),
		logger:  logger,
		limits:  limits,
		caps:    bytecode.NewCapabilitySet(),
		locals:  make(map[string]int),
		globals: make(map[string]bool),
	}
	c.lx.SetLimits(limits.MaxScriptSize, limits.MaxStringSize)
	// Instruction 0 is always the script's single Require, patched with
	// the accumulated capability set once compilation finishes — this
	// keeps every other instruction's position stable instead of
	// needing a shift pass at the end.
	c.instrs = append(c.instrs, bytecode.Instruction{Kind: bytecode.OpRequire})
	c.blocks = append(c.blocks, openBlock{kind: blockTop})
	c.advance()

	for c.cur.Type != lexer.EOF {
		c.command()
	}

	c.emit(bytecode.Instruction{Kind: bytecode.OpStop})
	c.instrs[0].RequireCaps = c.caps.Items()

	return &bytecode.Script{
		Instructions:         c.instrs,
		NumLocalVars:         c.nextLocal,
		NumMatchVars:         c.numMatchVars,
		RequiredCapabilities: c.caps.Items(),
	}, c.errs
}

// --- token plumbing -------------------------------------------------

func (c *Compiler) advance() {
	if c.peeked != nil {
		c.cur = *c.peeked
		c.peeked = nil
		return
	}
	c.cur = c.next()
}

func (c *Compiler) next() lexer.Token {
	tok, err := c.lx.Next()
	if err != nil {
		c.fail(err)
		return lexer.Token{Type: lexer.EOF}
	}
	return tok
}

func (c *Compiler) peek() lexer.Token {
	if c.peeked == nil {
		t := c.next()
		c.peeked = &t
	}
	return *c.peeked
}

func (c *Compiler) fail(err error) {
	c.errs = append(c.errs, err)
}

func (c *Compiler) errAt(kind diag.CompileErrorKind, msg string) *diag.CompileError {
	return &diag.CompileError{Kind: kind, Line: c.cur.Position.Line, Column: c.cur.Position.Column, Message: msg}
}

func (c *Compiler) failUnexpected() {
	c.fail(c.errAt(diag.ErrUnexpectedToken, fmt.Sprintf("unexpected token %s %q", c.cur.Type, c.cur.Text)))
}

// expect consumes the current token if it matches tt, else records
// ErrUnexpectedToken and leaves the position unchanged so the caller
// can attempt recovery.
func (c *Compiler) expect(tt lexer.TokenType) bool {
	if c.cur.Type != tt {
		c.fail(c.errAt(diag.ErrUnexpectedToken, fmt.Sprintf("expected %s, got %s %q", tt, c.cur.Type, c.cur.Text)))
		return false
	}
	c.advance()
	return true
}

// atTag reports whether the current token is a TAG whose text
// case-insensitively equals name, without consuming it.
func (c *Compiler) atTag(name string) bool {
	return c.cur.Type == lexer.TAG && strings.EqualFold(c.cur.Text, name)
}

func (c *Compiler) atIdent(name string) bool {
	return c.cur.Type == lexer.IDENTIFIER && strings.EqualFold(c.cur.Text, name)
}

// --- instruction emission -------------------------------------------

func (c *Compiler) emit(i bytecode.Instruction) bytecode.Pos {
	c.instrs = append(c.instrs, i)
	return bytecode.Pos(len(c.instrs) - 1)
}

func (c *Compiler) here() bytecode.Pos {
	return bytecode.Pos(len(c.instrs))
}

func (c *Compiler) patchTarget(pos bytecode.Pos, target bytecode.Pos) {
	c.instrs[pos].Target = target
}

// --- variable scope (interp.Resolver) --------------------------------

func (c *Compiler) LocalSlot(name string) (int, bool) {
	idx, ok := c.locals[strings.ToLower(name)]
	return idx, ok
}

func (c *Compiler) IsDeclaredGlobal(name string) bool {
	return c.globals[strings.ToLower(name)]
}

func (c *Compiler) declareLocal(name string) int {
	key := strings.ToLower(name)
	if idx, ok := c.locals[key]; ok {
		return idx
	}
	idx := c.nextLocal
	c.locals[key] = idx
	c.nextLocal++
	return idx
}

func (c *Compiler) declareGlobal(name string) {
	c.globals[strings.ToLower(name)] = true
}

var _ interp.Resolver = (*Compiler)(nil)

// interpolateString compiles one decoded string literal to a
// StringTemplate and grows every currently-open test's capture mask
// for any "${N}" it textually references.
func (c *Compiler) interpolateString(raw string) (bytecode.StringTemplate, error) {
	res, err := interp.Interpolate(raw, c)
	if err != nil {
		if ce, ok := err.(*diag.CompileError); ok && ce.Line == 0 {
			ce.Line, ce.Column = c.cur.Position.Line, c.cur.Position.Column
		}
		return bytecode.StringTemplate{}, err
	}
	c.growCaptureMasks(res.MatchRefs)
	return res.Template, nil
}

func (c *Compiler) growCaptureMasks(refs []int) {
	if len(refs) == 0 {
		return
	}
	var mask uint64
	maxRef := -1
	for _, n := range refs {
		if n >= 0 && n < 64 {
			mask |= 1 << uint(n)
		}
		if n > maxRef {
			maxRef = n
		}
	}
	if maxRef+1 > c.numMatchVars {
		c.numMatchVars = maxRef + 1
	}
	for _, b := range c.blocks {
		for _, pos := range b.testPositions {
			c.instrs[pos].Test.Match.CaptureMask |= mask
		}
	}
}

// requireCap records a use of capability name, failing with
// ErrUndeclaredCapability (plus a fuzzy "did you mean" suggestion)
// when the script never required it.
func (c *Compiler) requireCap(name string) bool {
	cap := bytecode.CapabilityByName(name)
	if c.caps.Contains(cap) {
		return true
	}
	err := c.errAt(diag.ErrUndeclaredCapability, fmt.Sprintf("%q used without require", name))
	if matches := fuzzy.RankFindFold(name, knownCapabilityNames); len(matches) > 0 {
		err.Suggestions = []string{matches[0].Target}
	}
	c.fail(err)
	return false
}

// --- block stack ------------------------------------------------------

func (c *Compiler) pushBlock(b openBlock) {
	if len(c.blocks) >= c.limits.MaxNestedBlocks {
		c.fail(c.errAt(diag.ErrTooManyNestedBlocks, "too many nested blocks"))
	}
	c.blocks = append(c.blocks, b)
}

func (c *Compiler) popBlock() openBlock {
	b := c.blocks[len(c.blocks)-1]
	c.blocks = c.blocks[:len(c.blocks)-1]
	return b
}

func (c *Compiler) topBlock() *openBlock {
	return &c.blocks[len(c.blocks)-1]
}

// --- top-level command dispatch ---------------------------------------

// command compiles exactly one command at the current nesting level,
// advancing past it (including its trailing ";" or "{ ... }").
func (c *Compiler) command() {
	if c.cur.Type == lexer.IF {
		c.compileIfChain()
		return
	}
	if c.cur.Type != lexer.IDENTIFIER {
		c.failUnexpected()
		c.advance()
		return
	}

	name := strings.ToLower(c.cur.Text)
	switch name {
	case "require":
		c.advance()
		c.compileRequire()
	case "global":
		c.advance()
		c.compileGlobal()
	case "include":
		c.advance()
		c.compileInclude()
	case "foreverypart":
		c.advance()
		c.compileForEveryPart()
	case "break":
		c.advance()
		c.compileBreak()
	default:
		c.advance()
		c.compileAction(name)
	}
}

// compileBlock compiles "{ command* }" — the caller has already
// consumed whatever introduces the block (a test, "foreverypart", ...).
func (c *Compiler) compileBlock() {
	if !c.expect(lexer.LBRACE) {
		return
	}
	for c.cur.Type != lexer.RBRACE && c.cur.Type != lexer.EOF {
		c.command()
	}
	if c.cur.Type != lexer.RBRACE {
		c.fail(c.errAt(diag.ErrUnterminatedBlock, "unterminated block"))
		return
	}
	c.advance() // consume '}'
}

// --- require / global / include / break -------------------------------

func (c *Compiler) compileRequire() {
	names, ok := c.parseRawStringList()
	c.expect(lexer.SEMICOLON)
	if !ok {
		return
	}
	for _, n := range names {
		c.caps.Add(bytecode.CapabilityByName(n))
	}
}

func (c *Compiler) compileGlobal() {
	names, ok := c.parseRawStringList()
	c.expect(lexer.SEMICOLON)
	if !ok {
		return
	}
	for _, n := range names {
		c.declareGlobal(n)
	}
}

func (c *Compiler) compileInclude() {
	if c.includeDepth >= c.limits.MaxIncludes {
		c.fail(c.errAt(diag.ErrTooManyIncludes, "too many nested includes"))
	}
	args := bytecode.IncludeArgs{Personal: true}
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "personal":
			args.Personal = true
			c.advance()
		case "global":
			args.Personal = false
			c.advance()
		case "optional":
			args.Optional = true
			c.advance()
		case "once":
			args.Once = true
			c.advance()
		default:
			c.failUnexpected()
			c.advance()
		}
	}
	tpl, ok := c.parseTemplate()
	c.expect(lexer.SEMICOLON)
	if !ok {
		return
	}
	args.Script = tpl
	c.emit(bytecode.Instruction{Kind: bytecode.OpInclude, Include: args})
}

func (c *Compiler) compileForEveryPart() {
	c.requireCap("foreverypart")
	if c.limits.MaxNestedForEveryPart > 0 && c.forEveryPartDepth >= c.limits.MaxNestedForEveryPart {
		c.fail(c.errAt(diag.ErrTooManyNestedBlocks, "too many nested foreverypart loops"))
	}
	c.forEveryPartDepth++
	defer func() { c.forEveryPartDepth-- }()
	label := ""
	if c.atTag("name") {
		c.advance()
		if s, ok := c.readString(); ok {
			label = s
		}
	}
	c.emit(bytecode.Instruction{Kind: bytecode.OpForEveryPartPush})
	loop := c.emit(bytecode.Instruction{Kind: bytecode.OpForEveryPart})
	c.pushBlock(openBlock{kind: blockForEveryPart, label: label})
	c.compileBlock()
	b := c.popBlock()
	c.emit(bytecode.Instruction{Kind: bytecode.OpJmp, Target: loop})
	exit := c.here()
	c.patchTarget(loop, exit)
	c.emit(bytecode.Instruction{Kind: bytecode.OpForEveryPartPop, ForEveryPartPopCount: 1})
	for _, j := range b.breakJmps {
		c.patchTarget(j, exit)
	}
}

func (c *Compiler) compileBreak() {
	label := ""
	if c.atTag("name") {
		c.advance()
		if s, ok := c.readString(); ok {
			label = s
		}
	}
	c.expect(lexer.SEMICOLON)
	inner := 0
	for i := len(c.blocks) - 1; i >= 0; i-- {
		if c.blocks[i].kind != blockForEveryPart {
			continue
		}
		if label != "" && !strings.EqualFold(c.blocks[i].label, label) {
			inner++
			continue
		}
		if inner > 0 {
			c.emit(bytecode.Instruction{Kind: bytecode.OpForEveryPartPop, ForEveryPartPopCount: inner})
		}
		j := c.emit(bytecode.Instruction{Kind: bytecode.OpJmp})
		c.blocks[i].breakJmps = append(c.blocks[i].breakJmps, j)
		return
	}
	c.fail(c.errAt(diag.ErrInvalidGrammar, "break outside foreverypart"))
}

// --- if / elsif / else -------------------------------------------------

// compileIfChain compiles an if/elsif*/else? chain. Each branch's test
// is followed by a Jz that (once patched below) lands exactly on the
// next branch's test, the else block, or the chain's exit; each
// branch's body ends with an unconditional Jmp to the chain's exit,
// collected in jmps and patched once the exit position is known.
func (c *Compiler) compileIfChain() {
	var jmps []bytecode.Pos

	for {
		c.advance() // 'if' / 'elsif'
		testPositions := c.compileTestCondition()
		jz := c.emit(bytecode.Instruction{Kind: bytecode.OpJz})
		c.pushBlock(openBlock{kind: blockIf, testPositions: testPositions})
		c.compileBlock()
		c.popBlock()
		jmp := c.emit(bytecode.Instruction{Kind: bytecode.OpJmp})
		jmps = append(jmps, jmp)
		c.patchTarget(jz, c.here())

		if c.cur.Type == lexer.ELSIF {
			continue
		}
		break
	}

	if c.cur.Type == lexer.ELSE {
		c.advance()
		c.compileBlock()
	}

	end := c.here()
	for _, j := range jmps {
		c.patchTarget(j, end)
	}
}

// compileTestCondition compiles the test (or test-list under
// anyof/allof, or a negated test under not) that follows "if"/"elsif",
// emitting whatever Test/Jz/Jnz sequence is needed so control reaches
// the following instruction exactly when the condition is true, and
// returns every Test instruction position the condition touched (for
// capture-mask growth).
func (c *Compiler) compileTestCondition() []bytecode.Pos {
	return c.compileTest(false)
}
