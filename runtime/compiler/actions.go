package compiler

import (
	"strings"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/diag"
	"github.com/aledsdavies/sievevm/runtime/lexer"
)

// compileAction compiles one action command (anything command() didn't
// recognize as a control-flow keyword) and its trailing ";".
func (c *Compiler) compileAction(name string) {
	switch name {
	case "keep":
		c.actionKeep()
	case "discard":
		c.expect(lexer.SEMICOLON)
		c.emit(bytecode.Instruction{Kind: bytecode.OpDiscard})
	case "stop":
		c.expect(lexer.SEMICOLON)
		c.emit(bytecode.Instruction{Kind: bytecode.OpReturn})
	case "redirect":
		c.actionRedirect()
	case "fileinto":
		c.actionFileInto()
	case "reject":
		c.actionReject(false)
	case "ereject":
		c.actionReject(true)
	case "set":
		c.actionSet()
	case "addheader":
		c.actionAddHeader()
	case "deleteheader":
		c.actionDeleteHeader()
	case "replace":
		c.actionReplace()
	case "enclose":
		c.actionEnclose()
	case "extracttext":
		c.actionExtractText()
	case "convert":
		c.actionConvert()
	case "setflag":
		c.actionFlags(bytecode.OpSetFlag)
	case "addflag":
		c.actionFlags(bytecode.OpAddFlag)
	case "removeflag":
		c.actionFlags(bytecode.OpRemoveFlag)
	case "notify":
		c.actionNotify()
	case "vacation":
		c.actionVacation()
	default:
		c.fail(c.errAt(diag.ErrUnexpectedToken, "unknown command "+name))
		c.skipToSemicolonOrBlock()
		c.emit(bytecode.Instruction{Kind: bytecode.OpInvalid, InvalidName: name})
	}
}

// skipToSemicolonOrBlock discards tokens from an unrecognized command so
// compilation can keep making forward progress (spec.md §4.1/§7 tolerant
// mode) instead of getting stuck re-failing on the same tokens.
func (c *Compiler) skipToSemicolonOrBlock() {
	for c.cur.Type != lexer.SEMICOLON && c.cur.Type != lexer.LBRACE &&
		c.cur.Type != lexer.EOF && c.cur.Type != lexer.RBRACE {
		c.advance()
	}
	if c.cur.Type == lexer.SEMICOLON {
		c.advance()
		return
	}
	if c.cur.Type == lexer.LBRACE {
		c.compileBlock()
	}
}

func (c *Compiler) actionKeep() {
	var flags []bytecode.StringTemplate
	if c.atTag("flags") {
		c.advance()
		c.requireCap("imap4flags")
		flags, _ = c.parseTemplateList()
	}
	c.expect(lexer.SEMICOLON)
	c.emit(bytecode.Instruction{Kind: bytecode.OpKeep, KeepFlags: flags})
}

func (c *Compiler) actionRedirect() {
	args := bytecode.RedirectArgs{}
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "copy":
			c.advance()
			c.requireCap("copy")
			args.Copy = true
		case "list":
			c.advance()
			args.List = true
		case "notify":
			c.advance()
			c.requireCap("enotify")
			if tpl, ok := c.parseTemplate(); ok {
				args.Notify = tpl
			}
		case "ret":
			c.advance()
			if tpl, ok := c.parseTemplate(); ok {
				args.Ret = tpl
			}
		case "bytimerelative":
			c.advance()
			c.requireCap("redirect-deliverby")
			if n, ok := c.readNumber(); ok {
				args.ByTimeRelative = int(n)
			}
		case "bytimeabsolute":
			c.advance()
			c.requireCap("redirect-deliverby")
			if tpl, ok := c.parseTemplate(); ok {
				args.ByTimeAbsolute = tpl
			}
		case "bymode":
			c.advance()
			if s, ok := c.readString(); ok {
				args.ByMode = s
			}
		case "bytrace":
			c.advance()
			c.requireCap("redirect-dsn")
			if n, ok := c.readNumber(); ok {
				args.ByTrace = int(n)
			}
		default:
			goto doneTags
		}
	}
doneTags:
	if tpl, ok := c.parseTemplate(); ok {
		args.Address = tpl
	}
	c.expect(lexer.SEMICOLON)
	c.emit(bytecode.Instruction{Kind: bytecode.OpRedirect, Redirect: args})
}

func (c *Compiler) parseFcc() *bytecode.FileIntoArgs {
	if !c.atTag("fcc") {
		return nil
	}
	c.advance()
	c.requireCap("fileinto")
	fcc := &bytecode.FileIntoArgs{}
	if tpl, ok := c.parseTemplate(); ok {
		fcc.Folder = tpl
	}
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "create":
			c.advance()
			fcc.Create = true
		case "flags":
			c.advance()
			c.requireCap("imap4flags")
			fcc.FlagsVar, _ = c.parseTemplateList()
		default:
			return fcc
		}
	}
	return fcc
}

func (c *Compiler) actionFileInto() {
	c.requireCap("fileinto")
	args := bytecode.FileIntoArgs{}
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "copy":
			c.advance()
			c.requireCap("copy")
			args.Copy = true
		case "create":
			c.advance()
			args.Create = true
		case "flags":
			c.advance()
			c.requireCap("imap4flags")
			args.FlagsVar, _ = c.parseTemplateList()
		case "mailboxid":
			c.advance()
			c.requireCap("mailboxid")
			if tpl, ok := c.parseTemplate(); ok {
				args.MailboxID = tpl
			}
		case "specialuse":
			c.advance()
			c.requireCap("special-use")
			if tpl, ok := c.parseTemplate(); ok {
				args.SpecialUse = tpl
			}
		default:
			goto doneTags
		}
	}
doneTags:
	if tpl, ok := c.parseTemplate(); ok {
		args.Folder = tpl
	}
	c.expect(lexer.SEMICOLON)
	c.emit(bytecode.Instruction{Kind: bytecode.OpFileInto, FileInto: args})
}

func (c *Compiler) actionReject(extended bool) {
	c.requireCap("reject")
	tpl, ok := c.parseTemplate()
	c.expect(lexer.SEMICOLON)
	if !ok {
		return
	}
	c.emit(bytecode.Instruction{Kind: bytecode.OpReject, RejectMessage: tpl, RejectExtended: extended})
}

func (c *Compiler) actionSet() {
	c.requireCap("variables")
	var mods []bytecode.SetModifierKind
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "upper":
			c.advance()
			mods = append(mods, bytecode.ModUpper)
		case "lower":
			c.advance()
			mods = append(mods, bytecode.ModLower)
		case "upperfirst":
			c.advance()
			mods = append(mods, bytecode.ModFirstUpper)
		case "lowerfirst":
			c.advance()
			mods = append(mods, bytecode.ModFirstLower)
		case "quotewildcard":
			c.advance()
			mods = append(mods, bytecode.ModQuoteWildcard)
		case "quoteregex":
			c.advance()
			mods = append(mods, bytecode.ModQuoteRegex)
		case "encodeurl":
			c.advance()
			mods = append(mods, bytecode.ModEncodeURL)
		case "length":
			c.advance()
			mods = append(mods, bytecode.ModLength)
		default:
			goto doneTags
		}
	}
doneTags:
	sortModifiers(mods)
	name, ok := c.readString()
	if !ok {
		c.skipToSemicolonOrBlock()
		return
	}
	tpl, ok := c.parseTemplate()
	c.expect(lexer.SEMICOLON)
	if !ok {
		return
	}
	idx := c.declareLocal(name)
	c.emit(bytecode.Instruction{Kind: bytecode.OpSet, SetName: strings.ToLower(name), SetIndex: idx, SetValue: tpl, SetModifiers: mods})
}

// sortModifiers orders modifiers by their fixed priority (spec.md §4.7)
// using a plain insertion sort — the list is never more than a handful
// of tags long.
func sortModifiers(mods []bytecode.SetModifierKind) {
	for i := 1; i < len(mods); i++ {
		for j := i; j > 0 && bytecode.ModifierPriority(mods[j-1]) > bytecode.ModifierPriority(mods[j]); j-- {
			mods[j-1], mods[j] = mods[j], mods[j-1]
		}
	}
}

func (c *Compiler) parseEditHeaderCommonArgs() bytecode.EditHeaderArgs {
	args := bytecode.EditHeaderArgs{Comparator: bytecode.DefaultComparator, Match: bytecode.MatchType{Kind: bytecode.MatchIs}}
loop:
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "last":
			c.advance()
			args.Last = true
		case "index":
			c.advance()
			if n, ok := c.readNumber(); ok {
				args.Index = bytecode.Index{Set: true, Value: int(n)}
			}
		case "mime":
			c.advance()
			c.requireCap("mime")
			args.MIME = true
		case "anychild":
			c.advance()
			args.AnyChild = true
		case "comparator":
			c.advance()
			if s, ok := c.readString(); ok {
				args.Comparator = comparatorByName(s)
			}
		case "is":
			c.advance()
			args.Match = bytecode.MatchType{Kind: bytecode.MatchIs}
		case "contains":
			c.advance()
			args.Match = bytecode.MatchType{Kind: bytecode.MatchContains}
		case "matches":
			c.advance()
			args.Match = bytecode.MatchType{Kind: bytecode.MatchMatches}
		default:
			break loop
		}
	}
	if args.AnyChild && !args.MIME {
		c.fail(c.errAt(diag.ErrInvalidGrammar, ":anychild requires :mime"))
	}
	return args
}

func (c *Compiler) actionAddHeader() {
	c.requireCap("editheader")
	last := c.atTag("last")
	if last {
		c.advance()
	}
	name, _ := c.parseTemplate()
	value, _ := c.parseTemplate()
	c.expect(lexer.SEMICOLON)
	c.emit(bytecode.Instruction{Kind: bytecode.OpAddHeader, EditHeader: bytecode.EditHeaderArgs{
		Name: name, Value: value, Last: last,
	}})
}

func (c *Compiler) actionDeleteHeader() {
	c.requireCap("editheader")
	args := c.parseEditHeaderCommonArgs()
	name, _ := c.parseTemplate()
	args.Name = name
	patterns, _ := c.parseTemplateList()
	args.Patterns = patterns
	c.expect(lexer.SEMICOLON)
	c.emit(bytecode.Instruction{Kind: bytecode.OpDeleteHeader, EditHeader: args})
}

func (c *Compiler) actionReplace() {
	c.requireCap("mime")
	args := bytecode.MimeEditArgs{}
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "subject":
			c.advance()
			args.Subject, _ = c.parseTemplate()
		case "mime":
			c.advance()
			if s, ok := c.readString(); ok {
				args.MIMEType = s
			}
		default:
			goto doneTags
		}
	}
doneTags:
	content, _ := c.parseTemplate()
	args.Content = content
	c.expect(lexer.SEMICOLON)
	c.emit(bytecode.Instruction{Kind: bytecode.OpReplace, MimeEdit: args})
}

func (c *Compiler) actionEnclose() {
	c.requireCap("mime")
	args := bytecode.MimeEditArgs{}
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "subject":
			c.advance()
			args.Subject, _ = c.parseTemplate()
		case "from":
			c.advance()
			args.From, _ = c.parseTemplate()
		default:
			goto doneTags
		}
	}
doneTags:
	content, _ := c.parseTemplate()
	args.Content = content
	c.expect(lexer.SEMICOLON)
	c.emit(bytecode.Instruction{Kind: bytecode.OpEnclose, MimeEdit: args})
}

func (c *Compiler) actionExtractText() {
	c.requireCap("mime")
	args := bytecode.ExtractTextArgs{}
	if c.atTag("first") {
		c.advance()
		if n, ok := c.readNumber(); ok {
			args.First = int(n)
		}
	}
	name, ok := c.readString()
	c.expect(lexer.SEMICOLON)
	if !ok {
		return
	}
	args.VarName = strings.ToLower(name)
	args.VarIndex = c.declareLocal(name)
	c.emit(bytecode.Instruction{Kind: bytecode.OpExtractText, ExtractText: args})
}

func (c *Compiler) actionConvert() {
	c.requireCap("convert")
	from, _ := c.readString()
	to, _ := c.readString()
	params, _ := c.parseTemplateList()
	c.expect(lexer.SEMICOLON)
	c.emit(bytecode.Instruction{Kind: bytecode.OpConvert, Convert: bytecode.ConvertArgs{
		FromType: from, ToType: to, Params: params,
	}})
}

func (c *Compiler) actionFlags(kind bytecode.InstructionKind) {
	c.requireCap("imap4flags")
	target := ""
	// An optional leading variable-name string followed by the flag
	// list is how RFC 5232 distinguishes "set the named variable's
	// flags" from "set the implicit message flags" — both positions
	// hold a string/string-list, so a single lookahead peek decides.
	if c.cur.Type == lexer.STRING {
		save := c.cur
		first, ok := c.readString()
		if ok && (c.cur.Type == lexer.STRING || c.cur.Type == lexer.LBRACKET) {
			target = first
		} else {
			next := c.cur
			c.peeked = &next
			c.cur = save
		}
	}
	values, _ := c.parseTemplateList()
	c.expect(lexer.SEMICOLON)
	c.emit(bytecode.Instruction{Kind: kind, FlagTarget: strings.ToLower(target), FlagValues: values})
}

func (c *Compiler) actionNotify() {
	c.requireCap("enotify")
	args := bytecode.NotifyArgs{}
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "from":
			c.advance()
			args.From, _ = c.parseTemplate()
		case "importance":
			c.advance()
			args.Importance, _ = c.parseTemplate()
		case "options":
			c.advance()
			c.parseTemplateList()
		case "message":
			c.advance()
			args.Message, _ = c.parseTemplate()
		case "fcc":
			args.Fcc = c.parseFcc()
		default:
			goto doneTags
		}
	}
doneTags:
	method, _ := c.parseTemplate()
	args.Method = method
	c.expect(lexer.SEMICOLON)
	c.emit(bytecode.Instruction{Kind: bytecode.OpNotify, Notify: args})
}

func (c *Compiler) actionVacation() {
	c.requireCap("vacation")
	args := bytecode.VacationArgs{Days: 7}
	for c.cur.Type == lexer.TAG {
		switch strings.ToLower(c.cur.Text) {
		case "subject":
			c.advance()
			args.Subject, _ = c.parseTemplate()
		case "from":
			c.advance()
			args.From, _ = c.parseTemplate()
		case "handle":
			c.advance()
			args.Handle, _ = c.parseTemplate()
		case "days":
			c.advance()
			if n, ok := c.readNumber(); ok {
				args.Days = int(n)
			}
		case "seconds":
			c.advance()
			c.requireCap("vacation-seconds")
			if n, ok := c.readNumber(); ok {
				args.Days = int(n)
			}
		case "addresses":
			c.advance()
			args.Addresses, _ = c.parseTemplateList()
		case "mime":
			c.advance()
			args.MIME = true
		case "fcc":
			args.Fcc = c.parseFcc()
		default:
			goto doneTags
		}
	}
doneTags:
	reason, _ := c.parseTemplate()
	args.Reason = reason
	c.expect(lexer.SEMICOLON)
	c.emit(bytecode.Instruction{Kind: bytecode.OpVacation, Vacation: args})
}
