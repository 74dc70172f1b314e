package eval

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/host"
)

// dispatchAction executes one action instruction (spec.md §4.7). Edit
// actions (set, addheader/deleteheader, replace/enclose, extracttext,
// convert, the flag actions) mutate evaluator state synchronously;
// delivery actions (keep, fileinto, redirect, reject/ereject, discard,
// notify, vacation) additionally append to the recorded Action list
// and suspend with the matching host Event.
func (e *Evaluator) dispatchAction(in bytecode.Instruction) (*host.Event, error) {
	switch in.Kind {
	case bytecode.OpKeep:
		if e.rejected {
			e.pc++
			return nil, nil
		}
		flags := e.resolveTemplates(in.KeepFlags)
		if len(flags) == 0 {
			flags = e.flagVar("")
		}
		e.actions = append(e.actions, Action{Kind: ActionKeep, Flags: flags})
		e.keptImplicit = false
		return e.queueActionEvents([]*host.Event{{Kind: host.EventKeep, Flags: flags}})

	case bytecode.OpFileInto:
		if e.rejected {
			e.pc++
			return nil, nil
		}
		folder := e.resolveTemplate(in.FileInto.Folder)
		if !in.FileInto.Copy {
			e.keptImplicit = false
		}
		if e.seenFolders[folder] {
			e.pc++
			return nil, nil
		}
		e.seenFolders[folder] = true
		flags := e.resolveTemplates(in.FileInto.FlagsVar)
		e.actions = append(e.actions, Action{
			Kind: ActionFileInto, Folder: folder, Copy: in.FileInto.Copy, Create: in.FileInto.Create,
			Flags: flags, MailboxID: e.resolveTemplate(in.FileInto.MailboxID), SpecialUse: e.resolveTemplate(in.FileInto.SpecialUse),
		})
		return e.queueActionEvents([]*host.Event{{Kind: host.EventFileInto, Folder: folder, Flags: flags}})

	case bytecode.OpRedirect:
		if e.rejected {
			e.pc++
			return nil, nil
		}
		addr := e.resolveTemplate(in.Redirect.Address)
		if addr == e.userAddress || addr == e.envelopeFrom || e.redirectCount >= e.rt.MaxRedirects {
			e.pc++
			return nil, nil
		}
		e.redirectCount++
		if !in.Redirect.Copy {
			e.keptImplicit = false
		}
		e.actions = append(e.actions, Action{
			Kind: ActionRedirect, Address: addr, Copy: in.Redirect.Copy, List: in.Redirect.List,
			NotifyAddr: e.resolveTemplate(in.Redirect.Notify), Ret: e.resolveTemplate(in.Redirect.Ret),
			ByTimeRelative: in.Redirect.ByTimeRelative, ByTimeAbsolute: e.resolveTemplate(in.Redirect.ByTimeAbsolute),
			ByMode: in.Redirect.ByMode, ByTrace: in.Redirect.ByTrace,
		})
		msg := &host.DerivedMessage{ID: uuid.NewString(), To: []string{addr}}
		return e.queueActionEvents([]*host.Event{{Kind: host.EventSendMessage, Message: msg}})

	case bytecode.OpReject:
		if e.rejected {
			e.pc++
			return nil, nil
		}
		msg := e.resolveTemplate(in.RejectMessage)
		e.rejected = true
		e.keptImplicit = false
		e.actions = append(e.actions, Action{Kind: ActionReject, RejectMessage: msg, RejectExtended: in.RejectExtended})
		return e.queueActionEvents([]*host.Event{{Kind: host.EventReject, RejectMessage: msg, RejectExtended: in.RejectExtended}})

	case bytecode.OpDiscard:
		e.keptImplicit = false
		e.actions = append(e.actions, Action{Kind: ActionDiscard})
		return e.queueActionEvents([]*host.Event{{Kind: host.EventDiscard}})

	case bytecode.OpSet:
		val := applySetModifiers(e.resolveTemplate(in.SetValue), in.SetModifiers)
		e.assignLocal(in.SetIndex, val)
		e.pc++
		return nil, nil

	case bytecode.OpAddHeader:
		name := stripCRLF(e.resolveTemplate(in.EditHeader.Name))
		value := stripCRLF(e.resolveTemplate(in.EditHeader.Value))
		e.actions = append(e.actions, Action{Kind: ActionAddHeader, HeaderName: name, HeaderValue: value, HeaderLast: in.EditHeader.Last})
		e.pc++
		return nil, nil

	case bytecode.OpDeleteHeader:
		name := e.resolveTemplate(in.EditHeader.Name)
		if !isProtectedHeader(name) {
			e.actions = append(e.actions, Action{
				Kind: ActionDeleteHeader, HeaderName: name, HeaderLast: in.EditHeader.Last,
				DeletePatterns: e.resolveTemplates(in.EditHeader.Patterns),
			})
		}
		e.pc++
		return nil, nil

	case bytecode.OpReplace:
		e.actions = append(e.actions, Action{
			Kind: ActionReplace, MIMESubject: e.resolveTemplate(in.MimeEdit.Subject),
			MIMEType: in.MimeEdit.MIMEType, MIMEContent: e.resolveTemplate(in.MimeEdit.Content),
		})
		e.pc++
		return nil, nil

	case bytecode.OpEnclose:
		e.actions = append(e.actions, Action{
			Kind: ActionEnclose, MIMESubject: e.resolveTemplate(in.MimeEdit.Subject), MIMEFrom: e.resolveTemplate(in.MimeEdit.From),
			MIMEType: in.MimeEdit.MIMEType, MIMEContent: e.resolveTemplate(in.MimeEdit.Content),
		})
		e.pc++
		return nil, nil

	case bytecode.OpExtractText:
		text := e.message.BodyText(e.currentPart)
		if in.ExtractText.First > 0 {
			r := []rune(text)
			if len(r) > in.ExtractText.First {
				text = string(r[:in.ExtractText.First])
			}
		}
		e.assignLocal(in.ExtractText.VarIndex, text)
		e.pc++
		return nil, nil

	case bytecode.OpConvert:
		e.actions = append(e.actions, Action{
			Kind: ActionConvert, ConvertFrom: in.Convert.FromType, ConvertTo: in.Convert.ToType,
			ConvertParams: e.resolveTemplates(in.Convert.Params),
		})
		e.pc++
		return nil, nil

	case bytecode.OpSetFlag, bytecode.OpAddFlag, bytecode.OpRemoveFlag:
		target := strings.ToLower(in.FlagTarget)
		values := flattenFlagArgs(e.resolveTemplates(in.FlagValues))
		switch in.Kind {
		case bytecode.OpSetFlag:
			e.flagVars[target] = values
		case bytecode.OpAddFlag:
			e.flagVars[target] = unionFlags(e.flagVars[target], values)
		case bytecode.OpRemoveFlag:
			e.flagVars[target] = removeFlags(e.flagVars[target], values)
		}
		e.pc++
		return nil, nil

	case bytecode.OpNotify:
		return e.doNotify(in.Notify)

	case bytecode.OpVacation:
		return e.doVacation(in.Vacation)

	default:
		e.pc++
		return nil, nil
	}
}

// doNotify assembles the enotify derived message and queues its
// CreatedMessage/SendMessage/optional FileInto events (spec.md §4.7
// "notify").
func (e *Evaluator) doNotify(args bytecode.NotifyArgs) (*host.Event, error) {
	msg := &host.DerivedMessage{
		ID:         uuid.NewString(),
		Method:     e.resolveTemplate(args.Method),
		From:       e.resolveTemplate(args.From),
		Importance: e.resolveTemplate(args.Importance),
		Body:       e.resolveTemplate(args.Message),
		Fcc:        args.Fcc,
	}
	events := []*host.Event{
		{Kind: host.EventCreatedMessage, Message: msg},
		{Kind: host.EventNotify, Message: msg},
	}
	if args.Fcc != nil {
		events = append(events, e.fileIntoEventFromFcc(args.Fcc))
	}
	return e.queueActionEvents(events)
}

// doVacation assembles the vacation reply and first checks host-side
// duplicate suppression before sending it (spec.md §4.7 "vacation",
// §9 Open Question: dedup key is "_v"+from+handle when :handle is
// given, else "_v"+from+reason).
func (e *Evaluator) doVacation(args bytecode.VacationArgs) (*host.Event, error) {
	from := e.resolveTemplate(args.From)
	handle := e.resolveTemplate(args.Handle)
	reason := e.resolveTemplate(args.Reason)

	key := "_v" + from + reason
	if handle != "" {
		key = "_v" + from + handle
	}

	msg := &host.DerivedMessage{
		ID:      uuid.NewString(),
		From:    from,
		To:      e.resolveTemplates(args.Addresses),
		Subject: e.resolveTemplate(args.Subject),
		Body:    reason,
		MIME:    args.MIME,
		Fcc:     args.Fcc,
	}

	followup := []*host.Event{
		{Kind: host.EventCreatedMessage, Message: msg},
		{Kind: host.EventSendMessage, Message: msg},
	}
	if args.Fcc != nil {
		followup = append(followup, e.fileIntoEventFromFcc(args.Fcc))
	}

	e.pending = &pendingEvent{kind: host.EventDuplicateID, followup: followup}
	e.pc++
	days := args.Days
	if days == 0 {
		days = 7
	}
	return &host.Event{Kind: host.EventDuplicateID, DuplicateID: key, DuplicateExpiry: days * 24 * 3600}, nil
}

func (e *Evaluator) fileIntoEventFromFcc(fcc *bytecode.FileIntoArgs) *host.Event {
	return &host.Event{
		Kind:   host.EventFileInto,
		Folder: e.resolveTemplate(fcc.Folder),
		Flags:  e.resolveTemplates(fcc.FlagsVar),
	}
}

// applySetModifiers applies the set action's string modifiers in the
// compiler's fixed priority order (spec.md §4.7 "set").
func applySetModifiers(val string, mods []bytecode.SetModifierKind) string {
	for _, m := range mods {
		switch m {
		case bytecode.ModUpper:
			val = strings.ToUpper(val)
		case bytecode.ModLower:
			val = strings.ToLower(val)
		case bytecode.ModFirstUpper:
			val = firstUpper(val)
		case bytecode.ModFirstLower:
			val = firstLower(val)
		case bytecode.ModQuoteRegex:
			val = regexp.QuoteMeta(val)
		case bytecode.ModQuoteWildcard:
			val = quoteWildcard(val)
		case bytecode.ModEncodeURL:
			val = url.QueryEscape(val)
		case bytecode.ModLength:
			val = strconv.Itoa(len(val))
		}
	}
	return val
}

func firstUpper(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func firstLower(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// quoteWildcard backslash-escapes glob metacharacters (RFC 5229
// :quotewildcard) so the result matches itself literally as a :matches key.
func quoteWildcard(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '*' || r == '?' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stripCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

// isProtectedHeader blocks deleteheader from touching a small set of
// headers whose removal would make the message malformed.
func isProtectedHeader(name string) bool {
	switch strings.ToLower(name) {
	case "received", "date", "message-id":
		return true
	default:
		return false
	}
}

func unionFlags(existing, add []string) []string {
	out := append([]string{}, existing...)
	for _, a := range add {
		if !containsFold(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func removeFlags(existing, remove []string) []string {
	var out []string
	for _, e := range existing {
		if !containsFold(remove, e) {
			out = append(out, e)
		}
	}
	return out
}
