package main

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/aledsdavies/sievevm/core/host"
)

// messageDoc is the on-disk JSON shape `sievevm run --message` reads.
// Message parsing proper is out of scope (spec.md §1 Non-goals); this
// is a hand-rolled fixture format for the example CLI only, not a
// library component, so it leans on net/mail for address/date parsing
// rather than bringing in a MIME library no SPEC_FULL.md component
// otherwise needs.
type messageDoc struct {
	Parts []messagePart `json:"parts"`
}

type messagePart struct {
	Headers  []host.HeaderField `json:"headers"`
	Text     string             `json:"text"`
	HTML     string             `json:"html"`
	Children []messagePart      `json:"children"`
}

// jsonMessage implements host.Message over a parsed messageDoc.
type jsonMessage struct {
	raw      []byte
	ids      []host.PartID
	parts    map[host.PartID]messagePart
	children map[host.PartID][]host.PartID
}

func loadJSONMessage(path string) (*jsonMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc messageDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse message %s: %w", path, err)
	}
	if len(doc.Parts) == 0 {
		return nil, fmt.Errorf("message %s declares no parts", path)
	}

	m := &jsonMessage{
		raw:      raw,
		parts:    make(map[host.PartID]messagePart),
		children: make(map[host.PartID][]host.PartID),
	}
	var next host.PartID
	var assign func(p messagePart, parent host.PartID, hasParent bool) host.PartID
	assign = func(p messagePart, parent host.PartID, hasParent bool) host.PartID {
		id := next
		next++
		m.ids = append(m.ids, id)
		m.parts[id] = p
		if hasParent {
			m.children[parent] = append(m.children[parent], id)
		}
		for _, c := range p.Children {
			assign(c, id, true)
		}
		return id
	}
	assign(doc.Parts[0], 0, false)
	for _, extra := range doc.Parts[1:] {
		assign(extra, 0, true)
	}
	return m, nil
}

func (m *jsonMessage) RawBytes() []byte       { return m.raw }
func (m *jsonMessage) PartIDs() []host.PartID { return m.ids }

func (m *jsonMessage) PartHeaders(part host.PartID) []host.HeaderField {
	return m.parts[part].Headers
}

func (m *jsonMessage) HeaderRaw(part host.PartID, name string, index int) (string, bool) {
	n := 0
	for _, h := range m.parts[part].Headers {
		if strings.EqualFold(h.Name, name) {
			if n == index {
				return h.Value, true
			}
			n++
		}
	}
	return "", false
}

func (m *jsonMessage) AddressList(part host.PartID, name string) []host.Address {
	raw, ok := m.HeaderRaw(part, name, 0)
	if !ok {
		return nil
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil
	}
	out := make([]host.Address, len(addrs))
	for i, a := range addrs {
		out[i] = host.Address{Name: a.Name, Address: a.Address}
	}
	return out
}

func (m *jsonMessage) ContentType(part host.PartID) string {
	raw, ok := m.HeaderRaw(part, "Content-Type", 0)
	if !ok {
		return "text/plain"
	}
	return strings.ToLower(strings.TrimSpace(strings.SplitN(raw, ";", 2)[0]))
}

func (m *jsonMessage) ContentTypeParam(part host.PartID, param string) (string, bool) {
	raw, ok := m.HeaderRaw(part, "Content-Type", 0)
	if !ok {
		return "", false
	}
	for _, seg := range strings.Split(raw, ";")[1:] {
		kv := strings.SplitN(strings.TrimSpace(seg), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], param) {
			return strings.Trim(kv[1], `"`), true
		}
	}
	return "", false
}

func (m *jsonMessage) BodyText(part host.PartID) string { return m.parts[part].Text }
func (m *jsonMessage) BodyHTML(part host.PartID) string { return m.parts[part].HTML }

func (m *jsonMessage) SubpartIDs(part host.PartID) []host.PartID { return m.children[part] }

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

func (m *jsonMessage) TextToHTML(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return "<p>" + replacer.Replace(s) + "</p>"
}

func (m *jsonMessage) HTMLToText(s string) string {
	return strings.TrimSpace(htmlTagPattern.ReplaceAllString(s, ""))
}

func (m *jsonMessage) ParseDate(raw string) (time.Time, bool) {
	t, err := mail.ParseDate(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

var messageIDPattern = regexp.MustCompile(`<[^<>]+>`)

func (m *jsonMessage) ParseMessageID(raw string) []string {
	return messageIDPattern.FindAllString(raw, -1)
}

var _ host.Message = (*jsonMessage)(nil)
