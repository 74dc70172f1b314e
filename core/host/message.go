// Package host defines the two external collaborator interfaces
// spec.md §1 treats as fixed: the parsed-message provider (§6.2) and
// the host event protocol (§6.3). Neither is implemented by this
// module — they are the seam the evaluator suspends across, the same
// way the teacher's core/decorator.Session is a capability contract
// the execution engine depends on without ever implementing it.
package host

import "time"

// PartID identifies one MIME part of the message under evaluation.
// The root part (the message itself) always has PartID 0.
type PartID int

// Address is one parsed entry of an address-header value.
type Address struct {
	Name    string
	Address string // full address, e.g. "user+detail@example.org"
}

// Message is the capability set the evaluator requires from the
// host's already-parsed RFC 5322 message. Implementations are free to
// parse lazily; the evaluator never inspects raw bytes itself.
type Message interface {
	// RawBytes returns the complete original message.
	RawBytes() []byte

	// PartIDs returns every MIME part id in the message, in tree order
	// (root first).
	PartIDs() []PartID

	// PartHeaders returns the raw header blob for a part as name/value
	// pairs, in on-wire order.
	PartHeaders(part PartID) []HeaderField

	// HeaderRaw returns the nth (0-based) raw value of a header on the
	// given part, case-insensitively matched by name.
	HeaderRaw(part PartID, name string, index int) (string, bool)

	// AddressList parses a header's value as an RFC 5322 address list.
	AddressList(part PartID, name string) []Address

	// ContentType returns the MIME content type of a part, lowercased,
	// without parameters (e.g. "text/plain").
	ContentType(part PartID) string

	// ContentTypeParam returns one parameter of a part's Content-Type
	// header (e.g. "charset").
	ContentTypeParam(part PartID, param string) (string, bool)

	// BodyText returns the part's body decoded to plain text.
	BodyText(part PartID) string

	// BodyHTML returns the part's body decoded to HTML, or "" if the
	// part is not HTML.
	BodyHTML(part PartID) string

	// SubpartIDs returns the immediate children of a part, in order.
	SubpartIDs(part PartID) []PartID

	// TextToHTML renders plain text as a minimal HTML fragment.
	TextToHTML(s string) string

	// HTMLToText strips markup from an HTML fragment down to text.
	HTMLToText(s string) string

	// ParseDate parses a Date-like header value.
	ParseDate(raw string) (time.Time, bool)

	// ParseMessageID parses a Message-ID-like header value into its
	// bracketed id tokens.
	ParseMessageID(raw string) []string
}

// HeaderField is one raw header occurrence as seen on the wire.
type HeaderField struct {
	Name  string
	Value string
}
