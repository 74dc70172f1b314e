// Package lexer turns Sieve source bytes into a token stream (spec.md
// §4.1, C1). It never aborts on an unrecognized word — unknown
// identifiers come back as ILLEGAL tokens so the compiler can emit
// Invalid instructions in tolerant mode; only the terminal failures
// spec.md §4.1 lists (unterminated string/comment/heredoc, script too
// long, invalid character, unexpected EOF) are returned as errors.
package lexer

import (
	"log/slog"
	"strings"

	"github.com/aledsdavies/sievevm/core/diag"
)

// ASCII classification tables, built once at package init the same
// way the teacher's runtime/lexer does it for zero per-byte overhead.
var (
	isSpace     [128]bool
	isDigit     [128]bool
	isIdentHead [128]bool
	isIdentTail [128]bool
)

func init() {
	for i := 0; i < 128; i++ {
		c := byte(i)
		isSpace[i] = c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v'
		isDigit[i] = c >= '0' && c <= '9'
		isIdentHead[i] = (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
		isIdentTail[i] = isIdentHead[i] || isDigit[i]
	}
}

// MaxScriptSize is the default byte cap on source size (overridable
// via core/config.Limits; spec.md §6.1).
const MaxScriptSize = 1 << 20

// Lexer is a single-pass scanner over the whole source buffer.
type Lexer struct {
	src    string
	pos    int // byte offset of the next unread byte
	line   int
	col    int
	logger *slog.Logger

	maxScriptSize int
	maxStringSize int
}

// New creates a Lexer over src. A nil logger is replaced with a
// discard logger, matching spec.md's "optional *slog.Logger" ambient
// logging convention.
func New(src []byte, logger *slog.Logger) *Lexer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Lexer{
		src:           string(src),
		line:          1,
		col:           1,
		logger:        logger,
		maxScriptSize: MaxScriptSize,
		maxStringSize: 1 << 16,
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// SetLimits overrides the default size caps (wired from core/config.Limits).
func (l *Lexer) SetLimits(maxScript, maxString int) {
	if maxScript > 0 {
		l.maxScriptSize = maxScript
	}
	if maxString > 0 {
		l.maxStringSize = maxString
	}
}

func (l *Lexer) errAt(kind diag.CompileErrorKind, msg string) error {
	return &diag.CompileError{Kind: kind, Line: l.line, Column: l.col, Message: msg}
}

func (l *Lexer) peekByte() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *Lexer) peekByteAt(off int) byte {
	if l.pos+off >= len(l.src) {
		return 0
	}
	return l.src[l.pos+off]
}

func (l *Lexer) advance() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func (l *Lexer) here() Position {
	return Position{Line: l.line, Column: l.col, Offset: l.pos}
}

// Next returns the next token, or a terminal error from spec.md §4.1's
// failure list.
func (l *Lexer) Next() (Token, error) {
	if len(l.src) > l.maxScriptSize {
		return Token{}, l.errAt(diag.ErrScriptTooLong, "script exceeds maximum size")
	}

	if err := l.skipWhitespaceAndComments(); err != nil {
		return Token{}, err
	}

	start := l.here()
	if l.pos >= len(l.src) {
		return Token{Type: EOF, Position: start}, nil
	}

	c := l.peekByte()

	switch {
	case c == '"':
		return l.lexQuotedString(start)
	case c == ':':
		return l.lexTag(start)
	case isDigit[c]:
		return l.lexNumber(start)
	case isIdentHead[c]:
		return l.lexIdentifier(start)
	}

	switch c {
	case '{':
		l.advance()
		return Token{Type: LBRACE, Text: "{", Position: start}, nil
	case '}':
		l.advance()
		return Token{Type: RBRACE, Text: "}", Position: start}, nil
	case '(':
		l.advance()
		return Token{Type: LPAREN, Text: "(", Position: start}, nil
	case ')':
		l.advance()
		return Token{Type: RPAREN, Text: ")", Position: start}, nil
	case '[':
		l.advance()
		return Token{Type: LBRACKET, Text: "[", Position: start}, nil
	case ']':
		l.advance()
		return Token{Type: RBRACKET, Text: "]", Position: start}, nil
	case ';':
		l.advance()
		return Token{Type: SEMICOLON, Text: ";", Position: start}, nil
	case ',':
		l.advance()
		return Token{Type: COMMA, Text: ",", Position: start}, nil
	}

	// Unknown character: tolerant mode — surface as ILLEGAL, not a
	// hard lexer error, so the compiler can keep going and emit an
	// Invalid instruction (spec.md §4.1, §7).
	l.advance()
	l.logger.Debug("lexer: illegal character", "char", string(c), "line", start.Line)
	return Token{Type: ILLEGAL, Text: string(c), Position: start}, nil
}

func (l *Lexer) skipWhitespaceAndComments() error {
	for l.pos < len(l.src) {
		c := l.peekByte()
		if c < 128 && isSpace[c] {
			l.advance()
			continue
		}
		if c == '\n' {
			l.advance()
			continue
		}
		if c == '#' {
			for l.pos < len(l.src) && l.peekByte() != '\n' {
				l.advance()
			}
			continue
		}
		if c == '/' && l.peekByteAt(1) == '*' {
			l.advance()
			l.advance()
			closed := false
			for l.pos < len(l.src) {
				if l.peekByte() == '*' && l.peekByteAt(1) == '/' {
					l.advance()
					l.advance()
					closed = true
					break
				}
				l.advance()
			}
			if !closed {
				return l.errAt(diag.ErrUnterminatedComment, "unterminated block comment")
			}
			continue
		}
		break
	}
	return nil
}

func (l *Lexer) lexIdentifier(start Position) (Token, error) {
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.peekByte()
		if c >= 128 || !isIdentTail[c] {
			break
		}
		sb.WriteByte(c)
		l.advance()
	}
	text := sb.String()
	if tt, ok := Keywords[strings.ToLower(text)]; ok {
		return Token{Type: tt, Text: text, Position: start}, nil
	}
	return Token{Type: IDENTIFIER, Text: text, Position: start}, nil
}

func (l *Lexer) lexTag(start Position) (Token, error) {
	l.advance() // ':'
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.peekByte()
		if c >= 128 || !isIdentTail[c] {
			break
		}
		sb.WriteByte(c)
		l.advance()
	}
	if sb.Len() == 0 {
		return Token{Type: ILLEGAL, Text: ":", Position: start}, nil
	}
	return Token{Type: TAG, Text: sb.String(), Position: start}, nil
}

// lexNumber handles plain decimal integers with an optional trailing
// K/M/G binary-unit suffix (spec.md §4.1, §8.11): 1k=1024, 1m=2^20,
// 1g=2^30.
func (l *Lexer) lexNumber(start Position) (Token, error) {
	var sb strings.Builder
	for l.pos < len(l.src) && isDigit[l.peekByte()] {
		sb.WriteByte(l.peekByte())
		l.advance()
	}
	var mult int64 = 1
	switch l.peekByte() {
	case 'k', 'K':
		mult = 1 << 10
		l.advance()
	case 'm', 'M':
		mult = 1 << 20
		l.advance()
	case 'g', 'G':
		mult = 1 << 30
		l.advance()
	}
	var n int64
	for _, ch := range sb.String() {
		n = n*10 + int64(ch-'0')
	}
	return Token{Type: NUMBER, Text: sb.String(), Number: n * mult, Position: start}, nil
}

// lexQuotedString scans a "..." literal. Escape handling is left raw
// here: runtime/compiler's unescape resolves the \\ and \" pairs, and
// runtime/interp then resolves ${...} interpolation (spec.md §4.2).
func (l *Lexer) lexQuotedString(start Position) (Token, error) {
	l.advance() // opening quote
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) {
			return Token{}, l.errAt(diag.ErrUnterminatedString, "unterminated string literal")
		}
		c := l.peekByte()
		if c == '"' {
			l.advance()
			break
		}
		if c == '\\' && l.peekByteAt(1) != 0 {
			sb.WriteByte(c)
			l.advance()
			sb.WriteByte(l.peekByte())
			l.advance()
			continue
		}
		if sb.Len() >= l.maxStringSize {
			return Token{}, l.errAt(diag.ErrStringTooLong, "string literal exceeds maximum size")
		}
		sb.WriteByte(c)
		l.advance()
	}
	return Token{Type: STRING, Text: sb.String(), Position: start}, nil
}

// TryConsumeMultilineColon checks whether the lexer sits immediately
// after a `text` identifier token at the start of a `text:` heredoc
// marker: the next non-space byte is ':' and the rest of the line up
// to EOL is blank or a comment. If so it consumes through the line's
// newline and returns true, leaving the lexer positioned to call
// LexMultiline; otherwise it leaves the position untouched.
func (l *Lexer) TryConsumeMultilineColon() bool {
	save := l.pos
	saveLine, saveCol := l.line, l.col
	for l.pos < len(l.src) && l.peekByte() != '\n' && isSpace[l.peekByte()&0x7f] && l.peekByte() < 128 {
		l.advance()
	}
	if l.peekByte() != ':' {
		l.pos, l.line, l.col = save, saveLine, saveCol
		return false
	}
	l.advance() // ':'
	for l.pos < len(l.src) && l.peekByte() != '\n' {
		if l.peekByte() == '#' {
			for l.pos < len(l.src) && l.peekByte() != '\n' {
				l.advance()
			}
			break
		}
		if !(l.peekByte() < 128 && isSpace[l.peekByte()]) {
			l.pos, l.line, l.col = save, saveLine, saveCol
			return false
		}
		l.advance()
	}
	if l.pos < len(l.src) {
		l.advance() // consume '\n'
	}
	return true
}

// LexMultiline scans a `text:` heredoc body once the caller (the
// compiler, which alone knows "text:" just closed a command's string
// position) has consumed the leading "text:" marker and its newline.
// Body lines run until a line consisting of a single '.'; a line
// beginning with ".." is dot-stuffed down to a single leading '.'.
func (l *Lexer) LexMultiline() (Token, error) {
	start := l.here()
	var out strings.Builder
	for {
		lineStart := l.pos
		for l.pos < len(l.src) && l.peekByte() != '\n' {
			l.advance()
		}
		line := l.src[lineStart:l.pos]
		if l.pos < len(l.src) {
			l.advance() // consume '\n'
		} else if line != "." {
			return Token{}, l.errAt(diag.ErrUnterminatedMultiline, "unterminated multi-line string")
		}
		if line == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		out.WriteString(line)
		out.WriteByte('\n')
		if out.Len() >= l.maxStringSize {
			return Token{}, l.errAt(diag.ErrStringTooLong, "multi-line string exceeds maximum size")
		}
	}
	return Token{Type: MULTILINE, Text: out.String(), Position: start}, nil
}
