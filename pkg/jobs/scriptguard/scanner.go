package scriptguard

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokKind uint8

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokNewline
)

type token struct {
	kind tokKind
	text string
	line int
}

type scanErr struct {
	line int
	msg  string
}

type modeKind uint8

const (
	modeCode modeKind = iota
	modeFstr
	modeSpec
)

// mode is one level of the scan stack: plain code, the literal body of
// an f-string, or a format spec inside one. Interpolations push a code
// mode so their expressions flow through the same token stream.
type mode struct {
	kind     modeKind
	paren    int    // open brackets in this code level
	fromFstr bool   // code level entered from an f-string brace
	quote    string // closing quote sequence for f-string levels
	raw      bool
}

// scanner walks Python source structurally. Comments and string bodies
// are opaque; f-string interpolations (including nested format specs)
// are scanned as code. It never evaluates anything.
type scanner struct {
	src   string
	pos   int
	line  int
	modes []mode
}

func newScanner(src string) *scanner {
	return &scanner{src: src, line: 1, modes: []mode{{kind: modeCode}}}
}

func (s *scanner) cur() *mode { return &s.modes[len(s.modes)-1] }

func (s *scanner) pop() { s.modes = s.modes[:len(s.modes)-1] }

// depth is the structural nesting: open brackets across all levels plus
// one per f-string interpolation hop.
func (s *scanner) depth() int {
	d := len(s.modes) - 1
	for i := range s.modes {
		d += s.modes[i].paren
	}
	return d
}

// next returns the next policy-relevant token. String bodies yield a
// single tokString when they close; mode switches yield nothing and
// loop.
func (s *scanner) next() (token, *scanErr) {
	for {
		var (
			tok  token
			done bool
			err  *scanErr
		)
		switch s.cur().kind {
		case modeCode:
			tok, done, err = s.scanCode()
		case modeFstr:
			tok, done, err = s.scanFstr()
		case modeSpec:
			tok, done, err = s.scanSpec()
		}
		if err != nil {
			return token{}, err
		}
		if done {
			return tok, nil
		}
	}
}

func (s *scanner) scanCode() (token, bool, *scanErr) {
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == 0:
			return token{}, false, &scanErr{s.line, "NUL byte in script"}
		case c == ' ' || c == '\t' || c == '\r':
			s.pos++
		case c == '\\':
			if s.pos+1 < len(s.src) && s.src[s.pos+1] == '\n' {
				s.pos += 2
				s.line++
				continue
			}
			line := s.line
			s.pos++
			return token{kind: tokOp, text: `\`, line: line}, true, nil
		case c == '#':
			for s.pos < len(s.src) && s.src[s.pos] != '\n' {
				s.pos++
			}
		case c == '\n':
			line := s.line
			s.pos++
			s.line++
			return token{kind: tokNewline, line: line}, true, nil
		case c == '\'' || c == '"':
			return s.scanStringStart("")
		case isIdentStart(c):
			return s.scanIdent()
		case c >= '0' && c <= '9':
			return s.scanNumber()
		case c >= utf8.RuneSelf:
			r, size := utf8.DecodeRuneInString(s.src[s.pos:])
			if unicode.IsLetter(r) {
				return s.scanIdent()
			}
			line := s.line
			s.pos += size
			return token{kind: tokOp, text: string(r), line: line}, true, nil
		default:
			return s.scanOp()
		}
	}
	if len(s.modes) > 1 {
		return token{}, false, &scanErr{s.line, "unterminated f-string expression"}
	}
	return token{kind: tokEOF, line: s.line}, true, nil
}

func (s *scanner) scanOp() (token, bool, *scanErr) {
	m := s.cur()
	c := s.src[s.pos]
	line := s.line
	switch c {
	case '(', '[', '{':
		m.paren++
		s.pos++
		return token{kind: tokOp, text: string(c), line: line}, true, nil
	case ')', ']':
		if m.paren > 0 {
			m.paren--
		}
		s.pos++
		return token{kind: tokOp, text: string(c), line: line}, true, nil
	case '}':
		if m.paren == 0 && m.fromFstr {
			// End of an interpolated expression.
			s.pos++
			s.pop()
			return token{}, false, nil
		}
		if m.paren > 0 {
			m.paren--
		}
		s.pos++
		return token{kind: tokOp, text: "}", line: line}, true, nil
	case ':':
		if m.paren == 0 && m.fromFstr {
			// Format spec; its nested braces scan as code again.
			s.pos++
			m.kind = modeSpec
			return token{}, false, nil
		}
		s.pos++
		return token{kind: tokOp, text: ":", line: line}, true, nil
	case '!':
		if m.paren == 0 && m.fromFstr && (s.pos+1 >= len(s.src) || s.src[s.pos+1] != '=') {
			// Conversion marker (!r, !s, !a).
			s.pos++
			return token{}, false, nil
		}
		s.pos++
		return token{kind: tokOp, text: "!", line: line}, true, nil
	default:
		s.pos++
		return token{kind: tokOp, text: string(c), line: line}, true, nil
	}
}

func (s *scanner) scanIdent() (token, bool, *scanErr) {
	start := s.pos
	line := s.line
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		if isIdentChar(c) {
			s.pos++
			continue
		}
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s.src[s.pos:])
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				s.pos += size
				continue
			}
		}
		break
	}
	text := s.src[start:s.pos]
	if s.pos < len(s.src) && (s.src[s.pos] == '\'' || s.src[s.pos] == '"') && isStringPrefix(text) {
		return s.scanStringStart(strings.ToLower(text))
	}
	return token{kind: tokIdent, text: text, line: line}, true, nil
}

// scanNumber consumes one numeric literal. A trailing dot not followed
// by a digit is left for the operator scanner, so attribute access on
// literals still passes the attribute checks.
func (s *scanner) scanNumber() (token, bool, *scanErr) {
	start := s.pos
	line := s.line
	if s.src[s.pos] == '0' && s.pos+1 < len(s.src) {
		switch s.src[s.pos+1] {
		case 'x', 'X', 'o', 'O', 'b', 'B':
			s.pos += 2
			for s.pos < len(s.src) && isHexChar(s.src[s.pos]) {
				s.pos++
			}
			return token{kind: tokNumber, text: s.src[start:s.pos], line: line}, true, nil
		}
	}
	s.eatDigits()
	if s.pos+1 < len(s.src) && s.src[s.pos] == '.' && isDigit(s.src[s.pos+1]) {
		s.pos++
		s.eatDigits()
	}
	if s.pos < len(s.src) && (s.src[s.pos] == 'e' || s.src[s.pos] == 'E') {
		next := s.pos + 1
		if next < len(s.src) && (s.src[next] == '+' || s.src[next] == '-') {
			next++
		}
		if next < len(s.src) && isDigit(s.src[next]) {
			s.pos = next
			s.eatDigits()
		}
	}
	if s.pos < len(s.src) && (s.src[s.pos] == 'j' || s.src[s.pos] == 'J') {
		s.pos++
	}
	return token{kind: tokNumber, text: s.src[start:s.pos], line: line}, true, nil
}

func (s *scanner) eatDigits() {
	for s.pos < len(s.src) && (isDigit(s.src[s.pos]) || s.src[s.pos] == '_') {
		s.pos++
	}
}

// scanStringStart consumes the quote run and dispatches on the prefix:
// f-strings push a scan level, everything else is skipped to its close.
func (s *scanner) scanStringStart(prefix string) (token, bool, *scanErr) {
	q := s.src[s.pos]
	quote := string(q)
	if strings.HasPrefix(s.src[s.pos:], strings.Repeat(string(q), 3)) {
		quote = strings.Repeat(string(q), 3)
	}
	s.pos += len(quote)
	raw := strings.Contains(prefix, "r")
	if strings.Contains(prefix, "f") {
		s.modes = append(s.modes, mode{kind: modeFstr, quote: quote, raw: raw})
		return token{}, false, nil
	}
	return s.scanPlainString(quote, raw)
}

func (s *scanner) scanPlainString(quote string, raw bool) (token, bool, *scanErr) {
	line := s.line
	for s.pos < len(s.src) {
		if strings.HasPrefix(s.src[s.pos:], quote) {
			s.pos += len(quote)
			return token{kind: tokString, line: line}, true, nil
		}
		c := s.src[s.pos]
		switch {
		case c == 0:
			return token{}, false, &scanErr{s.line, "NUL byte in script"}
		case c == '\\' && !raw:
			s.pos++
			if s.pos < len(s.src) {
				if s.src[s.pos] == '\n' {
					s.line++
				}
				s.pos++
			}
		case c == '\n':
			if len(quote) == 1 {
				return token{}, false, &scanErr{line, "unterminated string literal"}
			}
			s.line++
			s.pos++
		default:
			s.pos++
		}
	}
	return token{}, false, &scanErr{line, "unterminated string literal"}
}

func (s *scanner) scanFstr() (token, bool, *scanErr) {
	m := s.cur()
	for s.pos < len(s.src) {
		if strings.HasPrefix(s.src[s.pos:], m.quote) {
			line := s.line
			s.pos += len(m.quote)
			s.pop()
			return token{kind: tokString, line: line}, true, nil
		}
		c := s.src[s.pos]
		switch {
		case c == 0:
			return token{}, false, &scanErr{s.line, "NUL byte in script"}
		case c == '\\' && !m.raw:
			s.pos++
			if s.pos < len(s.src) {
				if s.src[s.pos] == '\n' {
					s.line++
				}
				s.pos++
			}
		case c == '{':
			if s.pos+1 < len(s.src) && s.src[s.pos+1] == '{' {
				s.pos += 2
				continue
			}
			s.pos++
			s.modes = append(s.modes, mode{kind: modeCode, fromFstr: true})
			return token{}, false, nil
		case c == '}':
			if s.pos+1 < len(s.src) && s.src[s.pos+1] == '}' {
				s.pos += 2
				continue
			}
			s.pos++
		case c == '\n':
			if len(m.quote) == 1 {
				return token{}, false, &scanErr{s.line, "unterminated string literal"}
			}
			s.line++
			s.pos++
		default:
			s.pos++
		}
	}
	return token{}, false, &scanErr{s.line, "unterminated string literal"}
}

func (s *scanner) scanSpec() (token, bool, *scanErr) {
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch c {
		case 0:
			return token{}, false, &scanErr{s.line, "NUL byte in script"}
		case '}':
			s.pos++
			s.pop()
			return token{}, false, nil
		case '{':
			s.pos++
			s.modes = append(s.modes, mode{kind: modeCode, fromFstr: true})
			return token{}, false, nil
		case '\n':
			s.pos++
			s.line++
		default:
			s.pos++
		}
	}
	return token{}, false, &scanErr{s.line, "unterminated format spec"}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexChar(c byte) bool {
	return isDigit(c) || c == '_' ||
		(c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// isStringPrefix reports whether an identifier directly before a quote
// is a string prefix (r, b, u, f and their pairings).
func isStringPrefix(text string) bool {
	if len(text) == 0 || len(text) > 2 {
		return false
	}
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case 'r', 'R', 'b', 'B', 'u', 'U', 'f', 'F':
		default:
			return false
		}
	}
	return true
}
