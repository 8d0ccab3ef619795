package extract

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// token kinds produced by the content-stream lexer.
const (
	tokNumber = iota
	tokString
	tokArrayStart
	tokArrayEnd
	tokOperator
	tokOther
)

type token struct {
	kind int
	text string
	num  float64
}

// kerningGap is the TJ adjustment (thousandths of an em) treated as a word gap.
const kerningGap = -200

// TextFromContent walks a page content stream and returns the text shown by
// its text operators. Text placed on a different baseline starts a new line;
// horizontal moves and wide TJ kerning become a space. String bytes are
// decoded as Windows-1252; composite-font operands are dropped.
func TextFromContent(data []byte) string {
	var sb strings.Builder
	var operands []token
	inArray := false
	var array []token

	var curY, shownY float64
	shown, moved, breakLine := false, false, false

	show := func(s string) {
		if s == "" {
			return
		}
		switch {
		case !shown:
		case breakLine || curY != shownY:
			sb.WriteByte('\n')
		case moved:
			sb.WriteByte(' ')
		}
		sb.WriteString(s)
		shown, moved, breakLine = true, false, false
		shownY = curY
	}

	lex := lexer{data: data}
	for {
		tok, ok := lex.next()
		if !ok {
			break
		}
		switch tok.kind {
		case tokArrayStart:
			inArray = true
			array = array[:0]
			continue
		case tokArrayEnd:
			inArray = false
			continue
		}
		if inArray {
			array = append(array, tok)
			continue
		}
		if tok.kind != tokOperator {
			operands = append(operands, tok)
			continue
		}

		switch tok.text {
		case "BT":
			curY = 0
			moved = true
		case "Td", "TD":
			if n := numbers(operands, 2); n != nil {
				curY += n[1]
			}
			moved = true
		case "Tm":
			if n := numbers(operands, 6); n != nil {
				curY = n[5]
			}
			moved = true
		case "T*":
			breakLine = true
		case "Tj":
			if s, ok := lastString(operands); ok {
				show(s)
			}
		case "'", `"`:
			breakLine = true
			if s, ok := lastString(operands); ok {
				show(s)
			}
		case "TJ":
			var b strings.Builder
			for _, el := range array {
				switch el.kind {
				case tokString:
					b.WriteString(el.text)
				case tokNumber:
					if el.num <= kerningGap {
						b.WriteByte(' ')
					}
				}
			}
			show(b.String())
			array = array[:0]
		}
		operands = operands[:0]
	}

	return cleanLines(sb.String())
}

// numbers returns the last n operands as floats, or nil if any is missing.
func numbers(ops []token, n int) []float64 {
	if len(ops) < n {
		return nil
	}
	out := make([]float64, n)
	for i, t := range ops[len(ops)-n:] {
		if t.kind != tokNumber {
			return nil
		}
		out[i] = t.num
	}
	return out
}

func lastString(ops []token) (string, bool) {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].kind == tokString {
			return ops[i].text, true
		}
	}
	return "", false
}

// cleanLines collapses runs of blanks inside each line and drops empty lines.
func cleanLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

type lexer struct {
	data []byte
	pos  int
}

func isDelim(c byte) bool {
	return bytes.IndexByte([]byte("()<>[]{}/%"), c) >= 0
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0:
		return true
	}
	return false
}

func (l *lexer) next() (token, bool) {
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		switch {
		case isSpace(c):
			l.pos++
		case c == '%':
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
		case c == '(':
			l.pos++
			return token{kind: tokString, text: decodeOperand(l.literal())}, true
		case c == '<' && l.pos+1 < len(l.data) && l.data[l.pos+1] == '<':
			l.pos += 2
			return token{kind: tokOther, text: "<<"}, true
		case c == '>' && l.pos+1 < len(l.data) && l.data[l.pos+1] == '>':
			l.pos += 2
			return token{kind: tokOther, text: ">>"}, true
		case c == '<':
			l.pos++
			return token{kind: tokString, text: decodeOperand(l.hex())}, true
		case c == '[':
			l.pos++
			return token{kind: tokArrayStart}, true
		case c == ']':
			l.pos++
			return token{kind: tokArrayEnd}, true
		case c == '/':
			l.pos++
			return token{kind: tokOther, text: "/" + l.word()}, true
		case isDelim(c):
			l.pos++
			return token{kind: tokOther, text: string(c)}, true
		default:
			w := l.word()
			if f, err := strconv.ParseFloat(w, 64); err == nil {
				return token{kind: tokNumber, text: w, num: f}, true
			}
			return token{kind: tokOperator, text: w}, true
		}
	}
	return token{}, false
}

func (l *lexer) word() string {
	start := l.pos
	for l.pos < len(l.data) && !isSpace(l.data[l.pos]) && !isDelim(l.data[l.pos]) {
		l.pos++
	}
	if l.pos == start {
		// Stray delimiter such as ')' or '{'.
		l.pos++
	}
	return string(l.data[start:l.pos])
}

// literal reads a (...) string body, honouring nesting and escapes. The
// opening parenthesis has been consumed.
func (l *lexer) literal() []byte {
	var out []byte
	depth := 1
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '\\':
			if l.pos >= len(l.data) {
				return out
			}
			e := l.data[l.pos]
			l.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r':
				if l.pos < len(l.data) && l.data[l.pos] == '\n' {
					l.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.data) && l.data[l.pos] >= '0' && l.data[l.pos] <= '7'; i++ {
						val = val*8 + int(l.data[l.pos]-'0')
						l.pos++
					}
					out = append(out, byte(val))
				} else {
					out = append(out, e)
				}
			}
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return out
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

// hex reads a <...> string body. The opening bracket has been consumed.
func (l *lexer) hex() []byte {
	var digits []byte
	for l.pos < len(l.data) && l.data[l.pos] != '>' {
		if c := l.data[l.pos]; !isSpace(c) {
			digits = append(digits, c)
		}
		l.pos++
	}
	l.pos++ // '>'
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, 0, len(digits)/2)
	for i := 0; i+1 < len(digits); i += 2 {
		v, err := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		if err != nil {
			continue
		}
		out = append(out, byte(v))
	}
	return out
}

// decodeOperand decodes a string operand as Windows-1252. Operands holding
// NUL or other control bytes are glyph ids of a composite (CID) font, which
// only the font's CMap can map to text, and come back empty.
func decodeOperand(b []byte) string {
	for _, c := range b {
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return ""
		}
	}
	return decodeWin1252(b)
}

func decodeWin1252(b []byte) string {
	s, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}
