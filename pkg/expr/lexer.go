// ABOUTME: Tokenizer for the cell formula language
// ABOUTME: Numbers, quoted strings, identifiers, operators and cube-call sigils

package expr

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nainya/cubestore/pkg/cube"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of input"
	}
	return fmt.Sprintf("%q", t.text)
}

// two-character operators are matched before single characters
var operators = []string{
	"==", "!=", "<=", ">=", "&&", "||",
	"+", "-", "*", "/", "%", "<", ">", "!", "?", ":", "(", ")", "[", "]", ",", "@", "$",
}

func syntaxError(pos int, format string, args ...any) error {
	return &cube.Error{
		Kind:   cube.KindInvalid,
		Err:    cube.ErrExpressionSyntax,
		Detail: fmt.Sprintf("at offset %d: %s", pos, fmt.Sprintf(format, args...)),
	}
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		ch := rune(src[i])
		switch {
		case unicode.IsSpace(ch):
			i++

		case ch >= '0' && ch <= '9' || ch == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			start := i
			seenDot, seenExp := false, false
		scan:
			for i < len(src) {
				c := src[i]
				switch {
				case c >= '0' && c <= '9':
				case c == '.' && !seenDot && !seenExp:
					seenDot = true
				case (c == 'e' || c == 'E') && !seenExp:
					seenExp = true
					if i+1 < len(src) && (src[i+1] == '+' || src[i+1] == '-') {
						i++
					}
				default:
					break scan
				}
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})

		case ch == '"' || ch == '\'':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(src) {
				c := src[i]
				if c == '\\' && i+1 < len(src) {
					switch src[i+1] {
					case 'n':
						b.WriteByte('\n')
					case 't':
						b.WriteByte('\t')
					default:
						b.WriteByte(src[i+1])
					}
					i += 2
					continue
				}
				if rune(c) == ch {
					closed = true
					i++
					break
				}
				b.WriteByte(c)
				i++
			}
			if !closed {
				return nil, syntaxError(start, "unterminated string")
			}
			toks = append(toks, token{kind: tokString, text: b.String(), pos: start})

		case ch == '_' || unicode.IsLetter(ch):
			start := i
			for i < len(src) {
				r := rune(src[i])
				if r != '_' && r != '.' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					break
				}
				i++
			}
			for src[i-1] == '.' {
				i--
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})

		default:
			matched := false
			for _, op := range operators {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{kind: tokOp, text: op, pos: i})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, syntaxError(i, "unexpected character %q", ch)
			}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}
