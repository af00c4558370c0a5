// Package sqltext does the little SQL text handling the engine needs:
// statement boundaries, keyword classification and the read-only gate.
// It is not a parser; the server owns SQL semantics.
package sqltext

import (
	"strings"

	"querydesk/internal/domain"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokSemicolon
)

type token struct {
	kind  tokenKind
	text  string // upper-cased for words
	start int
	end   int
	depth int // parenthesis nesting at the token
}

// dialect holds the lexical rules that differ between servers.
type dialect struct {
	backslashEscapes bool // '\' escapes inside '...' and "..." strings
	doubleQuoteStr   bool // "..." is a string literal, not an identifier
	hashComments     bool // '#' starts a line comment
	versionComments  bool // the body of /*! ... */ is executed
	escapeStrings    bool // E'...' literals take backslash escapes
	dollarQuotes     bool // $tag$ ... $tag$ bodies
}

func dialectOf(driver domain.DatabaseDriver) dialect {
	switch {
	case driver == domain.DatabaseDriverMySQL:
		return dialect{backslashEscapes: true, doubleQuoteStr: true, hashComments: true, versionComments: true}
	case driver.PostgresFamily(), driver == domain.DatabaseDriverDuckDB:
		return dialect{escapeStrings: true, dollarQuotes: true}
	}
	return dialect{}
}

// lex walks text and emits words and statement separators that sit outside
// string literals, quoted identifiers, comments and dollar-quoted bodies.
func lex(text string, d dialect) []token {
	var toks []token
	depth := 0
	inVersion := false
	n := len(text)
	for i := 0; i < n; {
		c := text[i]
		switch {
		case c == '-' && i+1 < n && text[i+1] == '-':
			i = skipLine(text, i+2)
		case c == '#' && d.hashComments:
			i = skipLine(text, i+1)
		case c == '/' && i+2 < n && text[i+1] == '*' && text[i+2] == '!' && d.versionComments && !inVersion:
			i += 3
			for i < n && text[i] >= '0' && text[i] <= '9' {
				i++
			}
			inVersion = true
		case c == '*' && i+1 < n && text[i+1] == '/' && inVersion:
			i += 2
			inVersion = false
		case c == '/' && i+1 < n && text[i+1] == '*':
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				i = n
			} else {
				i = i + 2 + end + 2
			}
		case c == '\'':
			i = skipQuoted(text, i, '\'', d.backslashEscapes)
		case c == '"':
			i = skipQuoted(text, i, c, d.backslashEscapes && d.doubleQuoteStr)
		case c == '`':
			i = skipQuoted(text, i, c, false)
		case c == '$' && d.dollarQuotes:
			if end, ok := skipDollar(text, i); ok {
				i = end
			} else {
				i++
			}
		case c == '(':
			depth++
			i++
		case c == ')':
			if depth > 0 {
				depth--
			}
			i++
		case c == ';':
			toks = append(toks, token{kind: tokSemicolon, text: ";", start: i, end: i + 1, depth: depth})
			i++
		case isWordStart(c):
			j := i + 1
			if d.escapeStrings && (c == 'E' || c == 'e') && j < n && text[j] == '\'' {
				i = skipQuoted(text, j, '\'', true)
				continue
			}
			for j < n && isWordPart(text[j]) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: strings.ToUpper(text[i:j]), start: i, end: j, depth: depth})
			i = j
		default:
			i++
		}
	}
	return toks
}

func skipLine(text string, i int) int {
	if nl := strings.IndexByte(text[i:], '\n'); nl >= 0 {
		return i + nl + 1
	}
	return len(text)
}

// skipQuoted returns the index just past the closing quote. A doubled quote
// is an escaped quote; backslash escapes apply only where the dialect says.
func skipQuoted(text string, i int, q byte, backslash bool) int {
	n := len(text)
	for j := i + 1; j < n; j++ {
		switch text[j] {
		case '\\':
			if backslash {
				j++
			}
		case q:
			if j+1 < n && text[j+1] == q {
				j++
				continue
			}
			return j + 1
		}
	}
	return n
}

// skipDollar handles Postgres $tag$ ... $tag$ bodies. Placeholders such as
// $1 are not dollar quotes.
func skipDollar(text string, i int) (int, bool) {
	n := len(text)
	j := i + 1
	if j < n && text[j] >= '0' && text[j] <= '9' {
		return 0, false
	}
	for j < n && (isWordStart(text[j]) || (text[j] >= '0' && text[j] <= '9')) {
		j++
	}
	if j >= n || text[j] != '$' {
		return 0, false
	}
	tag := text[i : j+1]
	end := strings.Index(text[j+1:], tag)
	if end < 0 {
		return n, true
	}
	return j + 1 + end + len(tag), true
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isWordPart(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9') || c == '$'
}
