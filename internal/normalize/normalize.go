// Package normalize canonicalizes raw request text so that encoding tricks
// (double URL-encoding, HTML entities, escaped bytes, homoglyphs, padding)
// collapse onto the literal form the detectors are written against.
package normalize

import (
	"html"
	"strconv"
	"strings"
	"unicode/utf8"
)

// percentPasses bounds URL decoding. Two passes undo double encoding
// (%2527 -> %27 -> ') without unwrapping arbitrarily deep payloads.
const percentPasses = 2

// homoglyphs folds look-alike code points commonly used for evasion.
var homoglyphs = strings.NewReplacer(
	"\u2018", "'", // left single quote
	"\u2019", "'", // right single quote
	"\u201C", "\"", // left double quote
	"\u201D", "\"", // right double quote
	"\uFF1C", "<", // fullwidth less-than
	"\uFF1E", ">", // fullwidth greater-than
	"\uFF08", "(", // fullwidth left paren
	"\uFF09", ")", // fullwidth right paren
	"\u2024", ".", // one dot leader
	"\uFF0F", "/", // fullwidth solidus
	"\uFF3C", "\\", // fullwidth reverse solidus
	"\uFF07", "'", // fullwidth apostrophe
	"\uFF02", "\"", // fullwidth quotation mark
)

// Text returns the canonical form of s. It never fails: if any decoding
// step panics, the lower-cased, trimmed input is returned instead.
func Text(s string) (out string) {
	if s == "" {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			out = strings.ToLower(strings.TrimSpace(s))
		}
	}()

	t := s
	for i := 0; i < percentPasses; i++ {
		next := percentDecode(t)
		if next == t {
			break
		}
		t = next
	}
	t = html.UnescapeString(t)
	t = unescapeBackslashes(t)
	t = homoglyphs.Replace(t)
	t = collapseSpace(t)
	return strings.ToLower(strings.TrimSpace(t))
}

// percentDecode decodes every well-formed %XX sequence and leaves malformed
// ones untouched, unlike url.QueryUnescape which rejects the whole string.
// '+' is kept literal so that "a+b" in a path stays as written.
func percentDecode(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' && i+2 < len(s) {
			hi, okHi := unhex(s[i+1])
			lo, okLo := unhex(s[i+2])
			if okHi && okLo {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		if c == '%' && i+6 <= len(s) && s[i+1] == 'u' {
			if r, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
				b.WriteRune(rune(r))
				i += 5
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// unescapeBackslashes decodes \xNN, \uNNNN, \n, \r, \t, \" , \' and \/
// and collapses runs of backslashes to a single one. Unknown escapes keep
// their backslash so Windows-style traversal (..\) survives.
func unescapeBackslashes(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		j := i
		for j < len(s) && s[j] == '\\' {
			j++
		}
		// j is the first non-backslash byte; s[i:j] is the run.
		if j >= len(s) {
			b.WriteByte('\\')
			break
		}
		switch s[j] {
		case 'x':
			if j+2 < len(s) {
				hi, okHi := unhex(s[j+1])
				lo, okLo := unhex(s[j+2])
				if okHi && okLo {
					b.WriteByte(hi<<4 | lo)
					i = j + 2
					continue
				}
			}
		case 'u':
			if j+4 < len(s) {
				if r, err := strconv.ParseUint(s[j+1:j+5], 16, 32); err == nil && utf8.ValidRune(rune(r)) {
					b.WriteRune(rune(r))
					i = j + 4
					continue
				}
			}
		case 'n':
			b.WriteByte('\n')
			i = j
			continue
		case 'r':
			b.WriteByte('\r')
			i = j
			continue
		case 't':
			b.WriteByte('\t')
			i = j
			continue
		case '"', '\'', '/':
			b.WriteByte(s[j])
			i = j
			continue
		}
		b.WriteByte('\\')
		i = j - 1
	}
	return b.String()
}

// collapseSpace folds runs of horizontal whitespace into one space.
// CR and LF are preserved: they are evidence for header injection.
func collapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\v', '\f', '\u00a0':
			if !inSpace {
				b.WriteByte(' ')
				inSpace = true
			}
			continue
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
