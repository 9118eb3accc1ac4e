// File: internal/rewrite/htmlpipe/boundary.go
package htmlpipe

import (
	"bytes"
	"strings"
)

// rawTextElements hold content the tokenizer must see together with its
// opening tag; a flush never splits inside them.
var rawTextElements = map[string]bool{
	"script":   true,
	"style":    true,
	"textarea": true,
}

// safeSplit returns the length of the longest prefix of b that ends on a
// token boundary: never inside a tag, a comment, or a raw-text element.
// A raw-text element is unsplittable as a whole, from its opening '<'
// through its closing tag, so the next segment always starts with the
// complete element.
func safeSplit(b []byte) int {
	lastSafe := 0
	i := 0
	for i < len(b) {
		c := b[i]
		if c != '<' {
			i++
			lastSafe = i
			continue
		}

		if bytes.HasPrefix(b[i:], []byte("<!--")) {
			end := bytes.Index(b[i:], []byte("-->"))
			if end < 0 {
				return lastSafe
			}
			i += end + len("-->")
			lastSafe = i
			continue
		}

		end, ok := scanTag(b, i)
		if !ok {
			return lastSafe
		}
		name := tagName(b[i : end+1])
		if !rawTextElements[name] {
			i = end + 1
			lastSafe = i
			continue
		}

		// Raw-text element: find its closing tag; the split point stays
		// before the opening '<' until the whole element is present.
		closeAt := indexCloseTag(b[end+1:], []byte("</"+name))
		if closeAt < 0 {
			return lastSafe
		}
		gt := bytes.IndexByte(b[end+1+closeAt:], '>')
		if gt < 0 {
			return lastSafe
		}
		i = end + 1 + closeAt + gt + 1
		lastSafe = i
	}
	return lastSafe
}

// scanTag finds the '>' ending the tag that starts at b[start] == '<',
// honoring quoted attribute values.
func scanTag(b []byte, start int) (end int, ok bool) {
	var quote byte
	for i := start + 1; i < len(b); i++ {
		c := b[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '>':
			return i, true
		}
	}
	return 0, false
}

// tagName extracts the lowercased element name from a complete tag.
func tagName(tag []byte) string {
	i := 1
	if i < len(tag) && tag[i] == '/' {
		i++
	}
	j := i
	for j < len(tag) && isNameByte(tag[j]) {
		j++
	}
	return strings.ToLower(string(tag[i:j]))
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-'
}

// indexCloseTag finds a case-insensitive occurrence of pattern (e.g.
// "</script") at a '<' position.
func indexCloseTag(b, pattern []byte) int {
	for i := 0; i+len(pattern) <= len(b); i++ {
		if b[i] != '<' {
			continue
		}
		if bytes.EqualFold(b[i:i+len(pattern)], pattern) {
			return i
		}
	}
	return -1
}
