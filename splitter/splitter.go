// Package splitter cuts corpus files into chunks along rule-driven
// boundaries.
//
// A split rule table maps filename patterns to a boundary strategy
// (paragraph, sentence, code-block, fixed-chars) and size bounds. The
// emitted byte ranges are trimmed to non-whitespace, never overlap, and
// cover every non-whitespace byte of the file exactly once. Boundary
// choice prefers the rule's separator, then a whitespace run, then a
// character boundary; a range never splits a UTF-8 code point.
package splitter

import (
	"os"
	"unicode"
	"unicode/utf8"
)

// Chunk is one emitted byte range of a source file.
type Chunk struct {
	Path  string
	Start uint64
	End   uint64
	Text  string
	Tags  []string
}

// Splitter applies an ordered rule table to files.
type Splitter struct {
	rules []Rule
}

// New creates a splitter with the given rule table. With no rules, the
// default table is used.
func New(rules ...Rule) *Splitter {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Splitter{rules: rules}
}

// RuleFor returns the first rule matching path. When nothing matches,
// a paragraph rule with no tags governs.
func (s *Splitter) RuleFor(path string) Rule {
	for _, r := range s.rules {
		if r.Matches(path) {
			return r
		}
	}
	return Rule{Pattern: "*", Kind: KindParagraph}
}

// SplitFile reads path and splits its contents.
func (s *Splitter) SplitFile(path string) ([]Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return s.Split(path, data), nil
}

// Split cuts data according to the first rule matching path.
func (s *Splitter) Split(path string, data []byte) []Chunk {
	rule := s.RuleFor(path)

	minChars := rule.MinChars
	if minChars == 0 {
		minChars = DefaultMinChars
	}
	maxChars := rule.MaxChars
	if maxChars == 0 {
		maxChars = DefaultMaxChars
	}

	var units []span
	for _, u := range unitsFor(rule.Kind, data) {
		units = append(units, subdivide(data, u, maxChars)...)
	}

	ranges := merge(data, units, minChars, maxChars)

	chunks := make([]Chunk, 0, len(ranges))
	for _, r := range ranges {
		chunks = append(chunks, Chunk{
			Path:  path,
			Start: uint64(r.start),
			End:   uint64(r.end),
			Text:  string(data[r.start:r.end]),
			Tags:  rule.Tags,
		})
	}
	return chunks
}

// span is a half-open byte range within the file.
type span struct {
	start, end int
}

// unitsFor returns the separator-delimited units for the given kind,
// each trimmed to non-whitespace and non-empty.
func unitsFor(kind Kind, data []byte) []span {
	switch kind {
	case KindParagraph:
		return paragraphUnits(data)
	case KindSentence:
		return sentenceUnits(data)
	case KindCodeBlock:
		return codeBlockUnits(data)
	default:
		if u, ok := trim(data, span{0, len(data)}); ok {
			return []span{u}
		}
		return nil
	}
}

// paragraphUnits splits at blank lines.
func paragraphUnits(data []byte) []span {
	var units []span
	start := 0
	for _, line := range lines(data) {
		if isBlank(data[line.start:line.end]) {
			if u, ok := trim(data, span{start, line.start}); ok {
				units = append(units, u)
			}
			start = line.end
		}
	}
	if u, ok := trim(data, span{start, len(data)}); ok {
		units = append(units, u)
	}
	return units
}

// sentenceUnits splits after runs of sentence terminators followed by
// whitespace or end of file.
func sentenceUnits(data []byte) []span {
	var units []span
	start := 0
	i := 0
	for i < len(data) {
		c := data[i]
		if c == '.' || c == '!' || c == '?' {
			j := i + 1
			for j < len(data) && (data[j] == '.' || data[j] == '!' || data[j] == '?') {
				j++
			}
			if j >= len(data) || isSpaceByte(data[j]) {
				if u, ok := trim(data, span{start, j}); ok {
					units = append(units, u)
				}
				start = j
			}
			i = j
			continue
		}
		i++
	}
	if u, ok := trim(data, span{start, len(data)}); ok {
		units = append(units, u)
	}
	return units
}

// codeBlockUnits splits after closing braces at column zero and at blank
// lines.
func codeBlockUnits(data []byte) []span {
	var units []span
	start := 0
	for _, line := range lines(data) {
		content := data[line.start:line.end]
		switch {
		case len(content) > 0 && content[0] == '}':
			if u, ok := trim(data, span{start, line.end}); ok {
				units = append(units, u)
			}
			start = line.end
		case isBlank(content):
			if u, ok := trim(data, span{start, line.start}); ok {
				units = append(units, u)
			}
			start = line.end
		}
	}
	if u, ok := trim(data, span{start, len(data)}); ok {
		units = append(units, u)
	}
	return units
}

// subdivide cuts a unit exceeding maxChars, preferring a whitespace run
// over a bare rune boundary. Pieces are re-trimmed.
func subdivide(data []byte, u span, maxChars int) []span {
	if runeCount(data[u.start:u.end]) <= maxChars {
		return []span{u}
	}

	var pieces []span
	start := u.start
	count := 0
	wsStart, wsEnd := -1, -1 // last whitespace run strictly inside the piece
	i := u.start
	for i < u.end {
		r, size := utf8.DecodeRune(data[i:])
		if unicode.IsSpace(r) {
			if wsEnd != i {
				wsStart = i
			}
			wsEnd = i + size
		}
		count++
		i += size
		if count >= maxChars && i < u.end {
			cut, next := i, i
			if wsStart > start {
				cut, next = wsStart, wsEnd
			}
			if p, ok := trim(data, span{start, cut}); ok {
				pieces = append(pieces, p)
			}
			start = next
			count = runeCount(data[start:i])
			wsStart, wsEnd = -1, -1
		}
	}
	if p, ok := trim(data, span{start, u.end}); ok {
		pieces = append(pieces, p)
	}
	return pieces
}

// merge accumulates units into ranges of at least minChars, flushing
// before a merge would push the range past maxChars. The final range is
// exempt from the minimum.
func merge(data []byte, units []span, minChars, maxChars int) []span {
	var out []span
	var cur span
	have := false
	for _, u := range units {
		if !have {
			cur, have = u, true
		} else {
			grown := span{cur.start, u.end}
			if runeCount(data[grown.start:grown.end]) > maxChars {
				out = append(out, cur)
				cur = u
			} else {
				cur = grown
			}
		}
		if runeCount(data[cur.start:cur.end]) >= minChars {
			out = append(out, cur)
			have = false
		}
	}
	if have {
		out = append(out, cur)
	}
	return out
}

// trim narrows s to its non-whitespace extent; ok is false if nothing
// remains.
func trim(data []byte, s span) (span, bool) {
	start, end := s.start, s.end
	for start < end {
		r, size := utf8.DecodeRune(data[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRune(data[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	if start >= end {
		return span{}, false
	}
	return span{start, end}, true
}

func lines(data []byte) []span {
	var out []span
	start := 0
	for i, c := range data {
		if c == '\n' {
			out = append(out, span{start, i + 1})
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, span{start, len(data)})
	}
	return out
}

func isBlank(line []byte) bool {
	for _, c := range line {
		if !isSpaceByte(c) {
			return false
		}
	}
	return true
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

func runeCount(b []byte) int {
	return utf8.RuneCount(b)
}
