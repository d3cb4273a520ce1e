package splitter

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paragraphRule(minChars, maxChars int) Rule {
	return Rule{Pattern: "*.txt", Kind: KindParagraph, MinChars: minChars, MaxChars: maxChars, Tags: []string{"prose"}}
}

func TestParagraphSplitExactRanges(t *testing.T) {
	s := New(paragraphRule(1, 10))
	chunks := s.Split("a.txt", []byte("alpha\n\nbeta\n\ngamma"))

	require.Len(t, chunks, 3)
	assert.Equal(t, uint64(0), chunks[0].Start)
	assert.Equal(t, uint64(5), chunks[0].End)
	assert.Equal(t, uint64(7), chunks[1].Start)
	assert.Equal(t, uint64(11), chunks[1].End)
	assert.Equal(t, uint64(13), chunks[2].Start)
	assert.Equal(t, uint64(18), chunks[2].End)

	assert.Equal(t, "alpha", chunks[0].Text)
	assert.Equal(t, "beta", chunks[1].Text)
	assert.Equal(t, "gamma", chunks[2].Text)
	for _, c := range chunks {
		assert.Equal(t, []string{"prose"}, c.Tags)
	}
}

func TestMinCharsMergesParagraphs(t *testing.T) {
	s := New(paragraphRule(12, 100))
	chunks := s.Split("a.txt", []byte("alpha\n\nbeta\n\ngamma"))

	// alpha(5) + beta(4) span 11 chars < 12, gamma pushes it over.
	require.Len(t, chunks, 1)
	assert.Equal(t, uint64(0), chunks[0].Start)
	assert.Equal(t, uint64(18), chunks[0].End)
}

func TestMaxCharsSubdividesAtWhitespace(t *testing.T) {
	s := New(paragraphRule(1, 10))
	chunks := s.Split("a.txt", []byte("one two three four"))

	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), 10)
		// Whitespace-preferred cuts keep words intact.
		assert.False(t, strings.HasPrefix(c.Text, " "))
		assert.False(t, strings.HasSuffix(c.Text, " "))
	}
	assert.Equal(t, "one two three four", strings.Join(texts(chunks), " "))
}

func TestNeverSplitsMidRune(t *testing.T) {
	// 40 two-byte runes with no whitespace force rune-boundary cuts.
	s := New(paragraphRule(1, 16))
	data := []byte(strings.Repeat("é", 40))
	chunks := s.Split("a.txt", data)

	require.NotEmpty(t, chunks)
	total := 0
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c.Text), "chunk split mid code point")
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), 16)
		total += utf8.RuneCountInString(c.Text)
	}
	assert.Equal(t, 40, total)
}

func TestCoversEveryNonWhitespaceByteExactlyOnce(t *testing.T) {
	inputs := []string{
		"alpha\n\nbeta\n\ngamma",
		"  leading and trailing  \n\n\tmore\t\n",
		"one.\nTwo sentences! Three? four",
		strings.Repeat("word ", 500),
	}
	for _, kind := range []Kind{KindParagraph, KindSentence, KindFixedChars} {
		for _, input := range inputs {
			s := New(Rule{Pattern: "*", Kind: kind, MinChars: 1, MaxChars: 40})
			chunks := s.Split("f", []byte(input))

			covered := make([]bool, len(input))
			prevEnd := uint64(0)
			for _, c := range chunks {
				assert.GreaterOrEqual(t, c.Start, prevEnd, "overlapping ranges")
				prevEnd = c.End
				for i := c.Start; i < c.End; i++ {
					covered[i] = true
				}
			}
			for i, b := range []byte(input) {
				if b != ' ' && b != '\t' && b != '\n' && b != '\r' {
					assert.True(t, covered[i], "kind %v input %q byte %d not covered", kind, input, i)
				}
			}
		}
	}
}

func TestSentenceSplit(t *testing.T) {
	s := New(Rule{Pattern: "*", Kind: KindSentence, MinChars: 1, MaxChars: 100})
	chunks := s.Split("f", []byte("One. Two two! Three three three? Tail"))

	require.Len(t, chunks, 4)
	assert.Equal(t, "One.", chunks[0].Text)
	assert.Equal(t, "Two two!", chunks[1].Text)
	assert.Equal(t, "Three three three?", chunks[2].Text)
	assert.Equal(t, "Tail", chunks[3].Text)
}

func TestCodeBlockSplit(t *testing.T) {
	src := "func a() {\n\tx := 1\n}\n\nfunc b() {\n\ty := 2\n}\n"
	s := New(Rule{Pattern: "*.go", Kind: KindCodeBlock, MinChars: 1, MaxChars: 200, Tags: []string{"code"}})
	chunks := s.Split("f.go", []byte(src))

	require.Len(t, chunks, 2)
	assert.Equal(t, "func a() {\n\tx := 1\n}", chunks[0].Text)
	assert.Equal(t, "func b() {\n\ty := 2\n}", chunks[1].Text)
}

func TestFirstMatchingRuleGoverns(t *testing.T) {
	s := New(
		Rule{Pattern: "special.md", Kind: KindFixedChars, MinChars: 1, MaxChars: 1000, Tags: []string{"special"}},
		Rule{Pattern: "*.md", Kind: KindParagraph, MinChars: 1, MaxChars: 1000, Tags: []string{"prose"}},
	)

	assert.Equal(t, []string{"special"}, s.RuleFor("docs/special.md").Tags)
	assert.Equal(t, []string{"prose"}, s.RuleFor("docs/other.md").Tags)
}

func TestEmptyAndWhitespaceOnlyFiles(t *testing.T) {
	s := New(paragraphRule(1, 10))
	assert.Empty(t, s.Split("a.txt", nil))
	assert.Empty(t, s.Split("a.txt", []byte("  \n\n\t\n  ")))
}

func texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}
