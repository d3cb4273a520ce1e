package splitter

import (
	"path"
	"path/filepath"
)

// Kind selects the boundary strategy for a rule.
type Kind int

const (
	// KindFixedChars cuts at character-count boundaries only.
	KindFixedChars Kind = iota
	// KindParagraph cuts at blank-line separators.
	KindParagraph
	// KindSentence cuts after sentence terminators.
	KindSentence
	// KindCodeBlock cuts after closing braces at column zero and blank lines.
	KindCodeBlock
)

func (k Kind) String() string {
	switch k {
	case KindFixedChars:
		return "fixed-chars"
	case KindParagraph:
		return "paragraph"
	case KindSentence:
		return "sentence"
	case KindCodeBlock:
		return "code-block"
	default:
		return "unknown"
	}
}

// Rule binds a filename pattern to a boundary strategy, size bounds, and
// the tags attached to every chunk it emits. Pattern is a glob matched
// against the file's base name ("*.md"), or against the slash-separated
// path if it contains a separator.
type Rule struct {
	Pattern  string
	Kind     Kind
	MinChars int
	MaxChars int
	Tags     []string
}

// Matches reports whether the rule's pattern matches p.
func (r Rule) Matches(p string) bool {
	p = filepath.ToSlash(p)
	if ok, _ := path.Match(r.Pattern, path.Base(p)); ok {
		return true
	}
	ok, _ := path.Match(r.Pattern, p)
	return ok
}

// DefaultMaxChars bounds a chunk when a rule leaves MaxChars zero.
const DefaultMaxChars = 2000

// DefaultMinChars is the merge threshold when a rule leaves MinChars zero.
const DefaultMinChars = 64

// DefaultRules covers common plaintext corpora: code files chunked by
// block, prose by paragraph, everything else by paragraph with a generic
// tag. The first matching rule governs.
func DefaultRules() []Rule {
	code := func(pat string) Rule {
		return Rule{Pattern: pat, Kind: KindCodeBlock, Tags: []string{"code"}}
	}
	prose := func(pat string) Rule {
		return Rule{Pattern: pat, Kind: KindParagraph, Tags: []string{"prose"}}
	}
	return []Rule{
		code("*.go"), code("*.rs"), code("*.c"), code("*.h"), code("*.cc"),
		code("*.cpp"), code("*.py"), code("*.js"), code("*.ts"), code("*.java"),
		prose("*.md"), prose("*.txt"), prose("*.rst"),
		{Pattern: "*", Kind: KindParagraph, Tags: []string{"text"}},
	}
}
