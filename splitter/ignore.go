package splitter

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreFiles are the per-directory ignore files honored during a corpus
// walk, in the order they are applied.
var IgnoreFiles = []string{".gitignore", ".deweyignore"}

type ignoreRule struct {
	pattern  string
	negate   bool
	dirOnly  bool
	anchored bool
}

// ignoreList holds the parsed rules of one ignore file, applying to the
// subtree rooted at its directory.
type ignoreList struct {
	base  string // corpus-relative, slash-separated directory of the file
	rules []ignoreRule
}

func parseIgnoreFile(fsPath, base string) (*ignoreList, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	l := &ignoreList{base: base}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r := ignoreRule{}
		if strings.HasPrefix(line, "!") {
			r.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			r.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		if strings.HasPrefix(line, "/") {
			r.anchored = true
			line = line[1:]
		} else if strings.Contains(line, "/") {
			// A separator anywhere anchors the pattern to the ignore
			// file's directory, per gitignore semantics.
			r.anchored = true
		}
		r.pattern = line
		l.rules = append(l.rules, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// match reports (ignored, decided): the last rule that matches wins.
func (l *ignoreList) match(rel string, isDir bool) (bool, bool) {
	sub, ok := trimBase(rel, l.base)
	if !ok {
		return false, false
	}

	ignored, decided := false, false
	for _, r := range l.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if r.matches(sub) {
			ignored, decided = !r.negate, true
		}
	}
	return ignored, decided
}

func (r ignoreRule) matches(sub string) bool {
	if r.anchored {
		return globMatch(r.pattern, sub)
	}
	// Unanchored: the pattern may match the basename or any suffix of
	// the path's segments.
	segs := strings.Split(sub, "/")
	for i := range segs {
		if globMatch(r.pattern, strings.Join(segs[i:], "/")) {
			return true
		}
	}
	return false
}

// globMatch matches pattern against p with segment-wise globbing and
// support for the ** wildcard. A pattern that matches a prefix of p's
// segments matches p (ignoring a directory ignores its contents).
func globMatch(pattern, p string) bool {
	return segsMatch(strings.Split(pattern, "/"), strings.Split(p, "/"))
}

func segsMatch(pat, segs []string) bool {
	if len(pat) == 0 {
		return true
	}
	if pat[0] == "**" {
		for i := 0; i <= len(segs); i++ {
			if segsMatch(pat[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if ok, _ := path.Match(pat[0], segs[0]); !ok {
		return false
	}
	return segsMatch(pat[1:], segs[1:])
}

func trimBase(rel, base string) (string, bool) {
	if base == "" {
		return rel, true
	}
	if rel == base {
		return "", false
	}
	if strings.HasPrefix(rel, base+"/") {
		return rel[len(base)+1:], true
	}
	return "", false
}

// ignoreStack accumulates ignore files from the corpus root downward.
type ignoreStack struct {
	lists []*ignoreList
}

func (s *ignoreStack) push(dirFSPath, dirRel string) {
	for _, name := range IgnoreFiles {
		if l, err := parseIgnoreFile(filepath.Join(dirFSPath, name), dirRel); err == nil {
			s.lists = append(s.lists, l)
		}
	}
}

// ignored reports whether rel is excluded. Deeper ignore files override
// shallower ones.
func (s *ignoreStack) ignored(rel string, isDir bool) bool {
	result := false
	for _, l := range s.lists {
		if ig, decided := l.match(rel, isDir); decided {
			result = ig
		}
	}
	return result
}

// WalkCorpus walks root in lexical order, honoring ignore files found in
// every directory from the root downward, and calls fn for each
// non-ignored regular file. Dotfiles and dot-directories (.git and
// friends) are always skipped.
func WalkCorpus(root string, fn func(path string) error) error {
	stack := &ignoreStack{}
	return walkDir(root, "", stack, fn)
}

func walkDir(dir, rel string, stack *ignoreStack, fn func(path string) error) error {
	stack.push(dir, rel)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	depth := len(stack.lists)
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		if stack.ignored(childRel, entry.IsDir()) {
			continue
		}
		if entry.IsDir() {
			if err := walkDir(filepath.Join(dir, name), childRel, stack, fn); err != nil {
				return err
			}
			stack.lists = stack.lists[:depth]
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if err := fn(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
