package gitignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Matcher holds compiled gitignore rules. Safe for concurrent use.
type Matcher struct {
	mu    sync.RWMutex
	rules []rule
}

type rule struct {
	regex    *regexp.Regexp
	negation bool
	dirOnly  bool
	anchored bool
	base     string // directory of the .gitignore that declared the rule
}

// New creates an empty Matcher.
func New() *Matcher {
	return &Matcher{}
}

// AddPattern adds a rule that applies from the root.
func (m *Matcher) AddPattern(pattern string) {
	m.AddPatternWithBase(pattern, "")
}

// AddPatternWithBase adds a rule that only applies under base.
func (m *Matcher) AddPatternWithBase(pattern, base string) {
	escapedSpace := strings.HasSuffix(pattern, `\ `)
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || (strings.HasPrefix(pattern, "#") && !strings.HasPrefix(pattern, `\#`)) {
		return
	}

	r := rule{base: strings.Trim(filepath.ToSlash(base), "/")}

	switch {
	case strings.HasPrefix(pattern, `\#`), strings.HasPrefix(pattern, `\!`):
		pattern = pattern[1:]
	case strings.HasPrefix(pattern, "!"):
		r.negation = true
		pattern = pattern[1:]
	}
	if escapedSpace && strings.HasSuffix(pattern, `\`) {
		pattern = strings.TrimSuffix(pattern, `\`) + " "
	}
	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}
	if strings.HasPrefix(pattern, "/") {
		r.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	}
	// "doc/frotz" is relative to the .gitignore, like "/doc/frotz".
	if strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "**/") && !strings.HasPrefix(pattern, "*") {
		r.anchored = true
	}

	r.regex = regexp.MustCompile("^" + patternToRegex(pattern, false) + "$")

	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
}

// AddFromFile reads rules from a .gitignore file located at base.
func (m *Matcher) AddFromFile(path, base string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open gitignore file: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m.AddPatternWithBase(sc.Text(), base)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read gitignore file: %w", err)
	}
	return nil
}

// Len returns the number of rules.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

// Match reports whether path is ignored. The last matching rule wins.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = filepath.ToSlash(path)

	m.mu.RLock()
	defer m.mu.RUnlock()

	ignored := false
	for _, r := range m.rules {
		if r.matches(path, isDir) {
			ignored = !r.negation
		}
	}
	return ignored
}

func (r rule) matches(path string, isDir bool) bool {
	if r.base != "" {
		if path == r.base {
			path = filepath.Base(path)
		} else if strings.HasPrefix(path, r.base+"/") {
			path = strings.TrimPrefix(path, r.base+"/")
		} else {
			return false
		}
	}

	parts := strings.Split(path, "/")

	if r.anchored {
		if r.regex.MatchString(path) {
			return !r.dirOnly || isDir
		}
		// A matched directory ignores everything below it.
		for i := 1; i < len(parts); i++ {
			if r.regex.MatchString(strings.Join(parts[:i], "/")) {
				return true
			}
		}
		return false
	}

	for i, part := range parts {
		if r.regex.MatchString(part) {
			last := i == len(parts)-1
			if r.dirOnly && last {
				return isDir
			}
			return true
		}
	}
	return !r.dirOnly && r.regex.MatchString(path)
}

// Glob is a compiled include/exclude pattern over slash-separated paths.
type Glob struct {
	pattern string
	regex   *regexp.Regexp
}

// CompileGlob compiles pattern. "**" spans directories, "*" and "?" do not,
// and "{a,b}" matches either alternative.
func CompileGlob(pattern string) (*Glob, error) {
	re, err := regexp.Compile("^" + patternToRegex(filepath.ToSlash(pattern), true) + "$")
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	return &Glob{pattern: pattern, regex: re}, nil
}

// Match reports whether the relative path matches the glob.
func (g *Glob) Match(path string) bool {
	return g.regex.MatchString(filepath.ToSlash(path))
}

// String returns the source pattern.
func (g *Glob) String() string {
	return g.pattern
}

// patternToRegex converts a wildcard pattern to a regex body.
// Braces are only treated as alternation when braces is true.
func patternToRegex(pattern string, braces bool) string {
	var sb strings.Builder
	depth := 0

	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '*' && i+1 < len(pattern) && pattern[i+1] == '*':
			switch {
			case i+2 < len(pattern) && pattern[i+2] == '/':
				sb.WriteString("(?:.*/)?")
				i += 2
			case i == 0 || pattern[i-1] == '/':
				sb.WriteString(".*")
				i++
			default:
				sb.WriteString("[^/]*")
				i++
			}
		case c == '*':
			sb.WriteString("[^/]*")
		case c == '?':
			sb.WriteString("[^/]")
		case c == '[':
			j := strings.IndexByte(pattern[i+1:], ']')
			if j < 0 {
				sb.WriteString(`\[`)
				continue
			}
			sb.WriteString(pattern[i : i+j+2])
			i += j + 1
		case c == '\\' && i+1 < len(pattern):
			sb.WriteString(regexp.QuoteMeta(string(pattern[i+1])))
			i++
		case braces && c == '{':
			depth++
			sb.WriteString("(?:")
		case braces && c == '}' && depth > 0:
			depth--
			sb.WriteString(")")
		case braces && c == ',' && depth > 0:
			sb.WriteString("|")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	return sb.String()
}
