// Package gitignore matches slash-separated relative paths against
// gitignore rules and against the include/exclude globs of a source.
//
// Rules follow https://git-scm.com/docs/gitignore: wildcards (*, ?, **),
// rooted patterns (/build), negation (!keep.md), directory-only patterns
// (drafts/) and nested .gitignore files scoped to their directory.
// Globs additionally accept brace alternation, as in "**/*.{md,txt}".
//
//	m := gitignore.New()
//	m.AddFromFile("/docs/.gitignore", "")
//	m.AddFromFile("/docs/guides/.gitignore", "guides")
//	if m.Match("guides/tmp/x.md", false) { ... }
package gitignore
