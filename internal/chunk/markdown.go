package chunk

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/Aman-CERP/amansync/internal/scanner"
)

var (
	headerPattern      = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	frontmatterPattern = regexp.MustCompile(`(?s)\A---\n(.*?)\n---\n?`)
)

// MarkdownChunker emits one chunk per heading section. Sections larger than
// MaxChunkChars are split by the TextChunker, keeping their header path.
type MarkdownChunker struct {
	text *TextChunker
}

// NewMarkdownChunker creates a heading-aware chunker.
func NewMarkdownChunker(opts Options) *MarkdownChunker {
	return &MarkdownChunker{text: NewTextChunker(opts)}
}

type section struct {
	level int
	title string
	path  string
	body  strings.Builder
}

// Split implements Producer.
func (c *MarkdownChunker) Split(ctx context.Context, doc *scanner.Document) ([]*Chunk, error) {
	if err := validate(ctx, doc); err != nil {
		return nil, err
	}

	content := strings.ReplaceAll(string(doc.Content), "\r\n", "\n")
	var chunks []*Chunk

	if m := frontmatterPattern.FindStringIndex(content); m != nil {
		if fm := strings.TrimSpace(content[m[0]:m[1]]); fm != "" {
			chunks = append(chunks, &Chunk{
				Content:  fm,
				Metadata: map[string]string{"type": "frontmatter"},
			})
		}
		content = content[m[1]:]
	}

	for _, sec := range parseSections(content) {
		body := strings.TrimSpace(sec.body.String())
		if body == "" || (sec.level > 0 && !strings.Contains(body, "\n")) {
			// Heading with nothing under it.
			continue
		}
		meta := map[string]string{
			"header_path":  sec.path,
			"header_level": strconv.Itoa(sec.level),
		}
		if sec.title != "" {
			meta["section_title"] = sec.title
		}
		chunks = append(chunks, c.text.pieces(body, meta)...)
	}

	return number(doc.ID, chunks), nil
}

// parseSections groups lines under their nearest heading. Lines before the
// first heading form a level-0 section. Headings inside fenced code blocks
// are ignored.
func parseSections(content string) []*section {
	var sections []*section
	stack := make([]string, 6)
	cur := &section{}
	inFence := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}

		if m := headerPattern.FindStringSubmatch(line); m != nil && !inFence {
			sections = append(sections, cur)

			level := len(m[1])
			stack[level-1] = m[2]
			for i := level; i < len(stack); i++ {
				stack[i] = ""
			}
			var parts []string
			for _, s := range stack[:level] {
				if s != "" {
					parts = append(parts, s)
				}
			}
			cur = &section{level: level, title: m[2], path: strings.Join(parts, " > ")}
		}

		cur.body.WriteString(line)
		cur.body.WriteByte('\n')
	}
	return append(sections, cur)
}
