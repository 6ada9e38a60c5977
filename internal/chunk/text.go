package chunk

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/scanner"
)

// TextChunker packs paragraphs into chunks of at most MaxChunkChars.
// Consecutive chunks share up to OverlapChars of trailing context.
type TextChunker struct {
	opts Options
}

// NewTextChunker creates a paragraph-aware chunker.
func NewTextChunker(opts Options) *TextChunker {
	return &TextChunker{opts: opts.withDefaults()}
}

// Split implements Producer.
func (c *TextChunker) Split(ctx context.Context, doc *scanner.Document) ([]*Chunk, error) {
	if err := validate(ctx, doc); err != nil {
		return nil, err
	}
	return number(doc.ID, c.pieces(string(doc.Content), nil)), nil
}

// pieces splits text into chunk contents, copying meta onto each.
func (c *TextChunker) pieces(text string, meta map[string]string) []*Chunk {
	var out []*Chunk
	emit := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		out = append(out, &Chunk{Content: s, Metadata: cloneMeta(meta)})
	}

	var cur strings.Builder
	for _, para := range paragraphs(text) {
		if runeLen(para) > c.opts.MaxChunkChars {
			if cur.Len() > 0 {
				emit(cur.String())
				cur.Reset()
			}
			for _, w := range c.window(para) {
				emit(w)
			}
			continue
		}

		if cur.Len() > 0 && runeLen(cur.String())+2+runeLen(para) > c.opts.MaxChunkChars {
			prev := cur.String()
			emit(prev)
			cur.Reset()
			if tail := overlapTail(prev, c.opts.OverlapChars); tail != "" &&
				runeLen(tail)+2+runeLen(para) <= c.opts.MaxChunkChars {
				cur.WriteString(tail)
			}
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	emit(cur.String())
	return out
}

// window hard-splits an oversized paragraph into overlapping rune windows.
func (c *TextChunker) window(para string) []string {
	runes := []rune(para)
	step := c.opts.MaxChunkChars - c.opts.OverlapChars
	var out []string
	for start := 0; start < len(runes); start += step {
		end := min(start+c.opts.MaxChunkChars, len(runes))
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

// paragraphs splits on blank lines and drops empty paragraphs.
func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// overlapTail returns at most n trailing runes of s, starting on a word boundary.
func overlapTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return ""
	}
	tail := runes[len(runes)-n:]
	for i, r := range tail {
		if unicode.IsSpace(r) {
			return strings.TrimSpace(string(tail[i:]))
		}
	}
	return ""
}

func validate(ctx context.Context, doc *scanner.Document) error {
	if err := ctx.Err(); err != nil {
		return amerrors.ChunkingError(doc.ID, err)
	}
	if !utf8.Valid(doc.Content) {
		return amerrors.ChunkingError(doc.ID, errInvalidUTF8)
	}
	return nil
}

func number(docID string, chunks []*Chunk) []*Chunk {
	for i, ch := range chunks {
		ch.DocumentID = docID
		ch.Index = i
	}
	return chunks
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
