package index

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

var frontMatterDelim = []byte("---")

// frontMatter is the structured header every document must begin with.
type frontMatter struct {
	ID           string    `yaml:"id"`
	Title        string    `yaml:"title"`
	Description  string    `yaml:"description"`
	LastModified time.Time `yaml:"last_modified"`
}

// splitFrontMatter splits a document into its YAML header and markdown body.
// The header must be the first thing in the file, delimited by "---" lines.
func splitFrontMatter(data []byte) (meta, body []byte, err error) {
	rest, ok := bytes.CutPrefix(data, frontMatterDelim)
	if !ok {
		return nil, nil, fmt.Errorf("missing front matter delimiter")
	}
	rest, ok = cutLineEnd(rest)
	if !ok {
		return nil, nil, fmt.Errorf("missing front matter delimiter")
	}

	// Find the closing delimiter at the start of a line.
	offset := 0
	for {
		idx := bytes.Index(rest[offset:], frontMatterDelim)
		if idx < 0 {
			return nil, nil, fmt.Errorf("unterminated front matter")
		}
		idx += offset
		if idx > 0 && rest[idx-1] != '\n' {
			offset = idx + len(frontMatterDelim)
			continue
		}
		after := rest[idx+len(frontMatterDelim):]
		if trimmed, ok := cutLineEnd(after); ok || len(after) == 0 {
			return rest[:idx], trimmed, nil
		}
		offset = idx + len(frontMatterDelim)
	}
}

// cutLineEnd strips one leading newline (LF or CRLF).
func cutLineEnd(data []byte) ([]byte, bool) {
	if rest, ok := bytes.CutPrefix(data, []byte("\r\n")); ok {
		return rest, true
	}
	return bytes.CutPrefix(data, []byte("\n"))
}

// parseFrontMatter decodes and validates the YAML header.
func parseFrontMatter(meta []byte) (*frontMatter, error) {
	var fm frontMatter
	if err := yaml.Unmarshal(meta, &fm); err != nil {
		return nil, fmt.Errorf("decoding front matter: %w", err)
	}
	if fm.ID == "" {
		return nil, fmt.Errorf("front matter missing id")
	}
	if fm.Title == "" {
		return nil, fmt.Errorf("front matter missing title")
	}
	return &fm, nil
}

// extractText flattens a markdown body down to its plain text for the
// token index, dropping formatting, links and code fences structure.
func extractText(body []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(body))

	var buf strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(body))
			buf.WriteByte(' ')
		case *ast.String:
			buf.Write(t.Value)
			buf.WriteByte(' ')
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(body))
			}
			buf.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

// tokenize lowercases and splits text into index terms.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
