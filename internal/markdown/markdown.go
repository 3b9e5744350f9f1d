// Package markdown tokenizes user-authored markdown (message content,
// profile "about" text) into a flat list of plain-text word tokens, used
// for the markdown_tokens field of messages and the about_markdown_tokens
// field returned by the profile endpoint. Rendering to HTML is never exposed to clients; only
// the parsed plain-text tokens are.
package markdown

import (
	"strings"
	"unicode"

	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
)

const maxTokens = 256

// Tokenize parses source as CommonMark (plus autolinks and strikethrough,
// matching the extensions the teacher's chat surfaces expect) and returns
// its plain-text content split on whitespace, with markdown syntax
// characters stripped. Code spans and fenced code blocks are preserved
// verbatim so snippets remain searchable.
func Tokenize(source string) []string {
	if strings.TrimSpace(source) == "" {
		return nil
	}

	extensions := parser.CommonExtensions | parser.Autolink | parser.Strikethrough
	doc := parser.NewWithExtensions(extensions).Parse([]byte(source))

	var sb strings.Builder
	ast.WalkFunc(doc, func(n ast.Node, entering bool) ast.WalkStatus {
		if !entering {
			return ast.GoToNext
		}
		switch leaf := n.(type) {
		case *ast.Text:
			sb.Write(leaf.Literal)
			sb.WriteByte(' ')
		case *ast.Code:
			sb.Write(leaf.Literal)
			sb.WriteByte(' ')
		case *ast.CodeBlock:
			sb.Write(leaf.Literal)
			sb.WriteByte(' ')
		}
		return ast.GoToNext
	})

	tokens := strings.FieldsFunc(sb.String(), func(r rune) bool {
		return unicode.IsSpace(r)
	})
	if len(tokens) > maxTokens {
		tokens = tokens[:maxTokens]
	}
	return tokens
}
