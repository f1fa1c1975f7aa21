package handlers

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// markdownRenderer turns model answers into HTML. Raw HTML in the source is escaped.
type markdownRenderer struct {
	md goldmark.Markdown
}

func newMarkdownRenderer() markdownRenderer {
	return markdownRenderer{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(
					highlighting.WithStyle("github"),
					highlighting.WithGuessLanguage(true),
				),
			),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

func (r markdownRenderer) render(source string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	// goldmark escapes raw HTML unless WithUnsafe is set.
	return template.HTML(buf.String()), nil //nolint:gosec
}
