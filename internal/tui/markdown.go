package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// markdownRenderer turns assistant replies into styled terminal text. A
// glamour.TermRenderer is not safe for concurrent Render calls; the model
// only renders from Update.
type markdownRenderer struct {
	style    string
	width    int
	renderer *glamour.TermRenderer
}

func newMarkdownRenderer(style string) *markdownRenderer {
	if style == "" {
		style = "dark"
	}
	return &markdownRenderer{style: style}
}

// Render formats content wrapped at width. On any renderer error the raw
// content is returned.
func (r *markdownRenderer) Render(content string, width int) string {
	if width < 20 {
		width = 20
	}
	if r.renderer == nil || r.width != width {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithStylePath(r.style),
			glamour.WithWordWrap(width),
			glamour.WithEmoji(),
			glamour.WithPreservedNewLines(),
		)
		if err != nil {
			return content
		}
		r.renderer = renderer
		r.width = width
	}

	out, err := r.renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(out, "\n")
}
