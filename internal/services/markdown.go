package services

import (
	"bytes"
	"html/template"
	"log/slog"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Markdown renders message text to HTML with goldmark. Raw HTML in the source is escaped, and fenced code
// blocks are highlighted.
type Markdown struct {
	md goldmark.Markdown

	logger *slog.Logger
}

// NewMarkdown creates a Markdown renderer that highlights code with the named chroma style.
func NewMarkdown(codeStyle string, logger *slog.Logger) Markdown {
	if codeStyle == "" {
		codeStyle = "github"
	}
	return Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle(codeStyle)),
			),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		logger: logger.With(slog.String("module", "markdown")),
	}
}

// ToMarkup converts raw markdown to HTML. If conversion fails the text is returned escaped.
func (m Markdown) ToMarkup(raw string) string {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(raw), &buf); err != nil {
		m.logger.Error("Failed to render markdown", slog.String(errLoggerKey, err.Error()))
		return template.HTMLEscapeString(raw)
	}
	return buf.String()
}
