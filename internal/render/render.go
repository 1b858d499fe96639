// Package render turns projected kernel outputs into terminal text.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"kernelbridge/internal/contracts"
	"kernelbridge/internal/logging"
	"kernelbridge/internal/output"
)

// Mime types with dedicated rendering.
const (
	MimePlain    = "text/plain"
	MimeHTML     = "text/html"
	MimeMarkdown = "text/markdown"
)

// preference orders the representations of one value, best first.
var preference = []string{output.ErrorMimeType, MimePlain, MimeMarkdown, MimeHTML}

var (
	idStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	binaryStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
)

// Options configure a Renderer.
type Options struct {
	// Width wraps markdown output; zero uses 80.
	Width int
	// Plain disables glamour so markdown is printed as-is.
	Plain bool
}

// Renderer formats output entries.
type Renderer struct {
	md    *glamour.TermRenderer
	width int
}

// New creates a renderer. If glamour cannot be initialized the renderer
// falls back to plain markdown.
func New(opts Options) *Renderer {
	if opts.Width <= 0 {
		opts.Width = 80
	}
	r := &Renderer{width: opts.Width}
	if opts.Plain {
		return r
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(opts.Width),
	)
	if err != nil {
		logging.Get(logging.CategoryCLI).Warn("markdown renderer unavailable: %v", err)
		return r
	}
	r.md = md
	return r
}

// Entries renders every entry, one block per entry.
func (r *Renderer) Entries(entries []output.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(r.Entry(e))
		sb.WriteString("\n")
	}
	return sb.String()
}

// Entry renders the best representation of one entry.
func (r *Renderer) Entry(e output.Entry) string {
	body := r.item(Preferred(e.Items))
	return idStyle.Render(fmt.Sprintf("[%d]", e.ID)) + " " + strings.TrimRight(body, "\n")
}

// Preferred picks the representation to display.
func Preferred(items []output.Item) output.Item {
	for _, mime := range preference {
		for _, it := range items {
			if it.Mime == mime {
				return it
			}
		}
	}
	if len(items) > 0 {
		return items[0]
	}
	return output.Item{}
}

func (r *Renderer) item(it output.Item) string {
	switch it.Mime {
	case output.ErrorMimeType:
		if d, ok := it.DecodeError(); ok {
			return errorStyle.Render(d.Name + ": " + d.Message)
		}
		return errorStyle.Render(string(it.Data))
	case MimePlain, "":
		return string(it.Data)
	case MimeMarkdown:
		return r.markdown(string(it.Data))
	case MimeHTML:
		md, err := HTMLToMarkdown(string(it.Data))
		if err != nil {
			return string(it.Data)
		}
		return r.markdown(md)
	}
	if strings.HasPrefix(it.Mime, "text/") || strings.HasSuffix(it.Mime, "+json") || strings.HasSuffix(it.Mime, "/json") {
		return string(it.Data)
	}
	return binaryStyle.Render(fmt.Sprintf("<%s, %d bytes>", it.Mime, len(it.Data)))
}

func (r *Renderer) markdown(md string) (out string) {
	if r.md == nil {
		return md
	}
	defer func() {
		// If glamour panics, return plain text
		if p := recover(); p != nil {
			logging.Get(logging.CategoryCLI).Warn("markdown render panicked: %v", p)
			out = md
		}
	}()
	rendered, err := r.md.Render(md)
	if err != nil {
		return md
	}
	return strings.Trim(rendered, "\n")
}

// Diagnostics renders one line per diagnostic, colored by severity.
func Diagnostics(diags []contracts.Diagnostic) string {
	var sb strings.Builder
	for _, d := range diags {
		style := infoStyle
		switch strings.ToLower(d.Severity) {
		case "error":
			style = errorStyle
		case "warning":
			style = warningStyle
		}
		start := d.LinePositionSpan.Start
		line := fmt.Sprintf("%d:%d %s %s: %s", start.Line+1, start.Character+1, d.Severity, d.Code, d.Message)
		sb.WriteString(style.Render(line))
		sb.WriteString("\n")
	}
	return sb.String()
}
