package render

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var blankLines = regexp.MustCompile(`\n{3,}`)

// HTMLToMarkdown converts an HTML display value (tables, formatted objects)
// into markdown that the terminal renderer understands.
func HTMLToMarkdown(htmlContent string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	extractText(doc, &buf, 0)
	return cleanMarkdown(buf.String()), nil
}

func extractText(n *html.Node, sb *bytes.Buffer, depth int) {
	if depth > 50 {
		return
	}

	switch n.Type {
	case html.TextNode:
		text := strings.TrimSpace(n.Data)
		if text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "svg":
			return
		case "h1", "h2", "h3":
			sb.WriteString("\n\n" + strings.Repeat("#", int(n.Data[1]-'0')) + " ")
		case "p", "div", "details", "table":
			sb.WriteString("\n\n")
		case "summary":
			sb.WriteString("**")
		case "br":
			sb.WriteString("\n")
		case "tr":
			sb.WriteString("\n| ")
		case "li":
			sb.WriteString("\n- ")
		case "code":
			sb.WriteString("`")
		case "pre":
			sb.WriteString("\n\n```\n")
		case "strong", "b", "th":
			sb.WriteString("**")
		case "em", "i":
			sb.WriteString("*")
		case "img":
			if alt := getAttr(n, "alt"); alt != "" {
				sb.WriteString("[Image: " + alt + "]")
			}
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb, depth+1)
	}

	if n.Type == html.ElementNode {
		switch n.Data {
		case "h1", "h2", "h3":
			sb.WriteString("\n\n")
		case "summary":
			closeMarker(sb, "**\n")
		case "td":
			closeMarker(sb, " | ")
		case "th":
			closeMarker(sb, "** | ")
		case "code":
			closeMarker(sb, "` ")
		case "pre":
			sb.WriteString("\n```\n\n")
		case "strong", "b":
			closeMarker(sb, "** ")
		case "em", "i":
			closeMarker(sb, "* ")
		}
	}
}

// closeMarker attaches a closing marker to the preceding text.
func closeMarker(sb *bytes.Buffer, marker string) {
	sb.Truncate(len(bytes.TrimRight(sb.Bytes(), " ")))
	sb.WriteString(marker)
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func cleanMarkdown(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " ")
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
