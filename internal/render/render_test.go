package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelbridge/internal/contracts"
	"kernelbridge/internal/output"
)

func TestPreferred(t *testing.T) {
	html := output.TextItem(MimeHTML, "<b>2</b>")
	plain := output.TextItem(MimePlain, "2")
	png := output.Item{Mime: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}

	assert.Equal(t, plain, Preferred([]output.Item{html, plain}))
	assert.Equal(t, html, Preferred([]output.Item{png, html}))
	assert.Equal(t, png, Preferred([]output.Item{png}))
	assert.Equal(t, output.Item{}, Preferred(nil))
}

func TestRenderer_Entries(t *testing.T) {
	r := New(Options{Plain: true})

	out := r.Entries([]output.Entry{
		{ID: 7, Items: []output.Item{output.TextItem(MimePlain, "hello")}},
		{ID: 8, Items: []output.Item{output.ErrorItem("Error", "CS0103: x does not exist")}},
		{ID: 9, Items: []output.Item{{Mime: "image/png", Data: make([]byte, 12)}}},
		{ID: 10, Items: []output.Item{output.TextItem("application/json", `{"a":1}`)}},
	})

	assert.Contains(t, out, "[7]")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "Error: CS0103: x does not exist")
	assert.Contains(t, out, "<image/png, 12 bytes>")
	assert.Contains(t, out, `{"a":1}`)
}

func TestRenderer_HTMLFallsBackToMarkdown(t *testing.T) {
	r := New(Options{Plain: true})
	out := r.Entry(output.Entry{ID: 1, Items: []output.Item{
		output.TextItem(MimeHTML, "<table><tr><th>Name</th></tr><tr><td>Ada</td></tr></table>"),
	}})
	assert.Contains(t, out, "**Name**")
	assert.Contains(t, out, "| Ada |")
	assert.NotContains(t, out, "<td>")
}

func TestRenderer_GlamourMarkdown(t *testing.T) {
	r := New(Options{Width: 40})
	out := r.Entry(output.Entry{ID: 2, Items: []output.Item{output.TextItem(MimeMarkdown, "# Title\n\nbody text")}})
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "body text")
}

func TestHTMLToMarkdown(t *testing.T) {
	md, err := HTMLToMarkdown(`<div><h2>Result</h2><p>The <b>answer</b> is <code>42</code>.</p><script>alert(1)</script><ul><li>one</li><li>two</li></ul></div>`)
	require.NoError(t, err)

	assert.Contains(t, md, "## Result")
	assert.Contains(t, md, "**answer**")
	assert.Contains(t, md, "`42`")
	assert.Contains(t, md, "- one")
	assert.Contains(t, md, "- two")
	assert.NotContains(t, md, "alert")
	assert.NotContains(t, md, "\n\n\n")
}

func TestDiagnostics(t *testing.T) {
	out := Diagnostics([]contracts.Diagnostic{
		{
			LinePositionSpan: contracts.LinePositionSpan{Start: contracts.LinePosition{Line: 0, Character: 4}},
			Severity:         "error",
			Code:             "CS1002",
			Message:          "; expected",
		},
		{Severity: "warning", Code: "CS0168", Message: "unused"},
	})
	assert.Contains(t, out, "1:5 error CS1002: ; expected")
	assert.Contains(t, out, "1:1 warning CS0168: unused")
}
