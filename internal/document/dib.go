package document

import (
	"fmt"
	"strings"
)

// Cell is one code cell of a notebook.
type Cell struct {
	ID     string
	Kernel string
	Code   string
}

// nonCodeKernels are cell kinds that are not submitted.
var nonCodeKernels = map[string]bool{"markdown": true, "md": true, "meta": true}

// ParseDib splits a .dib notebook into cells. A line "#!name" starts a new
// cell for kernel name; text before the first such line belongs to
// defaultKernel. Markdown and metadata cells are skipped, as are cells with
// only whitespace.
func ParseDib(content, defaultKernel string) []Cell {
	var (
		cells  []Cell
		kernel = defaultKernel
		lines  []string
		n      int
	)
	flush := func() {
		code := strings.Trim(strings.Join(lines, "\n"), "\n")
		lines = lines[:0]
		if strings.TrimSpace(code) == "" || nonCodeKernels[kernel] {
			return
		}
		n++
		cells = append(cells, Cell{ID: fmt.Sprintf("cell-%d", n), Kernel: kernel, Code: code})
	}

	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		if name, ok := kernelSwitch(line); ok {
			flush()
			kernel = name
			continue
		}
		lines = append(lines, line)
	}
	flush()
	return cells
}

// kernelSwitch recognizes "#!csharp" style lines. Magic commands with
// arguments ("#!time", "#!set --name x") stay in the cell.
func kernelSwitch(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "#!") {
		return "", false
	}
	name := strings.TrimPrefix(line, "#!")
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", false
	}
	switch name {
	case "time", "about", "lsmagic", "who", "whos", "value", "set", "share", "import", "connect":
		return "", false
	}
	return name, true
}
