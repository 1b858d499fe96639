// Package document normalizes editor document paths into identities used to
// key kernel connections, and decides which documents are notebooks.
package document

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Identity identifies one logical document. Two spellings of the same file
// path normalize to the same Identity.
type Identity string

// String returns the identity as a string.
func (id Identity) String() string { return string(id) }

// Path returns the file system path for file identities, or "" for other
// schemes.
func (id Identity) Path() string {
	s := string(id)
	if !strings.HasPrefix(s, "/") && !isWindowsDrive(s) {
		return ""
	}
	return filepath.FromSlash(s)
}

// FromPath normalizes a file path or URI. file:// URIs and plain paths become
// cleaned absolute slash-separated paths; other schemes (untitled:, vscode-notebook-cell:)
// are kept verbatim because they do not name a file.
func FromPath(p string) (Identity, error) {
	if p == "" {
		return "", fmt.Errorf("empty document path")
	}

	if strings.HasPrefix(p, "file://") {
		u, err := url.Parse(p)
		if err != nil {
			return "", fmt.Errorf("invalid document uri %q: %w", p, err)
		}
		p = u.Path
	} else if i := strings.Index(p, ":"); i > 1 && !isWindowsDrive(p) {
		return Identity(p), nil
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", p, err)
	}
	return Identity(filepath.ToSlash(filepath.Clean(abs))), nil
}

// MustFromPath is FromPath for callers with known-good input, such as tests.
func MustFromPath(p string) Identity {
	id, err := FromPath(p)
	if err != nil {
		panic(err)
	}
	return id
}

func isWindowsDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// DefaultPatterns match the notebook formats kernels understand.
var DefaultPatterns = []string{"**/*.dib", "**/*.ipynb"}

// Matcher decides whether an identity is a kernel-backed notebook.
type Matcher struct {
	patterns []string
}

// NewMatcher validates glob patterns. An empty list uses DefaultPatterns.
func NewMatcher(patterns []string) (*Matcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid document pattern %q", p)
		}
	}
	return &Matcher{patterns: append([]string(nil), patterns...)}, nil
}

// Match reports whether id is a notebook according to the patterns. Patterns
// are matched against the slash path with any leading slash removed, so
// "**/*.dib" also matches a file at the root.
func (m *Matcher) Match(id Identity) bool {
	s := strings.TrimPrefix(string(id), "/")
	for _, p := range m.patterns {
		if ok, _ := doublestar.Match(p, s); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, filepathBase(s)); ok {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

func filepathBase(s string) string {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}
