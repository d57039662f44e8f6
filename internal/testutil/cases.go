// Package testutil loads the rendering case files used by package tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

const (
	headerSeparator   = "\n---\n"
	expectedSeparator = "\n===\n"
)

// Settings are per-case engine settings.
type Settings struct {
	Escape       string `yaml:"escape"`
	Undefined    string `yaml:"undefined"`
	TrimBlocks   bool   `yaml:"trim_blocks"`
	LstripBlocks bool   `yaml:"lstrip_blocks"`
}

// Case is one rendering case.
//
// A case file is a YAML header, a line with `---`, the template source, a
// line with `===` and the expected output. A single trailing newline of the
// expected output is dropped.
type Case struct {
	Name      string
	Context   map[string]any    `yaml:"context"`
	Settings  Settings          `yaml:"settings"`
	Templates map[string]string `yaml:"templates"` // additional templates for include and extends
	Error     string            `yaml:"error"`     // expected error kind, if the render fails
	Template  string            `yaml:"-"`
	Expected  string            `yaml:"-"`
}

// ParseCaseFile reads and parses a case file. The case is named after the
// file without its extension.
func ParseCaseFile(path string) (*Case, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c, err := ParseCase(string(content))
	if err != nil {
		return nil, errors.Errorf("%s: %w", path, err)
	}
	c.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return c, nil
}

// ParseCase parses the content of a case file.
func ParseCase(content string) (*Case, error) {
	header, rest, ok := strings.Cut(content, headerSeparator)
	if !ok {
		if !strings.HasPrefix(content, "---\n") {
			return nil, errors.New("missing `---` separator")
		}
		header, rest = "", content[len("---\n"):]
	}

	c := &Case{}
	if strings.TrimSpace(header) != "" {
		if err := yaml.Unmarshal([]byte(header), c); err != nil {
			return nil, errors.Errorf("header: %w", err)
		}
	}
	if c.Context == nil {
		c.Context = map[string]any{}
	}

	idx := strings.LastIndex(rest, expectedSeparator)
	if idx < 0 {
		return nil, errors.New("missing `===` separator")
	}
	c.Template = rest[:idx]
	c.Expected = strings.TrimSuffix(rest[idx+len(expectedSeparator):], "\n")
	return c, nil
}

// GlobCases returns the case files under dir, sorted.
func GlobCases(dir string) ([]string, error) {
	paths, err := doublestar.FilepathGlob(filepath.Join(dir, "**", "*.case"))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Diff returns a unified diff from expected to actual output, or "" when
// they match.
func Diff(expected, actual string) string {
	if expected == actual {
		return ""
	}
	edits := myers.ComputeEdits(span.URIFromPath("expected"), expected, actual)
	return fmt.Sprint(gotextdiff.ToUnified("expected", "actual", expected, edits))
}
