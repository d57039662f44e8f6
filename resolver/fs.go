// Package resolver provides template resolvers backed by a filesystem, Redis
// and SQL databases.
package resolver

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gitlab.com/tozd/go/errors"

	"github.com/nexaweb/pyxm"
)

// DefaultExtension is tried when a template name does not exist as given.
const DefaultExtension = ".pyxm"

// FS resolves templates from files below one or more search paths. The
// first search path containing the template wins.
type FS struct {
	fs    afero.Fs
	paths []string

	// Extension is appended to names that are not found as given. Empty
	// disables the fallback.
	Extension string
	// Pattern restricts List to names matching this doublestar pattern.
	Pattern string
}

// NewFS creates a resolver over fsys. Without search paths the root of fsys
// is searched.
func NewFS(fsys afero.Fs, searchPaths ...string) *FS {
	if len(searchPaths) == 0 {
		searchPaths = []string{"."}
	}
	return &FS{
		fs:        fsys,
		paths:     searchPaths,
		Extension: DefaultExtension,
		Pattern:   "**",
	}
}

// NewOSFS creates a resolver over the host filesystem.
func NewOSFS(searchPaths ...string) *FS {
	return NewFS(afero.NewOsFs(), searchPaths...)
}

// cleanName normalizes a template name. Names are slash separated and may
// not leave the search path.
func cleanName(name string) (string, bool) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", false
	}
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", false
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// Resolve implements pyxm.Resolver.
func (f *FS) Resolve(ctx context.Context, name string) (pyxm.Source, error) {
	cleaned, ok := cleanName(name)
	if !ok {
		return pyxm.Source{}, errors.WithDetails(pyxm.ErrNotFound, "name", name, "reason", "invalid template name")
	}

	candidates := []string{cleaned}
	if f.Extension != "" && !strings.HasSuffix(cleaned, f.Extension) {
		candidates = append(candidates, cleaned+f.Extension)
	}

	for _, root := range f.paths {
		for _, candidate := range candidates {
			if err := ctx.Err(); err != nil {
				return pyxm.Source{}, errors.WithStack(err)
			}
			full := filepath.Join(root, filepath.FromSlash(candidate))
			info, err := f.fs.Stat(full)
			if errors.Is(err, os.ErrNotExist) || (err == nil && info.IsDir()) {
				continue
			}
			if err != nil {
				return pyxm.Source{}, errors.Errorf("stat %s: %w", full, err)
			}
			data, err := afero.ReadFile(f.fs, full)
			if err != nil {
				return pyxm.Source{}, errors.Errorf("read %s: %w", full, err)
			}
			zerolog.Ctx(ctx).Debug().Str("template", name).Str("path", full).Msg("template resolved from filesystem")
			return pyxm.Source{Name: name, Text: string(data)}, nil
		}
	}
	return pyxm.Source{}, errors.WithDetails(pyxm.ErrNotFound, "name", name, "paths", f.paths)
}

// List implements pyxm.Lister. Names are slash separated and relative to
// their search path. A name present below several search paths is listed
// once.
func (f *FS) List(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var names []string
	for _, root := range f.paths {
		exists, err := afero.DirExists(f.fs, root)
		if err != nil {
			return nil, errors.Errorf("stat %s: %w", root, err)
		}
		if !exists {
			continue
		}
		err = afero.Walk(f.fs, root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if ok, _ := doublestar.Match(f.Pattern, rel); !ok || seen[rel] {
				return nil
			}
			seen[rel] = true
			names = append(names, rel)
			return nil
		})
		if err != nil {
			return nil, errors.Errorf("list %s: %w", root, err)
		}
	}
	sort.Strings(names)
	return names, nil
}
