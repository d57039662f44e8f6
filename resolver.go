package pyxm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"gitlab.com/tozd/go/errors"
)

// ErrNotFound is returned by resolvers for templates they do not know.
var ErrNotFound = errors.Base("template not found")

// Source is a template's text as returned by a Resolver.
type Source struct {
	Name string
	Text string
	// Fingerprint identifies the content. Resolvers may leave it empty, in
	// which case it is computed from Text.
	Fingerprint string
}

// Resolver maps template names to sources.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Source, error)
}

// Lister is implemented by resolvers that can enumerate their templates.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, name string) (Source, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, name string) (Source, error) {
	return f(ctx, name)
}

// Fingerprint returns the content fingerprint of a template text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MapResolver serves templates from memory. It is safe for concurrent use.
type MapResolver struct {
	mu        sync.RWMutex
	templates map[string]string
}

// NewMapResolver creates a resolver holding a copy of templates.
func NewMapResolver(templates map[string]string) *MapResolver {
	m := &MapResolver{templates: make(map[string]string, len(templates))}
	for name, text := range templates {
		m.templates[name] = text
	}
	return m
}

// Set adds or replaces a template.
func (m *MapResolver) Set(name, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.templates == nil {
		m.templates = make(map[string]string)
	}
	m.templates[name] = text
}

// Delete removes a template.
func (m *MapResolver) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.templates, name)
}

// Resolve implements Resolver.
func (m *MapResolver) Resolve(_ context.Context, name string) (Source, error) {
	m.mu.RLock()
	text, ok := m.templates[name]
	m.mu.RUnlock()
	if !ok {
		return Source{}, errors.WithDetails(ErrNotFound, "name", name)
	}
	return Source{Name: name, Text: text, Fingerprint: Fingerprint(text)}, nil
}

// List implements Lister.
func (m *MapResolver) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.templates))
	for name := range m.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ChainResolver tries each resolver in order and returns the first hit.
// Errors other than ErrNotFound stop the search.
type ChainResolver []Resolver

// Resolve implements Resolver.
func (c ChainResolver) Resolve(ctx context.Context, name string) (Source, error) {
	for _, r := range c {
		src, err := r.Resolve(ctx, name)
		if err == nil {
			return src, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Source{}, err
		}
	}
	return Source{}, errors.WithDetails(ErrNotFound, "name", name)
}

// List implements Lister by merging every resolver that is a Lister.
func (c ChainResolver) List(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var names []string
	for _, r := range c {
		l, ok := r.(Lister)
		if !ok {
			continue
		}
		found, err := l.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, name := range found {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}
