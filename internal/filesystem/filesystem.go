// Package filesystem defines the scheme-keyed file-system capability used to
// discover segment archives and move them into deep storage.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

var (
	// ErrSchemeNotBound is returned when a URI uses a scheme with no binding.
	ErrSchemeNotBound = errors.New("scheme not bound")
	// ErrNotFound is returned when a URI does not name an existing file.
	ErrNotFound = errors.New("file not found")
)

// FileSystem is the capability every storage plugin provides.
// All URIs are absolute and carry the plugin's scheme.
type FileSystem interface {
	// List returns the URIs of all files under dirURI, recursively, sorted.
	List(ctx context.Context, dirURI string) ([]string, error)
	Exists(ctx context.Context, uri string) (bool, error)
	Copy(ctx context.Context, srcURI, dstURI string) error
	Move(ctx context.Context, srcURI, dstURI string) error
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
	// Put writes r to uri, replacing any existing file. size may be -1 if unknown.
	Put(ctx context.Context, uri string, r io.Reader, size int64) error
	Delete(ctx context.Context, uri string) error
}

// Factory creates a file system from its binding configuration.
type Factory func(config map[string]any) (FileSystem, error)

// PluginRegistry holds file-system factories indexed by class name.
type PluginRegistry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewPluginRegistry creates an empty plugin registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory for the given class name.
// Panics if the class name is already registered.
func (r *PluginRegistry) Register(className string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[className]; exists {
		panic(fmt.Sprintf("file system plugin already registered: %s", className))
	}
	r.factories[className] = factory
}

// Get returns the factory for the given class name.
func (r *PluginRegistry) Get(className string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[className]
	return factory, ok
}

// Classes returns all registered class names, sorted.
func (r *PluginRegistry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates a file system from the given class name and config.
func (r *PluginRegistry) Create(className string, config map[string]any) (FileSystem, error) {
	factory, ok := r.Get(className)
	if !ok {
		return nil, fmt.Errorf("unknown file system plugin: %s", className)
	}
	return factory(config)
}
