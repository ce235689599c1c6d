package filesystem

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/nucleus/segpush/internal/jobspec"
)

// Registry maps URI schemes to bound file systems. It implements FileSystem
// itself by routing every call on the URI scheme, so callers never resolve
// plugins by hand.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]FileSystem
}

// NewRegistry creates an empty scheme registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]FileSystem)}
}

// Bind creates a registry holding one file system per spec entry.
func Bind(plugins *PluginRegistry, specs []jobspec.FSSpec) (*Registry, error) {
	reg := NewRegistry()
	for _, spec := range specs {
		fs, err := plugins.Create(spec.ClassName, spec.Config)
		if err != nil {
			return nil, fmt.Errorf("bind scheme %q: %w", spec.Scheme, err)
		}
		if err := reg.Bind(spec.Scheme, fs); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Bind attaches fs to scheme. A scheme can be bound only once.
func (r *Registry) Bind(scheme string, fs FileSystem) error {
	scheme = strings.ToLower(scheme)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[scheme]; exists {
		return fmt.Errorf("scheme %q already bound", scheme)
	}
	r.bindings[scheme] = fs
	return nil
}

// Schemes returns the bound schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bindings))
	for s := range r.bindings {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the file system bound to the URI's scheme. Bare paths
// resolve to the local scheme.
func (r *Registry) Resolve(uri string) (FileSystem, error) {
	scheme, err := Scheme(uri)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	fs, ok := r.bindings[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (uri %s)", ErrSchemeNotBound, scheme, uri)
	}
	return fs, nil
}

// Scheme extracts the lower-cased scheme of uri.
func Scheme(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("malformed uri %q: %w", uri, err)
	}
	if u.Scheme == "" {
		return jobspec.LocalScheme, nil
	}
	return strings.ToLower(u.Scheme), nil
}

func (r *Registry) List(ctx context.Context, dirURI string) ([]string, error) {
	fs, err := r.Resolve(dirURI)
	if err != nil {
		return nil, err
	}
	return fs.List(ctx, dirURI)
}

func (r *Registry) Exists(ctx context.Context, uri string) (bool, error) {
	fs, err := r.Resolve(uri)
	if err != nil {
		return false, err
	}
	return fs.Exists(ctx, uri)
}

func (r *Registry) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	fs, err := r.Resolve(uri)
	if err != nil {
		return nil, err
	}
	return fs.Open(ctx, uri)
}

func (r *Registry) Put(ctx context.Context, uri string, rd io.Reader, size int64) error {
	fs, err := r.Resolve(uri)
	if err != nil {
		return err
	}
	return fs.Put(ctx, uri, rd, size)
}

func (r *Registry) Delete(ctx context.Context, uri string) error {
	fs, err := r.Resolve(uri)
	if err != nil {
		return err
	}
	return fs.Delete(ctx, uri)
}

// Copy copies within one file system, or streams between two.
func (r *Registry) Copy(ctx context.Context, srcURI, dstURI string) error {
	src, dst, same, err := r.pair(srcURI, dstURI)
	if err != nil {
		return err
	}
	if same {
		return src.Copy(ctx, srcURI, dstURI)
	}
	return transfer(ctx, src, dst, srcURI, dstURI)
}

// Move renames within one file system; across file systems it copies and then
// deletes the source.
func (r *Registry) Move(ctx context.Context, srcURI, dstURI string) error {
	src, dst, same, err := r.pair(srcURI, dstURI)
	if err != nil {
		return err
	}
	if same {
		return src.Move(ctx, srcURI, dstURI)
	}
	if err := transfer(ctx, src, dst, srcURI, dstURI); err != nil {
		return err
	}
	return src.Delete(ctx, srcURI)
}

func (r *Registry) pair(srcURI, dstURI string) (FileSystem, FileSystem, bool, error) {
	srcScheme, err := Scheme(srcURI)
	if err != nil {
		return nil, nil, false, err
	}
	dstScheme, err := Scheme(dstURI)
	if err != nil {
		return nil, nil, false, err
	}
	src, err := r.Resolve(srcURI)
	if err != nil {
		return nil, nil, false, err
	}
	dst, err := r.Resolve(dstURI)
	if err != nil {
		return nil, nil, false, err
	}
	return src, dst, srcScheme == dstScheme, nil
}

func transfer(ctx context.Context, src, dst FileSystem, srcURI, dstURI string) error {
	rc, err := src.Open(ctx, srcURI)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcURI, err)
	}
	defer rc.Close()
	if err := dst.Put(ctx, dstURI, rc, -1); err != nil {
		return fmt.Errorf("write %s: %w", dstURI, err)
	}
	return nil
}

var _ FileSystem = (*Registry)(nil)
