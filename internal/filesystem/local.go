package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalFS serves `file:` URIs and bare absolute paths from the local disk.
// Listed URIs keep the spelling of the directory they were listed from.
type LocalFS struct{}

// NewLocalFS is the fs.local factory; it takes no configuration.
func NewLocalFS(map[string]any) (FileSystem, error) {
	return LocalFS{}, nil
}

// LocalPath converts a file URI or bare path into an OS path.
func LocalPath(uri string) (string, error) {
	if !strings.Contains(uri, ":") {
		return filepath.Clean(uri), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("malformed uri %q: %w", uri, err)
	}
	if u.Scheme != "" && !strings.EqualFold(u.Scheme, "file") {
		return "", fmt.Errorf("%q is not a file uri", uri)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	if p == "" {
		return "", fmt.Errorf("file uri %q has no path", uri)
	}
	return filepath.Clean(filepath.FromSlash(p)), nil
}

// uriPrefix returns the scheme spelling used by uri ("file://", "file:" or "").
func uriPrefix(uri string) string {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return "file://"
	case strings.HasPrefix(uri, "file:"):
		return "file:"
	}
	return ""
}

func (LocalFS) List(ctx context.Context, dirURI string) ([]string, error) {
	root, err := LocalPath(dirURI)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("list %s: %w", dirURI, ErrNotFound)
		}
		return nil, fmt.Errorf("list %s: %w", dirURI, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("list %s: not a directory", dirURI)
	}

	prefix := uriPrefix(dirURI)
	var out []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		out = append(out, prefix+filepath.ToSlash(path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirURI, err)
	}
	sort.Strings(out)
	return out, nil
}

func (LocalFS) Exists(ctx context.Context, uri string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := LocalPath(uri)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (LocalFS) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := LocalPath(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", uri, ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// Put writes through a temporary sibling and renames it into place so readers
// never observe a partial file.
func (LocalFS) Put(ctx context.Context, uri string, r io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := LocalPath(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", uri, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (l LocalFS) Copy(ctx context.Context, srcURI, dstURI string) error {
	rc, err := l.Open(ctx, srcURI)
	if err != nil {
		return err
	}
	defer rc.Close()
	return l.Put(ctx, dstURI, rc, -1)
}

func (l LocalFS) Move(ctx context.Context, srcURI, dstURI string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := LocalPath(srcURI)
	if err != nil {
		return err
	}
	dst, err := LocalPath(dstURI)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	err = os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return fmt.Errorf("move %s: %w", srcURI, ErrNotFound)
	}
	// Rename fails across devices.
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}
	if err := l.Copy(ctx, srcURI, dstURI); err != nil {
		return err
	}
	return os.Remove(src)
}

func (LocalFS) Delete(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := LocalPath(uri)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("delete %s: %w", uri, err)
	}
	return nil
}

var _ FileSystem = LocalFS{}
