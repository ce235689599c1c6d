// Package s3 binds `s3://bucket/key` URIs to an S3-compatible object store.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/nucleus/segpush/internal/filesystem"
)

// ClassName is the plugin class the fs.s3 factory is registered under.
const ClassName = "fs.s3"

// FS implements filesystem.FileSystem over an ObjectStore.
type FS struct {
	store ObjectStore
}

// New is the fs.s3 factory. Remote endpoints use minio-go; a rootPath or
// file:// endpoint selects the on-disk LocalStore.
func New(params map[string]any) (filesystem.FileSystem, error) {
	cfg := ParseConfig(params)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Local() {
		return NewWithStore(NewLocalStore(cfg.objectRoot())), nil
	}
	client, err := NewS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithStore(client), nil
}

// NewWithStore wraps an existing store.
func NewWithStore(store ObjectStore) *FS {
	return &FS{store: store}
}

func splitURI(uri string) (bucket, key string, err error) {
	u, perr := url.Parse(uri)
	if perr != nil {
		return "", "", wrapError(CodeInvalidURI, false, perr)
	}
	if u.Host == "" {
		return "", "", wrapError(CodeInvalidURI, false, fmt.Errorf("uri %q has no bucket", uri))
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func objectURI(scheme, bucket, key string) string {
	return scheme + "://" + bucket + "/" + key
}

func (f *FS) List(ctx context.Context, dirURI string) ([]string, error) {
	bucket, prefix, err := splitURI(dirURI)
	if err != nil {
		return nil, err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	keys, err := f.store.ListPrefix(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	scheme := schemeOf(dirURI)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, objectURI(scheme, bucket, k))
	}
	return out, nil
}

func (f *FS) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return false, err
	}
	return f.store.StatObject(ctx, bucket, key)
}

func (f *FS) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	return f.store.GetObject(ctx, bucket, key)
}

func (f *FS) Put(ctx context.Context, uri string, r io.Reader, size int64) error {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return err
	}
	return f.store.PutObject(ctx, bucket, key, r, size)
}

func (f *FS) Copy(ctx context.Context, srcURI, dstURI string) error {
	srcBucket, srcKey, err := splitURI(srcURI)
	if err != nil {
		return err
	}
	dstBucket, dstKey, err := splitURI(dstURI)
	if err != nil {
		return err
	}
	if err := f.store.EnsureBucket(ctx, dstBucket); err != nil {
		return err
	}
	return f.store.CopyObject(ctx, srcBucket, srcKey, dstBucket, dstKey)
}

// Move is copy-then-delete; S3 has no rename.
func (f *FS) Move(ctx context.Context, srcURI, dstURI string) error {
	if err := f.Copy(ctx, srcURI, dstURI); err != nil {
		return err
	}
	return f.Delete(ctx, srcURI)
}

func (f *FS) Delete(ctx context.Context, uri string) error {
	bucket, key, err := splitURI(uri)
	if err != nil {
		return err
	}
	return f.store.DeleteObject(ctx, bucket, key)
}

func schemeOf(uri string) string {
	if i := strings.Index(uri, "://"); i > 0 {
		return strings.ToLower(uri[:i])
	}
	return "s3"
}

var _ filesystem.FileSystem = (*FS)(nil)
