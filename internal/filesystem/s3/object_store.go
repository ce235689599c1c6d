package s3

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ObjectStore abstracts the bucket operations the file system needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucket, key string) (bool, error)
	ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error)
	CopyObject(ctx context.Context, bucket, srcKey, dstBucket, dstKey string) error
	DeleteObject(ctx context.Context, bucket, key string) error
}

// LocalStore persists objects on disk to mimic S3 behaviour for tests and
// single-host deployments.
type LocalStore struct {
	root string
}

// NewLocalStore creates a new local object store rooted at dir.
func NewLocalStore(root string) *LocalStore {
	if root == "" {
		root = filepath.Join(os.TempDir(), "segpush-objects")
	}
	_ = os.MkdirAll(root, 0o755)
	return &LocalStore{root: root}
}

func (s *LocalStore) EnsureBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bucket == "" {
		return wrapError(CodeBucketNotFound, false, os.ErrNotExist)
	}
	return os.MkdirAll(s.bucketPath(bucket), 0o755)
}

func (s *LocalStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, _ int64) error {
	if err := s.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	fullPath := s.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return wrapError(CodePermissionDenied, false, err)
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return wrapError(CodeWriteFailed, true, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return wrapError(CodeWriteFailed, true, err)
	}
	if err := f.Close(); err != nil {
		return wrapError(CodeWriteFailed, true, err)
	}
	return nil
}

func (s *LocalStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bucket == "" {
		return nil, wrapError(CodeBucketNotFound, false, os.ErrNotExist)
	}
	f, err := os.Open(s.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapError(CodeObjectNotFound, false, err)
		}
		return nil, wrapError(CodeReadFailed, true, err)
	}
	return f, nil
}

func (s *LocalStore) StatObject(ctx context.Context, bucket, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(s.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, wrapError(CodeReadFailed, true, err)
	}
	return !info.IsDir(), nil
}

func (s *LocalStore) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bucket == "" {
		return nil, wrapError(CodeBucketNotFound, false, os.ErrNotExist)
	}
	base := s.bucketPath(bucket)

	var keys []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, wrapError(CodeReadFailed, true, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LocalStore) CopyObject(ctx context.Context, bucket, srcKey, dstBucket, dstKey string) error {
	rc, err := s.GetObject(ctx, bucket, srcKey)
	if err != nil {
		return err
	}
	defer rc.Close()
	return s.PutObject(ctx, dstBucket, dstKey, rc, -1)
}

func (s *LocalStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.objectPath(bucket, key)); err != nil && !os.IsNotExist(err) {
		return wrapError(CodeWriteFailed, true, err)
	}
	return nil
}

func (s *LocalStore) bucketPath(bucket string) string {
	return filepath.Join(s.root, sanitizePath(bucket))
}

func (s *LocalStore) objectPath(bucket, key string) string {
	return filepath.Join(s.bucketPath(bucket), filepath.FromSlash(key))
}
