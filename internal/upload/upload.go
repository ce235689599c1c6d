// Package upload publishes individual segments to the control plane: tar
// upload, URI registration and URI plus metadata registration. Every call runs
// under the job's retry policy.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nucleus/segpush/internal/controlplane"
	"github.com/nucleus/segpush/internal/filesystem"
	"github.com/nucleus/segpush/internal/jobspec"
	"github.com/nucleus/segpush/internal/retry"
	"github.com/nucleus/segpush/internal/segment"
)

// SegmentError names the segment and push mode a failure belongs to.
type SegmentError struct {
	Segment  string
	Mode     jobspec.Mode
	Attempts int
	Err      error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("%s push of segment %s failed after %d attempt(s): %v", e.Mode, e.Segment, e.Attempts, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// Options configure an Executor.
type Options struct {
	Policy retry.Policy
	// CopyToDeepStore is forwarded on every upload call.
	CopyToDeepStore bool
	Logger          hclog.Logger
}

// Executor pushes segments of one table.
type Executor struct {
	client controlplane.Client
	fs     filesystem.FileSystem
	table  controlplane.TableRef
	opts   Options
	logger hclog.Logger
}

// New creates an Executor. fs resolves the artifact URIs it reads.
func New(client controlplane.Client, fs filesystem.FileSystem, table controlplane.TableRef, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Executor{
		client: client,
		fs:     fs,
		table:  table,
		opts:   opts,
		logger: logger.Named("upload"),
	}
}

func (e *Executor) uploadOptions() controlplane.UploadOptions {
	return controlplane.UploadOptions{CopyToDeepStore: e.opts.CopyToDeepStore}
}

// run executes op under the retry policy and wraps any failure.
func (e *Executor) run(ctx context.Context, mode jobspec.Mode, name string, op func(ctx context.Context) error) error {
	start := time.Now()
	attempts, err := retry.Do(ctx, e.opts.Policy, func(ctx context.Context, attempt int) retry.Outcome {
		err := op(ctx)
		out := retry.Classify(err)
		if out.Kind == retry.KindRetriable {
			e.logger.Warn("upload attempt failed", "table", e.table.String(), "mode", mode, "segment", name, "attempt", attempt, "error", err)
		}
		return out
	})
	if err != nil {
		return &SegmentError{Segment: name, Mode: mode, Attempts: attempts, Err: err}
	}
	e.logger.Debug("segment pushed", "table", e.table.String(), "mode", mode, "segment", name, "attempts", attempts, "elapsed", time.Since(start))
	return nil
}

// PushTar streams the archive at art.TarURI to the segment upload endpoint.
// The archive is reopened on every attempt.
func (e *Executor) PushTar(ctx context.Context, art segment.Artifact) error {
	return e.run(ctx, jobspec.ModeTar, art.Name, func(ctx context.Context) error {
		rc, err := e.fs.Open(ctx, art.TarURI)
		if err != nil {
			return openError(art.TarURI, err)
		}
		defer rc.Close()
		return e.client.UploadSegment(ctx, e.table, art.Name, rc, e.uploadOptions())
	})
}

// SendURI registers art.DownloadURI.
func (e *Executor) SendURI(ctx context.Context, art segment.Artifact) error {
	if art.DownloadURI == "" {
		return &SegmentError{Segment: art.Name, Mode: jobspec.ModeURI, Err: errors.New("download URI is empty")}
	}
	return e.run(ctx, jobspec.ModeURI, art.Name, func(ctx context.Context) error {
		return e.client.SendSegmentURI(ctx, e.table, art.Name, art.DownloadURI, e.uploadOptions())
	})
}

// SendURIAndMetadata registers art.DownloadURI together with the descriptor
// extracted from art.TarURI. The descriptor is read once and reused across
// attempts.
func (e *Executor) SendURIAndMetadata(ctx context.Context, art segment.Artifact) error {
	if art.DownloadURI == "" {
		return &SegmentError{Segment: art.Name, Mode: jobspec.ModeMetadata, Err: errors.New("download URI is empty")}
	}
	var meta *segment.Metadata
	return e.run(ctx, jobspec.ModeMetadata, art.Name, func(ctx context.Context) error {
		if meta == nil {
			m, err := e.extract(ctx, art)
			if err != nil {
				return err
			}
			meta = m
		}
		return e.client.SendSegmentURIAndMetadata(ctx, e.table, art.Name, art.DownloadURI, meta, e.uploadOptions())
	})
}

func (e *Executor) extract(ctx context.Context, art segment.Artifact) (*segment.Metadata, error) {
	rc, err := e.fs.Open(ctx, art.TarURI)
	if err != nil {
		return nil, openError(art.TarURI, err)
	}
	defer rc.Close()
	meta, err := segment.ReadMetadata(rc)
	if err != nil {
		// A read cut short by the attempt deadline is worth another try.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("extract metadata from %s: %w", art.TarURI, err)
	}
	if meta.Name == "" {
		meta.Name = art.Name
	}
	if meta.Table == "" {
		meta.Table = e.table.Name
	}
	return meta, nil
}

func openError(uri string, err error) error {
	return fmt.Errorf("open %s: %w", uri, err)
}
