package upload_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/segpush/internal/controlplane"
	"github.com/nucleus/segpush/internal/controlplane/memserver"
	"github.com/nucleus/segpush/internal/filesystem"
	"github.com/nucleus/segpush/internal/jobspec"
	"github.com/nucleus/segpush/internal/retry"
	"github.com/nucleus/segpush/internal/segment"
	"github.com/nucleus/segpush/internal/segment/segmenttest"
	"github.com/nucleus/segpush/internal/upload"
)

var events = controlplane.NewTableRef("events", "")

// countingClient counts upload calls that reach the wire.
type countingClient struct {
	controlplane.Client
	calls atomic.Int32
}

func (c *countingClient) UploadSegment(ctx context.Context, t controlplane.TableRef, name string, r io.Reader, opts controlplane.UploadOptions) error {
	c.calls.Add(1)
	return c.Client.UploadSegment(ctx, t, name, r, opts)
}

func (c *countingClient) SendSegmentURI(ctx context.Context, t controlplane.TableRef, name, uri string, opts controlplane.UploadOptions) error {
	c.calls.Add(1)
	return c.Client.SendSegmentURI(ctx, t, name, uri, opts)
}

func (c *countingClient) SendSegmentURIAndMetadata(ctx context.Context, t controlplane.TableRef, name, uri string, meta *segment.Metadata, opts controlplane.UploadOptions) error {
	c.calls.Add(1)
	return c.Client.SendSegmentURIAndMetadata(ctx, t, name, uri, meta, opts)
}

type fixture struct {
	srv    *memserver.Server
	client *countingClient
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := memserver.New(memserver.Options{})
	srv.CreateTable(controlplane.TableConfig{TableName: "events"})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	hc, err := controlplane.NewHTTPClient(&controlplane.ClientConfig{BaseURL: ts.URL, RateLimit: 1000})
	require.NoError(t, err)
	return &fixture{srv: srv, client: &countingClient{Client: hc}, dir: t.TempDir()}
}

func (f *fixture) executor(attempts int, copyToDeep bool) *upload.Executor {
	return upload.New(f.client, filesystem.LocalFS{}, events, upload.Options{
		Policy: retry.Policy{
			MaxAttempts:    attempts,
			InitialBackoff: time.Millisecond,
			Multiplier:     2,
			AttemptTimeout: 5 * time.Second,
		},
		CopyToDeepStore: copyToDeep,
	})
}

func (f *fixture) artifact(t *testing.T, name string) segment.Artifact {
	paths := segmenttest.WriteArchives(t, f.dir, name)
	return segment.Artifact{Name: name, TarURI: "file://" + paths[0], DownloadURI: "http://cdn/" + name + segment.ArchiveExt}
}

func TestPushTar(t *testing.T) {
	f := newFixture(t)
	art := f.artifact(t, "events_OFFLINE_0")

	require.NoError(t, f.executor(1, false).PushTar(context.Background(), art))
	rec, ok := f.srv.Segment(events, art.Name)
	require.True(t, ok)
	assert.Equal(t, controlplane.UploadSegment, rec.UploadType)
	assert.Equal(t, int64(100), rec.Metadata.TotalDocs)
}

func TestPushTar_RetriesReopenArchive(t *testing.T) {
	f := newFixture(t)
	art := f.artifact(t, "events_OFFLINE_0")
	f.srv.Fail(memserver.FaultUpload, 2, http.StatusBadGateway)

	require.NoError(t, f.executor(3, false).PushTar(context.Background(), art))
	assert.Equal(t, int32(3), f.client.calls.Load())
	rec, ok := f.srv.Segment(events, art.Name)
	require.True(t, ok)
	assert.Equal(t, int64(100), rec.Metadata.TotalDocs, "the third attempt sent the whole archive")
}

func TestRetryBound_ThreeAttemptsExactly(t *testing.T) {
	f := newFixture(t)
	art := f.artifact(t, "events_OFFLINE_0")
	f.srv.Fail(memserver.FaultUpload, 100, http.StatusServiceUnavailable)

	err := f.executor(3, false).SendURI(context.Background(), art)
	require.Error(t, err)
	assert.Equal(t, int32(3), f.client.calls.Load())
	assert.True(t, errors.Is(err, retry.ErrAttemptsExceeded))

	var segErr *upload.SegmentError
	require.ErrorAs(t, err, &segErr)
	assert.Equal(t, art.Name, segErr.Segment)
	assert.Equal(t, jobspec.ModeURI, segErr.Mode)
	assert.Equal(t, 3, segErr.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, controlplane.StatusCode(err))
}

func TestFatalFailsImmediately(t *testing.T) {
	f := newFixture(t)
	art := f.artifact(t, "events_OFFLINE_0")
	f.srv.Fail(memserver.FaultUpload, 100, http.StatusUnauthorized)

	err := f.executor(5, false).SendURI(context.Background(), art)
	require.Error(t, err)
	assert.Equal(t, int32(1), f.client.calls.Load())
	assert.False(t, errors.Is(err, retry.ErrAttemptsExceeded))
}

func TestSendURIAndMetadata(t *testing.T) {
	f := newFixture(t)
	art := f.artifact(t, "events_OFFLINE_0")

	require.NoError(t, f.executor(1, false).SendURIAndMetadata(context.Background(), art))
	rec, ok := f.srv.Segment(events, art.Name)
	require.True(t, ok)
	assert.Equal(t, controlplane.UploadMetadata, rec.UploadType)
	assert.Equal(t, art.DownloadURI, rec.DownloadURI)
	assert.Equal(t, "events", rec.Metadata.Table)
	assert.NotEmpty(t, rec.Metadata.Checksum)
	assert.False(t, rec.Stored)
}

func TestSendURIAndMetadata_ForwardsCopyFlag(t *testing.T) {
	f := newFixture(t)
	art := f.artifact(t, "events_OFFLINE_0")

	require.NoError(t, f.executor(1, true).SendURIAndMetadata(context.Background(), art))
	calls := f.srv.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].CopyToDeep)
}

func TestMissingArchiveIsFatal(t *testing.T) {
	f := newFixture(t)
	art := segment.Artifact{
		Name:        "ghost",
		TarURI:      "file://" + filepath.Join(f.dir, "ghost.tar.gz"),
		DownloadURI: "http://cdn/ghost.tar.gz",
	}

	err := f.executor(4, false).SendURIAndMetadata(context.Background(), art)
	require.Error(t, err)
	assert.True(t, errors.Is(err, filesystem.ErrNotFound))
	assert.Zero(t, f.client.calls.Load())

	err = f.executor(4, false).PushTar(context.Background(), art)
	assert.True(t, errors.Is(err, filesystem.ErrNotFound))
}

func TestArchiveWithoutDescriptorIsFatal(t *testing.T) {
	f := newFixture(t)
	p := filepath.Join(f.dir, "bad.tar.gz")
	require.NoError(t, os.WriteFile(p, []byte("not a gzip stream"), 0o644))

	err := f.executor(4, false).SendURIAndMetadata(context.Background(), segment.Artifact{
		Name: "bad", TarURI: p, DownloadURI: "http://cdn/bad.tar.gz",
	})
	require.Error(t, err)
	assert.Zero(t, f.client.calls.Load())
}

func TestEmptyDownloadURI(t *testing.T) {
	f := newFixture(t)
	err := f.executor(1, false).SendURI(context.Background(), segment.Artifact{Name: "x"})
	var segErr *upload.SegmentError
	require.ErrorAs(t, err, &segErr)
	assert.Equal(t, "x", segErr.Segment)
}
