// Package controlplane is the client side of the cluster control plane: segment
// uploads, the live segment view, table configuration and segment lineage.
package controlplane

import (
	"context"
	"io"
	"strings"

	"github.com/nucleus/segpush/internal/segment"
)

// TableRef names a physical table.
type TableRef struct {
	Name string `json:"tableName"`
	Type string `json:"tableType"`
}

// NewTableRef defaults the type to OFFLINE.
func NewTableRef(name, tableType string) TableRef {
	if tableType == "" {
		tableType = segment.TableTypeOffline
	}
	return TableRef{Name: name, Type: strings.ToUpper(tableType)}
}

// NameWithType is the physical table name, e.g. events_OFFLINE.
func (t TableRef) NameWithType() string {
	return t.Name + "_" + t.Type
}

func (t TableRef) String() string { return t.NameWithType() }

// UploadType is sent in the X-Upload-Type header.
type UploadType string

const (
	UploadSegment  UploadType = "SEGMENT"
	UploadURI      UploadType = "URI"
	UploadMetadata UploadType = "METADATA"
)

const (
	HeaderUploadType  = "X-Upload-Type"
	HeaderDownloadURI = "X-Download-URI"
	HeaderSegmentName = "X-Segment-Name"
)

// UploadOptions tune a single upload call.
type UploadOptions struct {
	// CopyToDeepStore asks the control plane to relocate the segment into its
	// own deep store instead of serving it from the registered URI.
	CopyToDeepStore bool
}

// LineageState is the lifecycle state of a lineage entry.
type LineageState string

const (
	StateInProgress LineageState = "IN_PROGRESS"
	StateCompleted  LineageState = "COMPLETED"
	StateAborted    LineageState = "ABORTED"
)

// LineageEntry records one replacement of segmentsFrom by segmentsTo.
type LineageEntry struct {
	ID           string       `json:"entryId"`
	SegmentsFrom []string     `json:"segmentsFrom"`
	SegmentsTo   []string     `json:"segmentsTo"`
	State        LineageState `json:"state"`
	// Timestamp is the last state change in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Ingestion types carried by the batch ingestion config.
const (
	IngestionAppend  = "APPEND"
	IngestionRefresh = "REFRESH"
)

// TableConfig is the subset of the table configuration the push path reads.
type TableConfig struct {
	TableName       string          `json:"tableName"`
	TableType       string          `json:"tableType,omitempty"`
	IngestionConfig IngestionConfig `json:"ingestionConfig"`
}

type IngestionConfig struct {
	Batch BatchIngestionConfig `json:"batchIngestionConfig"`
}

type BatchIngestionConfig struct {
	SegmentIngestionType string `json:"segmentIngestionType,omitempty"`
	ConsistentDataPush   bool   `json:"consistentDataPush,omitempty"`
}

// ConsistentRefresh reports whether pushes to the table must be guarded by a
// lineage entry.
func (c *TableConfig) ConsistentRefresh() bool {
	if c == nil {
		return false
	}
	b := c.IngestionConfig.Batch
	return strings.EqualFold(b.SegmentIngestionType, IngestionRefresh) && b.ConsistentDataPush
}

// Client is the control-plane surface used by the push path. Every method
// makes a single attempt; callers own retries.
type Client interface {
	UploadSegment(ctx context.Context, table TableRef, name string, r io.Reader, opts UploadOptions) error
	SendSegmentURI(ctx context.Context, table TableRef, name, uri string, opts UploadOptions) error
	SendSegmentURIAndMetadata(ctx context.Context, table TableRef, name, uri string, meta *segment.Metadata, opts UploadOptions) error
	ListLiveSegments(ctx context.Context, table TableRef) ([]string, error)
	GetTableConfig(ctx context.Context, table TableRef) (*TableConfig, error)
	StartLineage(ctx context.Context, table TableRef, from, to []string, forceCleanup bool) (string, error)
	EndLineage(ctx context.Context, table TableRef, entryID string, state LineageState) error
	ListLineage(ctx context.Context, table TableRef) ([]LineageEntry, error)
}

// Wire bodies shared with the server side.

type SegmentsResponse struct {
	Segments []string `json:"segments"`
}

type StartLineageRequest struct {
	SegmentsFrom []string `json:"segmentsFrom"`
	SegmentsTo   []string `json:"segmentsTo"`
}

type StartLineageResponse struct {
	EntryID string `json:"entryId"`
}

type LineageResponse struct {
	Entries []LineageEntry `json:"entries"`
}

// MetadataPart is the multipart field that carries the metadata descriptor.
const MetadataPart = "metadata"

// SegmentPart is the multipart field that carries the segment archive.
const SegmentPart = "segment"
