// Package segment holds the segment artifact naming convention and the
// metadata descriptor extracted from segment archives.
package segment

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ArchiveExt is the extension of a packaged segment.
const ArchiveExt = ".tar.gz"

const (
	TableTypeOffline  = "OFFLINE"
	TableTypeRealtime = "REALTIME"
)

// Artifact is a discovered segment archive and the URI it is published under.
type Artifact struct {
	Name        string `json:"name"`
	TarURI      string `json:"tarUri"`
	DownloadURI string `json:"downloadUri,omitempty"`
}

// IsArchive reports whether the URI path carries the segment archive extension.
// Query strings and fragments are ignored.
func IsArchive(uri string) bool {
	return strings.HasSuffix(uriPath(uri), ArchiveExt)
}

// NameFromURI strips the directory and archive extension from a tar URI.
func NameFromURI(uri string) string {
	base := path.Base(uriPath(uri))
	return strings.TrimSuffix(base, ArchiveExt)
}

func uriPath(uri string) string {
	if u, err := url.Parse(uri); err == nil {
		if u.Path != "" {
			return u.Path
		}
		if u.Opaque != "" {
			return u.Opaque
		}
	}
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		return uri[:i]
	}
	return uri
}

// NameParts is a parsed segment name.
type NameParts struct {
	Table     string
	Type      string
	Timestamp int64
	Partition string
}

// HasTimestamp reports whether the name carried a refresh timestamp.
func (p NameParts) HasTimestamp() bool { return p.Timestamp > 0 }

var namePattern = regexp.MustCompile(`^(.+?)_(OFFLINE|REALTIME)(?:__(\d{13}))?_(.+)$`)

// ParseName splits `<table>_<type>[__<ts13>]_<partition>`.
func ParseName(name string) (NameParts, error) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return NameParts{}, fmt.Errorf("segment name %q does not follow <table>_<type>[__<timestamp>]_<partition>", name)
	}
	parts := NameParts{Table: m[1], Type: m[2], Partition: m[4]}
	if m[3] != "" {
		ts, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			return NameParts{}, fmt.Errorf("segment name %q: bad timestamp: %w", name, err)
		}
		parts.Timestamp = ts
	}
	return parts, nil
}

// FormatName builds a segment name. A zero timestamp omits the refresh component.
func FormatName(table, tableType string, timestamp int64, partition string) string {
	if tableType == "" {
		tableType = TableTypeOffline
	}
	if timestamp <= 0 {
		return fmt.Sprintf("%s_%s_%s", table, tableType, partition)
	}
	return fmt.Sprintf("%s_%s__%013d_%s", table, tableType, timestamp, partition)
}

// Namer hands out strictly increasing millisecond timestamps so that two
// refreshes generated back to back never share a name.
type Namer struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewNamer returns a Namer; a nil clock uses time.Now.
func NewNamer(now func() time.Time) *Namer {
	if now == nil {
		now = time.Now
	}
	return &Namer{now: now}
}

// Stamp returns the next refresh timestamp.
func (n *Namer) Stamp() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	ts := n.now().UnixMilli()
	if ts <= n.last {
		ts = n.last + 1
	}
	n.last = ts
	return ts
}

// Names returns one name per partition, all sharing a fresh timestamp.
func (n *Namer) Names(table, tableType string, partitions ...string) []string {
	ts := n.Stamp()
	out := make([]string, 0, len(partitions))
	for _, p := range partitions {
		out = append(out, FormatName(table, tableType, ts, p))
	}
	return out
}
