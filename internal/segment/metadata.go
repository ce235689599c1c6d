package segment

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
)

// MetadataFile is the descriptor file inside a segment archive.
const MetadataFile = "metadata.properties"

// ErrNoMetadata is returned when an archive has no metadata.properties entry.
var ErrNoMetadata = errors.New("segment archive has no " + MetadataFile)

// Metadata is the schema-independent descriptor sent with a metadata push.
type Metadata struct {
	Name         string              `json:"segmentName"`
	Table        string              `json:"tableName,omitempty"`
	TotalDocs    int64               `json:"totalDocs"`
	SizeBytes    int64               `json:"sizeBytes"`
	Checksum     string              `json:"checksum"`
	IndexVersion string              `json:"indexVersion,omitempty"`
	StartTime    string              `json:"startTime,omitempty"`
	EndTime      string              `json:"endTime,omitempty"`
	Columns      []string            `json:"columns,omitempty"`
	Indexes      map[string][]string `json:"indexes,omitempty"`
}

type countingHash struct {
	h *xxhash.Digest
	n int64
}

func (c *countingHash) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return c.h.Write(p)
}

// ReadMetadata reads a gzipped segment tar and builds its descriptor. The
// whole stream is consumed so size and checksum cover the full archive.
func ReadMetadata(r io.Reader) (*Metadata, error) {
	sum := &countingHash{h: xxhash.New()}
	tee := io.TeeReader(r, sum)

	gz, err := gzip.NewReader(tee)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	var props map[string]string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != MetadataFile || props != nil {
			continue
		}
		props, err = parseProperties(tr)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", hdr.Name, err)
		}
	}
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return nil, fmt.Errorf("drain gzip: %w", err)
	}
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return nil, fmt.Errorf("drain archive: %w", err)
	}
	if props == nil {
		return nil, ErrNoMetadata
	}

	md := fromProperties(props)
	md.SizeBytes = sum.n
	md.Checksum = strconv.FormatUint(sum.h.Sum64(), 16)
	return md, nil
}

func fromProperties(props map[string]string) *Metadata {
	md := &Metadata{
		Name:         props["segment.name"],
		Table:        props["segment.table.name"],
		IndexVersion: props["segment.index.version"],
		StartTime:    props["segment.start.time"],
		EndTime:      props["segment.end.time"],
	}
	if v, err := strconv.ParseInt(props["segment.total.docs"], 10, 64); err == nil {
		md.TotalDocs = v
	}

	columns := map[string]struct{}{}
	indexes := map[string][]string{}
	for key, value := range props {
		if !strings.HasPrefix(key, "column.") {
			continue
		}
		rest := strings.TrimPrefix(key, "column.")
		dot := strings.LastIndex(rest, ".")
		if dot <= 0 {
			continue
		}
		col, prop := rest[:dot], rest[dot+1:]
		columns[col] = struct{}{}
		if strings.HasPrefix(prop, "has") && len(prop) > 3 && strings.EqualFold(value, "true") {
			name := strings.ToLower(prop[3:4]) + prop[4:]
			indexes[col] = append(indexes[col], name)
		}
	}
	for col := range columns {
		md.Columns = append(md.Columns, col)
	}
	sort.Strings(md.Columns)
	for col := range indexes {
		sort.Strings(indexes[col])
	}
	if len(indexes) > 0 {
		md.Indexes = indexes
	}
	return md
}

// parseProperties reads `key = value` / `key: value` lines, skipping comments.
func parseProperties(r io.Reader) (map[string]string, error) {
	props := map[string]string{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		idx := strings.IndexAny(line, "=:")
		if idx < 0 {
			props[line] = ""
			continue
		}
		props[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
	}
	return props, sc.Err()
}
