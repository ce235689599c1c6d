// Package segmenttest builds segment archives for tests.
package segmenttest

import (
	"archive/tar"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/nucleus/segpush/internal/segment"
)

// Archive returns a gzipped tar laid out like a generated segment:
// <name>/v3/metadata.properties plus a columns file.
func Archive(name string, totalDocs int64) []byte {
	props := map[string]string{
		"segment.name":               name,
		"segment.total.docs":         fmt.Sprint(totalDocs),
		"segment.index.version":      "v3",
		"column.id.hasDictionary":    "true",
		"column.id.hasInvertedIndex": "true",
		"column.value.hasDictionary": "false",
		"column.value.cardinality":   "42",
	}
	return ArchiveWithProperties(name, props)
}

// ArchiveWithProperties lets a test pick the metadata.properties content.
func ArchiveWithProperties(name string, props map[string]string) []byte {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var meta bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&meta, "%s = %s\n", k, props[k])
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	write := func(p string, data []byte) {
		_ = tw.WriteHeader(&tar.Header{Name: p, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg})
		_, _ = tw.Write(data)
	}
	write(name+"/v3/columns.psf", []byte("column-data-"+name))
	write(name+"/v3/"+segment.MetadataFile, meta.Bytes())
	_ = tw.Close()
	_ = gz.Close()
	return buf.Bytes()
}

// WriteArchives writes <name>.tar.gz for each name into dir and returns the file paths.
func WriteArchives(t testing.TB, dir string, names ...string) []string {
	t.Helper()
	paths := make([]string, 0, len(names))
	for i, name := range names {
		p := filepath.Join(dir, name+segment.ArchiveExt)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, Archive(name, int64(100+i)), 0o644); err != nil {
			t.Fatalf("write archive: %v", err)
		}
		paths = append(paths, p)
	}
	return paths
}
