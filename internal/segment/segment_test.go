package segment_test

import (
	"archive/tar"
	"bytes"
	"strconv"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/segpush/internal/segment"
	"github.com/nucleus/segpush/internal/segment/segmenttest"
)

func TestNameFromURI(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"file:/out/myTable_OFFLINE_0.tar.gz", "myTable_OFFLINE_0"},
		{"/tmp/out/nested/seg.tar.gz", "seg"},
		{"http://cdn/a.tar.gz?tok=1", "a"},
		{"s3://bucket/prefix/myTable_OFFLINE__1700000000000_3.tar.gz", "myTable_OFFLINE__1700000000000_3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, segment.NameFromURI(tt.uri), tt.uri)
	}
}

func TestIsArchive(t *testing.T) {
	assert.True(t, segment.IsArchive("file:/out/a.tar.gz"))
	assert.True(t, segment.IsArchive("http://cdn/a.tar.gz?tok=1"))
	assert.False(t, segment.IsArchive("file:/out/a.tar"))
	assert.False(t, segment.IsArchive("file:/out/_SUCCESS"))
}

func TestParseName(t *testing.T) {
	p, err := segment.ParseName("my_table_OFFLINE__1700000000123_7")
	require.NoError(t, err)
	assert.Equal(t, "my_table", p.Table)
	assert.Equal(t, "OFFLINE", p.Type)
	assert.Equal(t, int64(1700000000123), p.Timestamp)
	assert.True(t, p.HasTimestamp())
	assert.Equal(t, "7", p.Partition)

	p, err = segment.ParseName("myTable_OFFLINE_0")
	require.NoError(t, err)
	assert.False(t, p.HasTimestamp())
	assert.Equal(t, "0", p.Partition)

	_, err = segment.ParseName("not-a-segment")
	assert.Error(t, err)
}

func TestFormatName_RoundTrip(t *testing.T) {
	name := segment.FormatName("events", "", 1700000000000, "2")
	assert.Equal(t, "events_OFFLINE__1700000000000_2", name)
	p, err := segment.ParseName(name)
	require.NoError(t, err)
	assert.Equal(t, "events", p.Table)
	assert.Equal(t, int64(1700000000000), p.Timestamp)
}

func TestNamer_ConsecutiveRefreshesNeverCollide(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	n := segment.NewNamer(func() time.Time { return fixed })

	first := n.Names("events", segment.TableTypeOffline, "0", "1")
	second := n.Names("events", segment.TableTypeOffline, "0", "1")

	require.Len(t, first, 2)
	assert.NotEqual(t, first[0], first[1])
	for _, a := range first {
		for _, b := range second {
			assert.NotEqual(t, a, b)
		}
	}
	for _, name := range append(first, second...) {
		p, err := segment.ParseName(name)
		require.NoError(t, err)
		assert.Len(t, strconv.FormatInt(p.Timestamp, 10), 13)
	}
}

func TestReadMetadata(t *testing.T) {
	data := segmenttest.Archive("events_OFFLINE_0", 250)

	md, err := segment.ReadMetadata(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "events_OFFLINE_0", md.Name)
	assert.Equal(t, int64(250), md.TotalDocs)
	assert.Equal(t, int64(len(data)), md.SizeBytes)
	assert.Equal(t, strconv.FormatUint(xxhash.Sum64(data), 16), md.Checksum)
	assert.Equal(t, []string{"id", "value"}, md.Columns)
	assert.Equal(t, []string{"dictionary", "invertedIndex"}, md.Indexes["id"])
	_, hasValueIndex := md.Indexes["value"]
	assert.False(t, hasValueIndex)
}

func TestReadMetadata_MissingDescriptor(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	payload := []byte("data")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "seg/v3/columns.psf", Mode: 0o644, Size: int64(len(payload)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	_, err = segment.ReadMetadata(&buf)
	assert.ErrorIs(t, err, segment.ErrNoMetadata)
}

func TestReadMetadata_NotGzip(t *testing.T) {
	_, err := segment.ReadMetadata(bytes.NewReader([]byte("not gzip")))
	assert.Error(t, err)
}
