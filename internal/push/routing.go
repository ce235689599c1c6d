package push

import (
	"fmt"

	"github.com/nucleus/segpush/internal/filesystem"
	"github.com/nucleus/segpush/internal/segment"
)

// GenerateSegmentURI rewrites a tar URI under outputDirURI into the URI the
// control plane should download it from: prefix + relative path + suffix.
// With neither prefix nor suffix the tar URI is returned unchanged.
func GenerateSegmentURI(outputDirURI, fileURI, prefix, suffix string) (string, error) {
	if prefix == "" && suffix == "" {
		return fileURI, nil
	}
	rel, ok := filesystem.Rel(outputDirURI, fileURI)
	if !ok || rel == "" {
		return "", fmt.Errorf("segment %s is not under output dir %s", fileURI, outputDirURI)
	}
	return prefix + rel + suffix, nil
}

// BuildSegmentURIMapping maps each final segment URI to the tar URI its
// metadata is read from. Two files may not map to the same URI.
func BuildSegmentURIMapping(outputDirURI string, files []string, prefix, suffix string) (map[string]string, error) {
	mapping := make(map[string]string, len(files))
	for _, f := range files {
		uri, err := GenerateSegmentURI(outputDirURI, f, prefix, suffix)
		if err != nil {
			return nil, err
		}
		if prev, dup := mapping[uri]; dup {
			return nil, fmt.Errorf("segment URI %s generated for both %s and %s", uri, prev, f)
		}
		mapping[uri] = f
	}
	return mapping, nil
}

// deepStoreURI is where the core copies a segment before a metadata push.
func deepStoreURI(deepStoreDir, table, fileURI string) string {
	return filesystem.Join(deepStoreDir, table, segment.NameFromURI(fileURI)+segment.ArchiveExt)
}
