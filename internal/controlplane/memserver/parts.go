package memserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/nucleus/segpush/internal/controlplane"
	"github.com/nucleus/segpush/internal/segment"
)

const maxArchiveBytes = 1 << 30

// readArchive pulls the segment archive out of a multipart upload and reads
// its descriptor.
func readArchive(r *http.Request) ([]byte, *segment.Metadata, error) {
	part, err := findPart(r, controlplane.SegmentPart)
	if err != nil {
		return nil, nil, err
	}
	data, err := io.ReadAll(io.LimitReader(part, maxArchiveBytes))
	if err != nil {
		return nil, nil, &httpError{http.StatusBadRequest, fmt.Sprintf("read segment part: %v", err)}
	}
	md, err := segment.ReadMetadata(bytes.NewReader(data))
	if err != nil {
		return nil, nil, &httpError{http.StatusBadRequest, fmt.Sprintf("invalid segment archive: %v", err)}
	}
	return data, md, nil
}

// readMetadata decodes the JSON descriptor part of a metadata upload.
func readMetadata(r *http.Request) (*segment.Metadata, error) {
	part, err := findPart(r, controlplane.MetadataPart)
	if err != nil {
		return nil, err
	}
	var md segment.Metadata
	if err := json.NewDecoder(part).Decode(&md); err != nil {
		return nil, &httpError{http.StatusBadRequest, fmt.Sprintf("invalid metadata: %v", err)}
	}
	return &md, nil
}

func findPart(r *http.Request, name string) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, &httpError{http.StatusBadRequest, fmt.Sprintf("expected multipart body: %v", err)}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, &httpError{http.StatusBadRequest, fmt.Sprintf("multipart body has no %q part", name)}
		}
		if err != nil {
			return nil, &httpError{http.StatusBadRequest, fmt.Sprintf("read multipart body: %v", err)}
		}
		if part.FormName() == name {
			return part, nil
		}
	}
}
