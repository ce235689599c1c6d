package webhdfs

import (
	"fmt"
	"strings"

	"github.com/nucleus/segpush/internal/filesystem"
)

// Config holds WebHDFS connection configuration.
type Config struct {
	NameNodeURL string // WebHDFS URL (e.g., http://namenode:9870)
	User        string // HDFS user for operations
}

// ParseConfig extracts configuration from a binding config map.
func ParseConfig(m map[string]any) (*Config, error) {
	cfg := &Config{
		NameNodeURL: getString(m, "namenodeUrl", getString(m, "namenode_url", "")),
		User:        getString(m, "user", "hdfs"),
	}
	if cfg.NameNodeURL == "" {
		return nil, fmt.Errorf("namenodeUrl is required")
	}
	cfg.NameNodeURL = strings.TrimSuffix(cfg.NameNodeURL, "/")
	return cfg, nil
}

func getString(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// WebHDFS operation constants
const (
	OpListStatus    = "LISTSTATUS"
	OpGetFileStatus = "GETFILESTATUS"
	OpOpen          = "OPEN"
	OpCreate        = "CREATE"
	OpMkdirs        = "MKDIRS"
	OpRename        = "RENAME"
	OpDelete        = "DELETE"
)

const (
	TypeFile      = "FILE"
	TypeDirectory = "DIRECTORY"
)

// FileStatus represents HDFS file/directory metadata.
type FileStatus struct {
	Length           int64  `json:"length"`
	ModificationTime int64  `json:"modificationTime"`
	Owner            string `json:"owner"`
	PathSuffix       string `json:"pathSuffix"`
	Permission       string `json:"permission"`
	Type             string `json:"type"` // FILE or DIRECTORY
}

// ListStatusResponse is the WebHDFS response for LISTSTATUS.
type ListStatusResponse struct {
	FileStatuses struct {
		FileStatus []FileStatus `json:"FileStatus"`
	} `json:"FileStatuses"`
}

// FileStatusResponse is the WebHDFS response for GETFILESTATUS.
type FileStatusResponse struct {
	FileStatus FileStatus `json:"FileStatus"`
}

// BooleanResponse is returned by MKDIRS, RENAME and DELETE.
type BooleanResponse struct {
	Boolean bool `json:"boolean"`
}

// RemoteException is the WebHDFS error body.
type RemoteException struct {
	RemoteException struct {
		Exception string `json:"exception"`
		Message   string `json:"message"`
	} `json:"RemoteException"`
}

const (
	CodeNotFound    = "E_HDFS_NOT_FOUND"
	CodeForbidden   = "E_HDFS_FORBIDDEN"
	CodeBadRequest  = "E_HDFS_BAD_REQUEST"
	CodeServer      = "E_HDFS_SERVER"
	CodeUnreachable = "E_HDFS_UNREACHABLE"
)

// Error is a classified WebHDFS failure.
type Error struct {
	Code       string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (HTTP %d): %v", e.Code, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return e.Code }
func (e *Error) RetryableStatus() bool { return e.Retryable }

// Is lets missing paths match filesystem.ErrNotFound.
func (e *Error) Is(target error) bool {
	return target == filesystem.ErrNotFound && e.Code == CodeNotFound
}
