// Package webhdfs binds `hdfs://` URIs to a cluster through the WebHDFS REST API.
package webhdfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/nucleus/segpush/internal/filesystem"
)

// ClassName is the plugin class the fs.hdfs factory is registered under.
const ClassName = "fs.hdfs"

// FS implements filesystem.FileSystem using WebHDFS.
type FS struct {
	Config     *Config
	httpClient *http.Client
}

// New is the fs.hdfs factory.
func New(config map[string]any) (filesystem.FileSystem, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewWithClient(cfg, &http.Client{Timeout: 5 * time.Minute}), nil
}

// NewWithClient builds an FS around an existing HTTP client.
func NewWithClient(cfg *Config, client *http.Client) *FS {
	return &FS{Config: cfg, httpClient: client}
}

// =============================================================================
// FILE SYSTEM INTERFACE
// =============================================================================

func (h *FS) List(ctx context.Context, dirURI string) ([]string, error) {
	prefix, root, err := splitURI(dirURI)
	if err != nil {
		return nil, err
	}

	var out []string
	queue := []string{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		statuses, err := h.listStatus(ctx, dir)
		if err != nil {
			return nil, err
		}
		for _, status := range statuses {
			full := path.Join(dir, status.PathSuffix)
			if status.Type == TypeDirectory {
				queue = append(queue, full)
				continue
			}
			out = append(out, prefix+full)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (h *FS) Exists(ctx context.Context, uri string) (bool, error) {
	_, p, err := splitURI(uri)
	if err != nil {
		return false, err
	}
	_, err = h.getFileStatus(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, filesystem.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (h *FS) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	_, p, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	resp, err := h.do(ctx, http.MethodGet, h.buildURL(p, OpOpen, nil), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Put follows the two-step CREATE handshake: the namenode answers with a
// redirect to the datanode that receives the bytes.
func (h *FS) Put(ctx context.Context, uri string, r io.Reader, size int64) error {
	_, p, err := splitURI(uri)
	if err != nil {
		return err
	}
	createURL := h.buildURL(p, OpCreate, map[string]string{"overwrite": "true"})

	noFollow := *h.httpClient
	noFollow.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, createURL, nil)
	if err != nil {
		return err
	}
	resp, err := noFollow.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	location := resp.Header.Get("Location")
	if err := checkStatus(resp); err != nil {
		return err
	}
	resp.Body.Close()
	if location == "" {
		return &Error{Code: CodeServer, StatusCode: resp.StatusCode, Err: fmt.Errorf("CREATE %s returned no datanode location", p)}
	}

	target, err := req.URL.Parse(location)
	if err != nil {
		return &Error{Code: CodeServer, Err: fmt.Errorf("CREATE %s: bad datanode location: %w", p, err)}
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPut, target.String(), r)
	if err != nil {
		return err
	}
	if size >= 0 {
		req.ContentLength = size
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err = h.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (h *FS) Copy(ctx context.Context, srcURI, dstURI string) error {
	rc, err := h.Open(ctx, srcURI)
	if err != nil {
		return err
	}
	defer rc.Close()
	return h.Put(ctx, dstURI, rc, -1)
}

func (h *FS) Move(ctx context.Context, srcURI, dstURI string) error {
	_, src, err := splitURI(srcURI)
	if err != nil {
		return err
	}
	_, dst, err := splitURI(dstURI)
	if err != nil {
		return err
	}
	if err := h.boolOp(ctx, http.MethodPut, path.Dir(dst), OpMkdirs, nil); err != nil {
		return err
	}
	return h.boolOp(ctx, http.MethodPut, src, OpRename, map[string]string{"destination": dst})
}

func (h *FS) Delete(ctx context.Context, uri string) error {
	_, p, err := splitURI(uri)
	if err != nil {
		return err
	}
	_, err = h.call(ctx, http.MethodDelete, h.buildURL(p, OpDelete, map[string]string{"recursive": "true"}))
	return err
}

// =============================================================================
// WEBHDFS OPERATIONS
// =============================================================================

func (h *FS) buildURL(p, op string, params map[string]string) string {
	u, _ := url.Parse(h.Config.NameNodeURL)
	u.Path = "/webhdfs/v1" + p

	q := u.Query()
	q.Set("op", op)
	q.Set("user.name", h.Config.User)
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func (h *FS) listStatus(ctx context.Context, p string) ([]FileStatus, error) {
	body, err := h.call(ctx, http.MethodGet, h.buildURL(p, OpListStatus, nil))
	if err != nil {
		return nil, err
	}
	var result ListStatusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode LISTSTATUS %s: %w", p, err)
	}
	return result.FileStatuses.FileStatus, nil
}

func (h *FS) getFileStatus(ctx context.Context, p string) (*FileStatus, error) {
	body, err := h.call(ctx, http.MethodGet, h.buildURL(p, OpGetFileStatus, nil))
	if err != nil {
		return nil, err
	}
	var result FileStatusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode GETFILESTATUS %s: %w", p, err)
	}
	return &result.FileStatus, nil
}

func (h *FS) boolOp(ctx context.Context, method, p, op string, params map[string]string) error {
	body, err := h.call(ctx, method, h.buildURL(p, op, params))
	if err != nil {
		return err
	}
	var result BooleanResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode %s %s: %w", op, p, err)
	}
	if !result.Boolean {
		return &Error{Code: CodeBadRequest, Err: fmt.Errorf("%s %s returned false", op, p)}
	}
	return nil
}

func (h *FS) call(ctx context.Context, method, reqURL string) ([]byte, error) {
	resp, err := h.do(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (h *FS) do(ctx context.Context, method, reqURL string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// checkStatus closes the body and returns a classified error for non-2xx/3xx
// responses.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	msg := strings.TrimSpace(string(body))
	var remote RemoteException
	if json.Unmarshal(body, &remote) == nil && remote.RemoteException.Message != "" {
		msg = remote.RemoteException.Exception + ": " + remote.RemoteException.Message
	}
	e := &Error{StatusCode: resp.StatusCode, Err: errors.New(msg)}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		e.Code = CodeNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Code = CodeForbidden
	case resp.StatusCode >= 500:
		e.Code, e.Retryable = CodeServer, true
	default:
		e.Code = CodeBadRequest
	}
	return e
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Code: CodeUnreachable, Retryable: true, Err: err}
}

// splitURI returns the "hdfs://authority" prefix and the absolute path.
func splitURI(uri string) (string, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", &Error{Code: CodeBadRequest, Err: err}
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	p = path.Clean(p)
	prefix := ""
	if u.Scheme != "" {
		prefix = u.Scheme + "://" + u.Host
	}
	return prefix, p, nil
}

var _ filesystem.FileSystem = (*FS)(nil)
