package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/nucleus/segpush/internal/segment"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig configures the HTTP control-plane client.
type ClientConfig struct {
	// BaseURL is the control-plane root, e.g. http://controller:9000.
	BaseURL string

	// Auth configures authentication.
	Auth AuthConfig

	// Timeout bounds a single request when the caller's context has no
	// earlier deadline (default: 10m, tar uploads can be large).
	Timeout time.Duration

	// RateLimit requests per second (default: 20).
	RateLimit float64

	// RateBurst maximum burst size (default: 10).
	RateBurst int

	// UserAgent string (default: "segpush/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper

	Logger hclog.Logger
}

// DefaultClientConfig returns a client config with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Auth:      NoAuth{},
		Timeout:   10 * time.Minute,
		RateLimit: 20,
		RateBurst: 10,
		UserAgent: "segpush/1.0",
	}
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// HTTPClient is a rate-limited control-plane client. It makes exactly one
// attempt per call and classifies failures into *Error.
type HTTPClient struct {
	config      *ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      hclog.Logger
}

// NewHTTPClient creates a control-plane client.
func NewHTTPClient(config *ClientConfig) (*HTTPClient, error) {
	if config == nil || config.BaseURL == "" {
		return nil, fmt.Errorf("control plane base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("control plane base URL: %w", err)
	}
	def := DefaultClientConfig()
	if config.Auth == nil {
		config.Auth = def.Auth
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.RateLimit == 0 {
		config.RateLimit = def.RateLimit
	}
	if config.RateBurst == 0 {
		config.RateBurst = def.RateBurst
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	logger := config.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:      logger.Named("controlplane"),
	}, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

type request struct {
	method  string
	path    string
	query   url.Values
	headers map[string]string
	body    io.Reader
}

// do executes a single request attempt and returns the response body.
func (c *HTTPClient) do(ctx context.Context, req *request) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, classifyTransport(ctxErr)
		}
		return nil, wrapError(CodeRateLimited, true, fmt.Errorf("rate limiter: %w", err))
	}

	fullURL := strings.TrimSuffix(c.config.BaseURL, "/") + "/" + strings.TrimPrefix(req.path, "/")
	if len(req.query) > 0 {
		fullURL += "?" + req.query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, fullURL, req.body)
	if err != nil {
		return nil, wrapError(CodeRequestInvalid, false, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	c.config.Auth.Apply(httpReq)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Debug("request failed", "method", req.method, "path", req.path, "error", err)
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(fmt.Errorf("read body: %w", err))
	}
	c.logger.Trace("request", "method", req.method, "path", req.path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode >= 400 {
		return nil, classifyHTTP(&HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(body)})
	}
	return body, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, target any) error {
	body, err := c.do(ctx, &request{method: http.MethodGet, path: path, query: query})
	if err != nil {
		return err
	}
	return decode(body, target)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, query url.Values, payload, target any) error {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return wrapError(CodeRequestInvalid, false, fmt.Errorf("marshal body: %w", err))
		}
		reader = bytes.NewReader(data)
	}
	body, err := c.do(ctx, &request{
		method:  http.MethodPost,
		path:    path,
		query:   query,
		body:    reader,
		headers: map[string]string{"Content-Type": "application/json"},
	})
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	return decode(body, target)
}

func decode(body []byte, target any) error {
	if err := json.Unmarshal(body, target); err != nil {
		return wrapError(CodeDecode, false, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// errorMessage prefers the "error" field of a JSON error body.
func errorMessage(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(body))
}

func tableQuery(table TableRef) url.Values {
	return url.Values{"type": {table.Type}}
}

// =============================================================================
// UPLOADS
// =============================================================================

func uploadQuery(table TableRef, opts UploadOptions) url.Values {
	return url.Values{
		"tableName":              {table.Name},
		"tableType":              {table.Type},
		"copySegmentToDeepStore": {strconv.FormatBool(opts.CopyToDeepStore)},
	}
}

// UploadSegment streams the archive as a multipart body.
func (c *HTTPClient) UploadSegment(ctx context.Context, table TableRef, name string, r io.Reader, opts UploadOptions) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile(SegmentPart, name+segment.ArchiveExt)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	_, err := c.do(ctx, &request{
		method: http.MethodPost,
		path:   "/v2/segments",
		query:  uploadQuery(table, opts),
		body:   pr,
		headers: map[string]string{
			"Content-Type":    mw.FormDataContentType(),
			HeaderUploadType:  string(UploadSegment),
			HeaderSegmentName: name,
		},
	})
	// Unblock the writer goroutine if the request ended before draining the pipe.
	pr.CloseWithError(io.ErrClosedPipe)
	return err
}

// SendSegmentURI registers a segment by download URI only.
func (c *HTTPClient) SendSegmentURI(ctx context.Context, table TableRef, name, uri string, opts UploadOptions) error {
	_, err := c.do(ctx, &request{
		method: http.MethodPost,
		path:   "/v2/segments",
		query:  uploadQuery(table, opts),
		headers: map[string]string{
			HeaderUploadType:  string(UploadURI),
			HeaderDownloadURI: uri,
			HeaderSegmentName: name,
		},
	})
	return err
}

// SendSegmentURIAndMetadata registers a segment by URI with its descriptor.
func (c *HTTPClient) SendSegmentURIAndMetadata(ctx context.Context, table TableRef, name, uri string, meta *segment.Metadata, opts UploadOptions) error {
	if meta == nil {
		return wrapError(CodeRequestInvalid, false, fmt.Errorf("metadata is required for %s", name))
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return wrapError(CodeRequestInvalid, false, fmt.Errorf("marshal metadata: %w", err))
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormField(MetadataPart)
	if err != nil {
		return wrapError(CodeRequestInvalid, false, err)
	}
	if _, err := part.Write(data); err != nil {
		return wrapError(CodeRequestInvalid, false, err)
	}
	if err := mw.Close(); err != nil {
		return wrapError(CodeRequestInvalid, false, err)
	}

	_, err = c.do(ctx, &request{
		method: http.MethodPost,
		path:   "/v2/segments",
		query:  uploadQuery(table, opts),
		body:   &buf,
		headers: map[string]string{
			"Content-Type":    mw.FormDataContentType(),
			HeaderUploadType:  string(UploadMetadata),
			HeaderDownloadURI: uri,
			HeaderSegmentName: name,
		},
	})
	return err
}

// =============================================================================
// TABLE STATE AND LINEAGE
// =============================================================================

func (c *HTTPClient) ListLiveSegments(ctx context.Context, table TableRef) ([]string, error) {
	var resp SegmentsResponse
	if err := c.getJSON(ctx, "/segments/"+url.PathEscape(table.Name), tableQuery(table), &resp); err != nil {
		return nil, err
	}
	return resp.Segments, nil
}

func (c *HTTPClient) GetTableConfig(ctx context.Context, table TableRef) (*TableConfig, error) {
	var cfg TableConfig
	if err := c.getJSON(ctx, "/tables/"+url.PathEscape(table.Name)+"/config", tableQuery(table), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *HTTPClient) StartLineage(ctx context.Context, table TableRef, from, to []string, forceCleanup bool) (string, error) {
	q := tableQuery(table)
	q.Set("forceCleanup", strconv.FormatBool(forceCleanup))
	if from == nil {
		from = []string{}
	}
	var resp StartLineageResponse
	err := c.postJSON(ctx, "/segments/"+url.PathEscape(table.Name)+"/lineage", q,
		StartLineageRequest{SegmentsFrom: from, SegmentsTo: to}, &resp)
	if err != nil {
		return "", err
	}
	if resp.EntryID == "" {
		return "", wrapError(CodeDecode, false, fmt.Errorf("start lineage returned no entry id"))
	}
	return resp.EntryID, nil
}

func (c *HTTPClient) EndLineage(ctx context.Context, table TableRef, entryID string, state LineageState) error {
	q := tableQuery(table)
	q.Set("state", string(state))
	path := "/segments/" + url.PathEscape(table.Name) + "/lineage/" + url.PathEscape(entryID) + "/end"
	return c.postJSON(ctx, path, q, nil, nil)
}

func (c *HTTPClient) ListLineage(ctx context.Context, table TableRef) ([]LineageEntry, error) {
	var resp LineageResponse
	if err := c.getJSON(ctx, "/segments/"+url.PathEscape(table.Name)+"/lineage", tableQuery(table), &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

var _ Client = (*HTTPClient)(nil)
