// Package memserver is an in-memory control plane that speaks the same REST
// surface as the HTTP client. It backs end-to-end tests and `segpush devserver`.
package memserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"github.com/nucleus/segpush/internal/controlplane"
	"github.com/nucleus/segpush/internal/filesystem"
	"github.com/nucleus/segpush/internal/segment"
)

// SegmentRecord is a registered segment.
type SegmentRecord struct {
	Name        string
	DownloadURI string
	UploadType  controlplane.UploadType
	// Stored is true when the control plane holds its own copy of the archive.
	Stored   bool
	Metadata *segment.Metadata
	Uploads  int
}

// Call is one upload received by the server.
type Call struct {
	Table       string
	Name        string
	UploadType  controlplane.UploadType
	DownloadURI string
	CopyToDeep  bool
}

type table struct {
	config       controlplane.TableConfig
	segments     map[string]*SegmentRecord
	lineage      []*controlplane.LineageEntry
	storedCopies int
	liveHistory  [][]string
}

type fault struct {
	remaining int
	status    int
}

// Options configure a Server.
type Options struct {
	// DeepStore receives relocated segment copies when set.
	DeepStore    filesystem.FileSystem
	DeepStoreDir string
	// AutoCreateTables registers unknown tables on first use as APPEND tables.
	AutoCreateTables bool
	Now              func() time.Time
	Logger           hclog.Logger
}

// Server is the in-memory control plane.
type Server struct {
	mu     sync.Mutex
	opts   Options
	tables map[string]*table
	calls  []Call
	faults map[string]*fault
	router *mux.Router
	logger hclog.Logger
}

// Fault points accepted by Fail.
const (
	FaultUpload       = "upload"
	FaultStartLineage = "startLineage"
	FaultEndLineage   = "endLineage"
	FaultListSegments = "listSegments"
)

// New creates a Server.
func New(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		opts:   opts,
		tables: make(map[string]*table),
		faults: make(map[string]*fault),
		logger: logger.Named("memserver"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/tables", s.handleCreateTable).Methods(http.MethodPost)
	r.HandleFunc("/tables/{table}/config", s.handleTableConfig).Methods(http.MethodGet)
	r.HandleFunc("/v2/segments", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/segments/{table}", s.handleListSegments).Methods(http.MethodGet)
	r.HandleFunc("/segments/{table}/lineage", s.handleStartLineage).Methods(http.MethodPost)
	r.HandleFunc("/segments/{table}/lineage", s.handleListLineage).Methods(http.MethodGet)
	r.HandleFunc("/segments/{table}/lineage/{id}/end", s.handleEndLineage).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// =============================================================================
// TEST HOOKS
// =============================================================================

// CreateTable registers a table.
func (s *Server) CreateTable(cfg controlplane.TableConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createTableLocked(cfg)
}

func (s *Server) createTableLocked(cfg controlplane.TableConfig) *table {
	ref := controlplane.NewTableRef(cfg.TableName, cfg.TableType)
	cfg.TableType = ref.Type
	t, ok := s.tables[ref.NameWithType()]
	if ok {
		t.config = cfg
		return t
	}
	t = &table{config: cfg, segments: make(map[string]*SegmentRecord)}
	s.tables[ref.NameWithType()] = t
	return t
}

// Fail makes the next n requests at point answer with status.
func (s *Server) Fail(point string, n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[point] = &fault{remaining: n, status: status}
}

// LiveSegments is the current query-visible segment set, sorted.
func (s *Server) LiveSegments(ref controlplane.TableRef) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[ref.NameWithType()]
	if !ok {
		return nil
	}
	return t.live()
}

// LiveHistory returns the live view recorded after every mutation.
func (s *Server) LiveHistory(ref controlplane.TableRef) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[ref.NameWithType()]
	if !ok {
		return nil
	}
	out := make([][]string, len(t.liveHistory))
	copy(out, t.liveHistory)
	return out
}

// Segment returns a copy of a registered segment.
func (s *Server) Segment(ref controlplane.TableRef, name string) (SegmentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[ref.NameWithType()]
	if !ok {
		return SegmentRecord{}, false
	}
	rec, ok := t.segments[name]
	if !ok {
		return SegmentRecord{}, false
	}
	return *rec, true
}

// StoredCopies counts archives the control plane stored itself.
func (s *Server) StoredCopies(ref controlplane.TableRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[ref.NameWithType()]; ok {
		return t.storedCopies
	}
	return 0
}

// Lineage returns copies of the table's lineage entries in creation order.
func (s *Server) Lineage(ref controlplane.TableRef) []controlplane.LineageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[ref.NameWithType()]
	if !ok {
		return nil
	}
	return t.entries()
}

// Calls returns every upload received, in arrival order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// =============================================================================
// TABLE STATE
// =============================================================================

// live hides segmentsTo of entries that are still in progress. Completed
// entries already removed their segmentsFrom; aborted ones their segmentsTo.
func (t *table) live() []string {
	hidden := map[string]bool{}
	for _, e := range t.lineage {
		if e.State == controlplane.StateInProgress {
			for _, name := range e.SegmentsTo {
				hidden[name] = true
			}
		}
	}
	out := make([]string, 0, len(t.segments))
	for name := range t.segments {
		if !hidden[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (t *table) snapshot() {
	t.liveHistory = append(t.liveHistory, t.live())
}

func (t *table) entries() []controlplane.LineageEntry {
	out := make([]controlplane.LineageEntry, 0, len(t.lineage))
	for _, e := range t.lineage {
		cp := *e
		cp.SegmentsFrom = append([]string(nil), e.SegmentsFrom...)
		cp.SegmentsTo = append([]string(nil), e.SegmentsTo...)
		out = append(out, cp)
	}
	return out
}

func (s *Server) lookup(r *http.Request, name string) (*table, controlplane.TableRef, error) {
	return s.lookupName(name, r.URL.Query().Get("type"))
}

func (s *Server) takeFault(point string) int {
	f, ok := s.faults[point]
	if !ok || f.remaining <= 0 {
		return 0
	}
	f.remaining--
	return f.status
}

// =============================================================================
// HANDLERS
// =============================================================================

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var he *httpError
	if errors.As(err, &he) {
		writeJSON(w, he.status, map[string]string{"error": he.message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var cfg controlplane.TableConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil || cfg.TableName == "" {
		writeError(w, &httpError{http.StatusBadRequest, "invalid table config"})
		return
	}
	s.CreateTable(cfg)
	writeJSON(w, http.StatusOK, map[string]string{"status": "created"})
}

func (s *Server) handleTableConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, _, err := s.lookup(r, mux.Vars(r)["table"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.config)
}

func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status := s.takeFault(FaultListSegments); status != 0 {
		writeError(w, &httpError{status, "injected failure"})
		return
	}
	t, _, err := s.lookup(r, mux.Vars(r)["table"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, controlplane.SegmentsResponse{Segments: t.live()})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uploadType := controlplane.UploadType(r.Header.Get(controlplane.HeaderUploadType))
	if uploadType == "" {
		uploadType = controlplane.UploadSegment
	}
	name := r.Header.Get(controlplane.HeaderSegmentName)
	downloadURI := r.Header.Get(controlplane.HeaderDownloadURI)
	copyToDeep, _ := strconv.ParseBool(q.Get("copySegmentToDeepStore"))

	// Bodies are read before taking the lock.
	var (
		archive []byte
		meta    *segment.Metadata
	)
	switch uploadType {
	case controlplane.UploadSegment:
		data, md, err := readArchive(r)
		if err != nil {
			writeError(w, err)
			return
		}
		archive, meta = data, md
		if name == "" {
			name = md.Name
		}
	case controlplane.UploadMetadata:
		md, err := readMetadata(r)
		if err != nil {
			writeError(w, err)
			return
		}
		meta = md
		if name == "" {
			name = md.Name
		}
		if md.Name != "" && md.Name != name {
			writeError(w, &httpError{http.StatusBadRequest, fmt.Sprintf("metadata names segment %q, header names %q", md.Name, name)})
			return
		}
	case controlplane.UploadURI:
	default:
		writeError(w, &httpError{http.StatusBadRequest, fmt.Sprintf("unknown upload type %q", uploadType)})
		return
	}
	if name == "" {
		name = segment.NameFromURI(downloadURI)
	}
	if name == "" {
		writeError(w, &httpError{http.StatusBadRequest, "segment name is required"})
		return
	}
	if uploadType != controlplane.UploadSegment && downloadURI == "" {
		writeError(w, &httpError{http.StatusBadRequest, "download URI is required"})
		return
	}

	// Rejected uploads never reach the deep store.
	s.mu.Lock()
	if status := s.takeFault(FaultUpload); status != 0 {
		s.mu.Unlock()
		writeError(w, &httpError{status, "injected failure"})
		return
	}
	t, ref, err := s.lookupName(q.Get("tableName"), q.Get("tableType"))
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}

	stored, err := s.relocate(r.Context(), ref.Name, name, downloadURI, archive, uploadType == controlplane.UploadSegment || copyToDeep)
	if err != nil {
		writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := t.segments[name]
	if !exists {
		rec = &SegmentRecord{Name: name}
		t.segments[name] = rec
	}
	rec.UploadType = uploadType
	rec.Uploads++
	if meta != nil {
		rec.Metadata = meta
	}
	rec.DownloadURI = downloadURI
	if stored != "" {
		rec.DownloadURI = stored
		rec.Stored = true
		t.storedCopies++
	} else if uploadType == controlplane.UploadSegment || copyToDeep {
		rec.Stored = true
		t.storedCopies++
	}
	s.calls = append(s.calls, Call{Table: ref.NameWithType(), Name: name, UploadType: uploadType, DownloadURI: downloadURI, CopyToDeep: copyToDeep})
	t.snapshot()
	s.logger.Debug("segment registered", "table", ref.String(), "segment", name, "type", uploadType, "replaced", exists)
	writeJSON(w, http.StatusOK, map[string]string{"status": "Successfully uploaded segment: " + name})
}

func (s *Server) lookupName(name, tableType string) (*table, controlplane.TableRef, error) {
	ref := controlplane.NewTableRef(name, tableType)
	if t, ok := s.tables[ref.NameWithType()]; ok {
		return t, ref, nil
	}
	if !s.opts.AutoCreateTables {
		return nil, ref, &httpError{http.StatusNotFound, fmt.Sprintf("table %s not found", ref)}
	}
	return s.createTableLocked(controlplane.TableConfig{TableName: ref.Name, TableType: ref.Type}), ref, nil
}

// relocate copies the archive into the configured deep store and returns its
// new URI, or "" when no deep store is configured or no copy was requested.
func (s *Server) relocate(ctx context.Context, tableName, name, downloadURI string, archive []byte, want bool) (string, error) {
	if !want || s.opts.DeepStore == nil {
		return "", nil
	}
	dst := filesystem.Join(s.opts.DeepStoreDir, tableName, name+segment.ArchiveExt)
	if archive != nil {
		if err := s.opts.DeepStore.Put(ctx, dst, bytes.NewReader(archive), int64(len(archive))); err != nil {
			return "", &httpError{http.StatusInternalServerError, fmt.Sprintf("store segment: %v", err)}
		}
		return dst, nil
	}
	if err := s.opts.DeepStore.Copy(ctx, downloadURI, dst); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, filesystem.ErrNotFound) {
			status = http.StatusBadRequest
		}
		return "", &httpError{status, fmt.Sprintf("copy %s to deep store: %v", downloadURI, err)}
	}
	return dst, nil
}

func (s *Server) handleStartLineage(w http.ResponseWriter, r *http.Request) {
	var req controlplane.StartLineageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &httpError{http.StatusBadRequest, "invalid lineage request"})
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("forceCleanup"))

	s.mu.Lock()
	defer s.mu.Unlock()
	if status := s.takeFault(FaultStartLineage); status != 0 {
		writeError(w, &httpError{status, "injected failure"})
		return
	}
	t, ref, err := s.lookup(r, mux.Vars(r)["table"])
	if err != nil {
		writeError(w, err)
		return
	}
	if len(req.SegmentsTo) == 0 {
		writeError(w, &httpError{http.StatusBadRequest, "segmentsTo must not be empty"})
		return
	}

	live := map[string]bool{}
	for _, name := range t.live() {
		live[name] = true
	}
	for _, name := range req.SegmentsFrom {
		if !live[name] {
			writeError(w, &httpError{http.StatusBadRequest, fmt.Sprintf("segmentsFrom %s is not a live segment", name)})
			return
		}
	}
	to := map[string]bool{}
	for _, name := range req.SegmentsTo {
		if to[name] {
			writeError(w, &httpError{http.StatusBadRequest, fmt.Sprintf("segmentsTo lists %s twice", name)})
			return
		}
		to[name] = true
		if _, exists := t.segments[name]; exists {
			writeError(w, &httpError{http.StatusConflict, fmt.Sprintf("segmentsTo %s already exists", name)})
			return
		}
	}

	now := s.opts.Now().UnixMilli()
	for _, e := range t.lineage {
		if e.State != controlplane.StateInProgress {
			continue
		}
		if force {
			s.abortLocked(t, e, now)
			continue
		}
		writeError(w, &httpError{http.StatusConflict, fmt.Sprintf("lineage entry %s is still in progress", e.ID)})
		return
	}

	entry := &controlplane.LineageEntry{
		ID:           uuid.NewString(),
		SegmentsFrom: append([]string{}, req.SegmentsFrom...),
		SegmentsTo:   append([]string{}, req.SegmentsTo...),
		State:        controlplane.StateInProgress,
		Timestamp:    now,
	}
	t.lineage = append(t.lineage, entry)
	t.snapshot()
	s.logger.Debug("lineage started", "table", ref.String(), "entryId", entry.ID, "from", len(entry.SegmentsFrom), "to", len(entry.SegmentsTo))
	writeJSON(w, http.StatusOK, controlplane.StartLineageResponse{EntryID: entry.ID})
}

func (s *Server) handleEndLineage(w http.ResponseWriter, r *http.Request) {
	state := controlplane.LineageState(r.URL.Query().Get("state"))
	if state != controlplane.StateCompleted && state != controlplane.StateAborted {
		writeError(w, &httpError{http.StatusBadRequest, fmt.Sprintf("invalid end state %q", state)})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if status := s.takeFault(FaultEndLineage); status != 0 {
		writeError(w, &httpError{status, "injected failure"})
		return
	}
	t, ref, err := s.lookup(r, mux.Vars(r)["table"])
	if err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	var entry *controlplane.LineageEntry
	for _, e := range t.lineage {
		if e.ID == id {
			entry = e
			break
		}
	}
	if entry == nil {
		writeError(w, &httpError{http.StatusNotFound, fmt.Sprintf("lineage entry %s not found", id)})
		return
	}
	if entry.State == state {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unchanged"})
		return
	}
	if entry.State != controlplane.StateInProgress {
		writeError(w, &httpError{http.StatusConflict, fmt.Sprintf("lineage entry %s is already %s", id, entry.State)})
		return
	}

	now := s.opts.Now().UnixMilli()
	if state == controlplane.StateAborted {
		s.abortLocked(t, entry, now)
		s.logger.Debug("lineage aborted", "table", ref.String(), "entryId", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
		return
	}

	for _, name := range entry.SegmentsTo {
		if _, ok := t.segments[name]; !ok {
			writeError(w, &httpError{http.StatusBadRequest, fmt.Sprintf("segmentsTo %s was never uploaded", name)})
			return
		}
	}
	// One critical section flips the whole view.
	for _, name := range entry.SegmentsFrom {
		delete(t.segments, name)
	}
	entry.State = controlplane.StateCompleted
	entry.Timestamp = max(now, entry.Timestamp)
	t.snapshot()
	s.logger.Debug("lineage completed", "table", ref.String(), "entryId", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) abortLocked(t *table, entry *controlplane.LineageEntry, now int64) {
	for _, name := range entry.SegmentsTo {
		delete(t.segments, name)
	}
	entry.State = controlplane.StateAborted
	entry.Timestamp = max(now, entry.Timestamp)
	t.snapshot()
}

func (s *Server) handleListLineage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, _, err := s.lookup(r, mux.Vars(r)["table"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, controlplane.LineageResponse{Entries: t.entries()})
}
