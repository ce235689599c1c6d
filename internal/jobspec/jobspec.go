// Package jobspec models the push job specification document.
package jobspec

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nucleus/segpush/internal/retry"
	"github.com/nucleus/segpush/internal/segment"
)

// Mode selects what the upload primitive ships to the control plane.
type Mode string

const (
	ModeTar      Mode = "TAR"
	ModeURI      Mode = "URI"
	ModeMetadata Mode = "METADATA"
)

// ParseMode accepts the mode names case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeTar, "":
		return ModeTar, nil
	case ModeURI:
		return ModeURI, nil
	case ModeMetadata:
		return ModeMetadata, nil
	}
	return "", fmt.Errorf("unknown push mode %q", s)
}

const (
	FrameworkStandalone = "standalone"
	FrameworkTemporal   = "temporal"

	// LocalScheme is bound on every process even when the document omits it.
	LocalScheme    = "file"
	LocalClassName = "fs.local"

	defaultStaleLineageAfter = time.Hour
)

// JobSpec is read-only for the duration of a run.
type JobSpec struct {
	JobType            string           `yaml:"jobType" json:"jobType,omitempty"`
	ExecutionFramework string           `yaml:"executionFramework" json:"executionFramework,omitempty"`
	InputDirURI        string           `yaml:"inputDirURI" json:"inputDirUri,omitempty"`
	OutputDirURI       string           `yaml:"outputDirURI" json:"outputDirUri"`
	Table              TableSpec        `yaml:"table" json:"table"`
	FileSystems        []FSSpec         `yaml:"fileSystems" json:"fileSystems,omitempty"`
	ControlPlane       ControlPlaneSpec `yaml:"controlPlane" json:"controlPlane"`
	Push               PushConfig       `yaml:"push" json:"push"`
}

// TableSpec identifies the target table.
type TableSpec struct {
	Name           string `yaml:"name" json:"name"`
	Type           string `yaml:"type" json:"type,omitempty"`
	TableConfigURI string `yaml:"tableConfigURI" json:"tableConfigUri,omitempty"`
	SchemaURI      string `yaml:"schemaURI" json:"schemaUri,omitempty"`
}

// FSSpec binds a URI scheme to a file-system plugin.
type FSSpec struct {
	Scheme    string         `yaml:"scheme" json:"scheme"`
	ClassName string         `yaml:"className" json:"className"`
	Config    map[string]any `yaml:"config" json:"config,omitempty"`
}

// ControlPlaneSpec locates the control plane.
type ControlPlaneSpec struct {
	URI       string `yaml:"uri" json:"uri"`
	AuthToken string `yaml:"authToken" json:"authToken,omitempty"`
}

// PushConfig carries the push-mode options.
type PushConfig struct {
	Mode                Mode          `yaml:"mode" json:"mode"`
	Parallelism         int           `yaml:"parallelism" json:"parallelism,omitempty"`
	SegmentURIPrefix    string        `yaml:"segmentUriPrefix" json:"segmentUriPrefix,omitempty"`
	SegmentURISuffix    string        `yaml:"segmentUriSuffix" json:"segmentUriSuffix,omitempty"`
	CopyToDeepStore     bool          `yaml:"copyToDeepStore" json:"copyToDeepStore,omitempty"`
	DeepStoreDirURI     string        `yaml:"deepStoreDirURI" json:"deepStoreDirUri,omitempty"`
	Retry               RetryConfig   `yaml:"retry" json:"retry"`
	RecoverStaleLineage *bool         `yaml:"recoverStaleLineage" json:"recoverStaleLineage,omitempty"`
	StaleLineageAfter   time.Duration `yaml:"staleLineageAfter" json:"staleLineageAfter,omitempty"`
}

// RetryConfig bounds the upload retry loop.
type RetryConfig struct {
	Attempts       int           `yaml:"attempts" json:"attempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff" json:"initialBackoff"`
	Multiplier     float64       `yaml:"multiplier" json:"multiplier"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" json:"maxBackoff"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout" json:"attemptTimeout"`
}

// Load reads a YAML job specification from disk and applies defaults.
func Load(path string) (*JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job spec: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document and applies defaults.
func Parse(data []byte) (*JobSpec, error) {
	var spec JobSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode job spec: %w", err)
	}
	mode, err := ParseMode(string(spec.Push.Mode))
	if err != nil {
		return nil, err
	}
	spec.Push.Mode = mode
	spec.ApplyDefaults()
	return &spec, nil
}

// ApplyDefaults fills unset fields.
func (s *JobSpec) ApplyDefaults() {
	if s.ExecutionFramework == "" {
		s.ExecutionFramework = FrameworkStandalone
	}
	if s.Table.Type == "" {
		s.Table.Type = segment.TableTypeOffline
	}
	s.Table.Type = strings.ToUpper(s.Table.Type)
	if s.Push.Mode == "" {
		s.Push.Mode = ModeTar
	}
	if s.Push.RecoverStaleLineage == nil {
		enabled := true
		s.Push.RecoverStaleLineage = &enabled
	}
	if s.Push.StaleLineageAfter <= 0 {
		s.Push.StaleLineageAfter = defaultStaleLineageAfter
	}

	def := retry.DefaultPolicy()
	r := &s.Push.Retry
	if r.Attempts <= 0 {
		r.Attempts = def.MaxAttempts
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = def.InitialBackoff
	}
	if r.Multiplier <= 0 {
		r.Multiplier = def.Multiplier
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = def.MaxBackoff
	}
	if r.AttemptTimeout <= 0 {
		r.AttemptTimeout = def.AttemptTimeout
	}

	for _, fs := range s.FileSystems {
		if strings.EqualFold(fs.Scheme, LocalScheme) {
			return
		}
	}
	s.FileSystems = append(s.FileSystems, FSSpec{Scheme: LocalScheme, ClassName: LocalClassName})
}

// Validate rejects documents the runner cannot act on.
func (s *JobSpec) Validate() error {
	if s.Table.Name == "" {
		return fmt.Errorf("table.name is required")
	}
	if s.Table.Type != segment.TableTypeOffline && s.Table.Type != segment.TableTypeRealtime {
		return fmt.Errorf("table.type %q must be OFFLINE or REALTIME", s.Table.Type)
	}
	if s.OutputDirURI == "" {
		return fmt.Errorf("outputDirURI is required")
	}
	if _, err := ParseMode(string(s.Push.Mode)); err != nil {
		return err
	}
	if s.Push.Parallelism < 0 {
		return fmt.Errorf("push.parallelism must be >= 0, got %d", s.Push.Parallelism)
	}
	if s.Push.Retry.Attempts < 1 {
		return fmt.Errorf("push.retry.attempts must be >= 1, got %d", s.Push.Retry.Attempts)
	}
	if s.ControlPlane.URI == "" {
		return fmt.Errorf("controlPlane.uri is required")
	}
	if _, err := url.Parse(s.ControlPlane.URI); err != nil {
		return fmt.Errorf("controlPlane.uri: %w", err)
	}

	seen := map[string]bool{}
	for _, fs := range s.FileSystems {
		if fs.Scheme == "" || fs.ClassName == "" {
			return fmt.Errorf("fileSystems entries need scheme and className")
		}
		scheme := strings.ToLower(fs.Scheme)
		if seen[scheme] {
			return fmt.Errorf("scheme %q bound twice", scheme)
		}
		seen[scheme] = true
	}
	for _, field := range []struct{ name, uri string }{
		{"outputDirURI", s.OutputDirURI},
		{"push.deepStoreDirURI", s.Push.DeepStoreDirURI},
	} {
		if field.uri == "" {
			continue
		}
		scheme, err := SchemeOf(field.uri)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		if !seen[scheme] {
			return fmt.Errorf("%s: no file system bound for scheme %q", field.name, scheme)
		}
	}
	return nil
}

// SchemeOf returns the URI scheme, treating bare paths as local files.
func SchemeOf(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", uri, err)
	}
	if u.Scheme == "" {
		return LocalScheme, nil
	}
	return strings.ToLower(u.Scheme), nil
}

// RecoverStale reports whether stale lineage entries are cleaned before a guarded push.
func (s *JobSpec) RecoverStale() bool {
	return s.Push.RecoverStaleLineage == nil || *s.Push.RecoverStaleLineage
}

// RetryPolicy is the policy applied to every upload primitive.
func (s *JobSpec) RetryPolicy() retry.Policy {
	r := s.Push.Retry
	return retry.Policy{
		MaxAttempts:    r.Attempts,
		InitialBackoff: r.InitialBackoff,
		Multiplier:     r.Multiplier,
		MaxBackoff:     r.MaxBackoff,
		AttemptTimeout: r.AttemptTimeout,
	}
}

// FinalizePolicy is the policy for closing a lineage entry. The close is the
// single linearization point of a guarded push, so it gets a larger budget.
func (s *JobSpec) FinalizePolicy() retry.Policy {
	p := s.RetryPolicy()
	p.MaxAttempts = max(5, 2*p.MaxAttempts)
	return p
}

// Clone returns a deep copy that work units can carry without aliasing the driver's spec.
func (s *JobSpec) Clone() *JobSpec {
	data, err := json.Marshal(s)
	if err != nil {
		cp := *s
		return &cp
	}
	var out JobSpec
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *s
		return &cp
	}
	return &out
}

// SecretConfigKeys are the file-system config keys that hold credentials.
var SecretConfigKeys = []string{
	"accessKeyId", "access_key_id", "accessKey",
	"secretAccessKey", "secret_access_key", "secretKey",
	"sessionToken", "session_token", "password", "token",
}

// Redacted returns a copy without the control-plane token or any file-system
// credential, for specs that leave the process (dispatched work units). The
// receiving worker restores them from its own environment.
func (s *JobSpec) Redacted() *JobSpec {
	out := s.Clone()
	out.ControlPlane.AuthToken = ""
	for i := range out.FileSystems {
		for key := range out.FileSystems[i].Config {
			if IsSecretConfigKey(key) {
				delete(out.FileSystems[i].Config, key)
			}
		}
	}
	return out
}

// IsSecretConfigKey reports whether key names a credential.
func IsSecretConfigKey(key string) bool {
	for _, k := range SecretConfigKeys {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}
