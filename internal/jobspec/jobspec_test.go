package jobspec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const metadataPushDoc = `
jobType: SegmentMetadataPush
executionFramework: temporal
outputDirURI: s3://deep/out/events
table:
  name: events
  tableConfigURI: http://controller:9000/tables/events
fileSystems:
  - scheme: s3
    className: fs.s3
    config:
      endpointUrl: http://minio:9000
      accessKeyId: key
      secretAccessKey: secret
controlPlane:
  uri: http://controller:9000
push:
  mode: metadata
  parallelism: 4
  segmentUriPrefix: "s3://deep"
  copyToDeepStore: true
  retry:
    attempts: 3
    initialBackoff: 250ms
    attemptTimeout: 10s
`

func TestParse_AppliesDefaults(t *testing.T) {
	spec, err := Parse([]byte(metadataPushDoc))
	require.NoError(t, err)
	require.NoError(t, spec.Validate())

	assert.Equal(t, ModeMetadata, spec.Push.Mode)
	assert.Equal(t, FrameworkTemporal, spec.ExecutionFramework)
	assert.Equal(t, "OFFLINE", spec.Table.Type)
	assert.Equal(t, 4, spec.Push.Parallelism)
	assert.True(t, spec.Push.CopyToDeepStore)
	assert.True(t, spec.RecoverStale())
	assert.Equal(t, time.Hour, spec.Push.StaleLineageAfter)

	assert.Equal(t, 3, spec.Push.Retry.Attempts)
	assert.Equal(t, 250*time.Millisecond, spec.Push.Retry.InitialBackoff)
	assert.Equal(t, 5.0, spec.Push.Retry.Multiplier)
	assert.Equal(t, time.Minute, spec.Push.Retry.MaxBackoff)
	assert.Equal(t, 10*time.Second, spec.Push.Retry.AttemptTimeout)

	require.Len(t, spec.FileSystems, 2)
	assert.Equal(t, "http://minio:9000", spec.FileSystems[0].Config["endpointUrl"])
	assert.Equal(t, LocalScheme, spec.FileSystems[1].Scheme)
	assert.Equal(t, LocalClassName, spec.FileSystems[1].ClassName)
}

func TestParse_UnknownMode(t *testing.T) {
	_, err := Parse([]byte("push:\n  mode: ftp\n"))
	assert.ErrorContains(t, err, "unknown push mode")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(metadataPushDoc), 0o644))

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "events", spec.Table.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func validSpec() *JobSpec {
	s := &JobSpec{
		OutputDirURI: "file:/out",
		Table:        TableSpec{Name: "events"},
		ControlPlane: ControlPlaneSpec{URI: "http://localhost:9000"},
	}
	s.ApplyDefaults()
	return s
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*JobSpec)
		wantErr string
	}{
		{"valid", func(*JobSpec) {}, ""},
		{"bare path output", func(s *JobSpec) { s.OutputDirURI = "/tmp/out" }, ""},
		{"missing table", func(s *JobSpec) { s.Table.Name = "" }, "table.name"},
		{"bad table type", func(s *JobSpec) { s.Table.Type = "HYBRID" }, "table.type"},
		{"missing output", func(s *JobSpec) { s.OutputDirURI = "" }, "outputDirURI is required"},
		{"unbound output scheme", func(s *JobSpec) { s.OutputDirURI = "gs://bucket/out" }, `scheme "gs"`},
		{"unbound deep store scheme", func(s *JobSpec) { s.Push.DeepStoreDirURI = "hdfs://nn/deep" }, `scheme "hdfs"`},
		{"negative parallelism", func(s *JobSpec) { s.Push.Parallelism = -1 }, "parallelism"},
		{"zero attempts", func(s *JobSpec) { s.Push.Retry.Attempts = 0 }, "attempts"},
		{"unknown mode", func(s *JobSpec) { s.Push.Mode = "FTP" }, "unknown push mode"},
		{"missing control plane", func(s *JobSpec) { s.ControlPlane.URI = "" }, "controlPlane.uri"},
		{"duplicate scheme", func(s *JobSpec) {
			s.FileSystems = append(s.FileSystems, FSSpec{Scheme: LocalScheme, ClassName: LocalClassName})
		}, "bound twice"},
		{"duplicate scheme differing in case", func(s *JobSpec) {
			s.FileSystems = append(s.FileSystems,
				FSSpec{Scheme: "s3", ClassName: "fs.s3"},
				FSSpec{Scheme: "S3", ClassName: "fs.s3"})
		}, `scheme "s3" bound twice`},
		{"upper-case scheme binds lower-case URIs", func(s *JobSpec) {
			s.FileSystems = append(s.FileSystems, FSSpec{Scheme: "S3", ClassName: "fs.s3"})
			s.OutputDirURI = "s3://bucket/out"
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestPolicies(t *testing.T) {
	s := validSpec()
	s.Push.Retry.Attempts = 3

	p := s.RetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialBackoff)

	assert.Equal(t, 6, s.FinalizePolicy().MaxAttempts)

	s.Push.Retry.Attempts = 1
	assert.Equal(t, 5, s.FinalizePolicy().MaxAttempts)
}

func TestClone_DoesNotAlias(t *testing.T) {
	s := validSpec()
	s.FileSystems = append(s.FileSystems, FSSpec{Scheme: "s3", ClassName: "fs.s3", Config: map[string]any{"bucket": "a"}})

	cp := s.Clone()
	cp.FileSystems[1].Config["bucket"] = "b"
	cp.Push.Mode = ModeURI
	*cp.Push.RecoverStaleLineage = false

	assert.Equal(t, "a", s.FileSystems[1].Config["bucket"])
	assert.Equal(t, ModeTar, s.Push.Mode)
	assert.True(t, s.RecoverStale())
	assert.Equal(t, s.Push.Retry, cp.Push.Retry)
}

func TestSchemeOf(t *testing.T) {
	for uri, want := range map[string]string{
		"/tmp/out":          "file",
		"file:/tmp/out":     "file",
		"S3://bucket/out":   "s3",
		"hdfs://nn:9870/x":  "hdfs",
		"http://cdn/a.tgz":  "http",
		"relative/dir/path": "file",
	} {
		got, err := SchemeOf(uri)
		require.NoError(t, err, uri)
		assert.Equal(t, want, got, uri)
	}
}

func TestRedacted_DropsCredentials(t *testing.T) {
	s := validSpec()
	s.ControlPlane.AuthToken = "cp-token"
	s.FileSystems = append(s.FileSystems, FSSpec{Scheme: "s3", ClassName: "fs.s3", Config: map[string]any{
		"endpointUrl":     "http://minio:9000",
		"accessKeyId":     "key",
		"SecretAccessKey": "secret",
	}})

	r := s.Redacted()
	assert.Empty(t, r.ControlPlane.AuthToken)
	assert.Equal(t, map[string]any{"endpointUrl": "http://minio:9000"}, r.FileSystems[1].Config)
	assert.Equal(t, s.ControlPlane.URI, r.ControlPlane.URI)

	assert.Equal(t, "cp-token", s.ControlPlane.AuthToken, "original keeps its secrets")
	assert.Equal(t, "secret", s.FileSystems[1].Config["SecretAccessKey"])
}
