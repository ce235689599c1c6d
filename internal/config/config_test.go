package config

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"

	"github.com/nucleus/segpush/internal/jobspec"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"SEGPUSH_CONTROLLER_URL", "SEGPUSH_RATE_LIMIT", "SEGPUSH_LOG_LEVEL", "SEGPUSH_TASK_QUEUE"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "", cfg.ControllerURL)
	assert.Equal(t, 20, cfg.RateLimit)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "segpush", cfg.TaskQueue)
	assert.Equal(t, ":9000", cfg.DevServerAddr)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("SEGPUSH_CONTROLLER_URL", "http://controller:9000")
	t.Setenv("SEGPUSH_RATE_LIMIT", "5")
	t.Setenv("TEMPORAL_NAMESPACE", "segments")
	cfg := Load()
	assert.Equal(t, "http://controller:9000", cfg.ControllerURL)
	assert.Equal(t, 5, cfg.RateLimit)
	assert.Equal(t, "segments", cfg.TemporalNamespace)

	t.Setenv("SEGPUSH_RATE_LIMIT", "fast")
	assert.Equal(t, 20, Load().RateLimit)
}

func TestApplyTo_SpecWins(t *testing.T) {
	cfg := &Config{ControllerURL: "http://env:9000", AuthToken: "env-token"}

	spec := &jobspec.JobSpec{}
	cfg.ApplyTo(spec)
	assert.Equal(t, "http://env:9000", spec.ControlPlane.URI)
	assert.Equal(t, "env-token", spec.ControlPlane.AuthToken)

	spec = &jobspec.JobSpec{ControlPlane: jobspec.ControlPlaneSpec{URI: "http://spec:9000"}}
	cfg.ApplyTo(spec)
	assert.Equal(t, "http://spec:9000", spec.ControlPlane.URI)
}

func TestLogger_Level(t *testing.T) {
	assert.True(t, (&Config{LogLevel: "debug"}).Logger("segpush").IsDebug())
	assert.Equal(t, hclog.Info, (&Config{LogLevel: "bogus"}).Logger("segpush").GetLevel())
}

func TestResolveSecrets_RestoresRedactedSpec(t *testing.T) {
	t.Setenv("SEGPUSH_FS_S3_ACCESSKEYID", "env-key")
	t.Setenv("SEGPUSH_FS_S3_SECRETACCESSKEY", "env-secret")
	cfg := &Config{AuthToken: "env-token"}

	spec := &jobspec.JobSpec{
		ControlPlane: jobspec.ControlPlaneSpec{URI: "http://spec:9000", AuthToken: "spec-token"},
		FileSystems: []jobspec.FSSpec{
			{Scheme: "s3", ClassName: "fs.s3", Config: map[string]any{"endpointUrl": "http://minio:9000"}},
			{Scheme: "file", ClassName: "fs.local"},
		},
	}
	redacted := spec.Redacted()
	cfg.ResolveSecrets(redacted)

	assert.Equal(t, "env-token", redacted.ControlPlane.AuthToken)
	assert.Equal(t, map[string]any{
		"endpointUrl":     "http://minio:9000",
		"accessKeyId":     "env-key",
		"secretAccessKey": "env-secret",
	}, redacted.FileSystems[0].Config)
	assert.Nil(t, redacted.FileSystems[1].Config)

	spec.FileSystems[0].Config["accessKeyId"] = "spec-key"
	cfg.ResolveSecrets(spec)
	assert.Equal(t, "spec-token", spec.ControlPlane.AuthToken)
	assert.Equal(t, "spec-key", spec.FileSystems[0].Config["accessKeyId"], "spec values win")
}
