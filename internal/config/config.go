// Package config provides process configuration for segpush commands.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/nucleus/segpush/internal/jobspec"
)

// Config holds environment-driven settings. The job specification document
// wins over these wherever both set a value.
type Config struct {
	// Control plane
	ControllerURL string
	AuthToken     string
	RateLimit     int

	LogLevel string

	// Temporal settings
	TemporalAddress   string
	TemporalNamespace string
	TaskQueue         string

	// Journal
	JournalDatabaseURL string

	DevServerAddr string
}

// Load loads configuration from environment.
func Load() *Config {
	return &Config{
		ControllerURL:      getEnv("SEGPUSH_CONTROLLER_URL", ""),
		AuthToken:          getEnv("SEGPUSH_AUTH_TOKEN", ""),
		RateLimit:          getEnvInt("SEGPUSH_RATE_LIMIT", 20),
		LogLevel:           getEnv("SEGPUSH_LOG_LEVEL", "info"),
		TemporalAddress:    getEnv("TEMPORAL_ADDRESS", "127.0.0.1:7233"),
		TemporalNamespace:  getEnv("TEMPORAL_NAMESPACE", "default"),
		TaskQueue:          getEnv("SEGPUSH_TASK_QUEUE", "segpush"),
		JournalDatabaseURL: getEnv("SEGPUSH_JOURNAL_DATABASE_URL", ""),
		DevServerAddr:      getEnv("SEGPUSH_DEVSERVER_ADDR", ":9000"),
	}
}

// ApplyTo fills control-plane settings the job spec leaves empty.
func (c *Config) ApplyTo(spec *jobspec.JobSpec) {
	if spec.ControlPlane.URI == "" {
		spec.ControlPlane.URI = c.ControllerURL
	}
	if spec.ControlPlane.AuthToken == "" {
		spec.ControlPlane.AuthToken = c.AuthToken
	}
}

// ResolveSecrets restores the credentials a redacted job spec was shipped
// without: the control-plane token plus any file-system secret found as
// SEGPUSH_FS_<SCHEME>_<KEY> (for example SEGPUSH_FS_S3_SECRETACCESSKEY).
// Values already present in the spec are kept.
func (c *Config) ResolveSecrets(spec *jobspec.JobSpec) {
	c.ApplyTo(spec)
	for i := range spec.FileSystems {
		fs := &spec.FileSystems[i]
		for _, key := range jobspec.SecretConfigKeys {
			val := os.Getenv(fsSecretEnv(fs.Scheme, key))
			if val == "" {
				continue
			}
			if _, ok := fs.Config[key]; ok {
				continue
			}
			if fs.Config == nil {
				fs.Config = map[string]any{}
			}
			fs.Config[key] = val
		}
	}
}

func fsSecretEnv(scheme, key string) string {
	return "SEGPUSH_FS_" + strings.ToUpper(scheme) + "_" + strings.ToUpper(key)
}

// Logger returns the root process logger at the configured level.
func (c *Config) Logger(name string) hclog.Logger {
	level := hclog.LevelFromString(c.LogLevel)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  level,
		Output: os.Stderr,
	})
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
