package s3

import (
	"fmt"
	"net/url"
	"strings"
)

// Config captures the fs.s3 binding configuration.
type Config struct {
	EndpointURL     string
	Region          string
	UseSSL          bool
	AccessKeyID     string
	SecretAccessKey string
	// RootPath switches the binding to an on-disk object store.
	RootPath string
}

// ParseConfig builds a Config from loose binding parameters.
func ParseConfig(params map[string]any) *Config {
	return &Config{
		EndpointURL:     firstString(params, "endpointUrl", "endpoint_url", "endpoint"),
		Region:          firstString(params, "region"),
		UseSSL:          firstBool(params, false, "useSSL", "use_ssl"),
		AccessKeyID:     firstString(params, "accessKeyId", "access_key_id", "accessKey"),
		SecretAccessKey: firstString(params, "secretAccessKey", "secret_access_key", "secretKey"),
		RootPath:        firstString(params, "rootPath", "root_path", "devRoot"),
	}
}

// Local reports whether the binding explicitly targets the on-disk object
// store rather than a remote S3 endpoint.
func (c *Config) Local() bool {
	return c.RootPath != "" || strings.HasPrefix(c.EndpointURL, "file://")
}

// Validate enforces required fields. A binding names either a remote endpoint
// or an on-disk root; neither is assumed.
func (c *Config) Validate() error {
	if c.Local() {
		if c.objectRoot() == "" {
			return wrapError(CodeEndpointUnreachable, false, fmt.Errorf("file endpoint %q has no path", c.EndpointURL))
		}
		return nil
	}
	if c.EndpointURL == "" {
		return wrapError(CodeEndpointUnreachable, false, fmt.Errorf("endpointUrl or rootPath is required"))
	}
	if _, err := url.Parse(c.EndpointURL); err != nil {
		return wrapError(CodeEndpointUnreachable, false, fmt.Errorf("invalid endpoint URL: %w", err))
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return wrapError(CodeAuthInvalid, false, fmt.Errorf("accessKeyId and secretAccessKey are required"))
	}
	return nil
}

func (c *Config) objectRoot() string {
	if c.RootPath != "" {
		return c.RootPath
	}
	if strings.HasPrefix(c.EndpointURL, "file://") {
		if u, err := url.Parse(c.EndpointURL); err == nil && u.Path != "" {
			return u.Path
		}
	}
	return ""
}

func firstString(params map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := params[key]; ok {
			switch t := v.(type) {
			case string:
				return strings.TrimSpace(t)
			case fmt.Stringer:
				return strings.TrimSpace(t.String())
			}
		}
	}
	return ""
}

func firstBool(params map[string]any, defaultVal bool, keys ...string) bool {
	for _, key := range keys {
		if v, ok := params[key]; ok {
			switch t := v.(type) {
			case bool:
				return t
			case string:
				lowered := strings.ToLower(strings.TrimSpace(t))
				if lowered == "true" {
					return true
				}
				if lowered == "false" {
					return false
				}
			}
		}
	}
	return defaultVal
}

func sanitizePath(raw string) string {
	replacer := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return replacer.Replace(raw)
}
