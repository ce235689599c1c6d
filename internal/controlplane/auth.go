package controlplane

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// =============================================================================
// AUTHENTICATION STRATEGIES
// =============================================================================

// AuthConfig decorates outgoing requests with credentials.
type AuthConfig interface {
	Apply(req *http.Request)
}

// NoAuth represents no authentication.
type NoAuth struct{}

func (a NoAuth) Apply(req *http.Request) {}

// BasicAuth uses HTTP Basic Authentication.
type BasicAuth struct {
	Username string
	Password string
}

// Apply adds Basic auth header to the request.
func (a BasicAuth) Apply(req *http.Request) {
	if a.Username == "" && a.Password == "" {
		return
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	req.Header.Set("Authorization", "Basic "+credentials)
}

// BearerToken uses Bearer token authentication.
type BearerToken struct {
	Token string
}

// Apply adds Bearer token header to the request.
func (a BearerToken) Apply(req *http.Request) {
	if a.Token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

// AuthFromToken picks a strategy for a job-spec token: "user:pass" is sent as
// Basic auth, anything else as a bearer token.
func AuthFromToken(token string) AuthConfig {
	if token == "" {
		return NoAuth{}
	}
	if user, pass, ok := strings.Cut(token, ":"); ok {
		return BasicAuth{Username: user, Password: pass}
	}
	return BearerToken{Token: token}
}
