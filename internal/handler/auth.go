package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fabian4/gateway-dispatch-go/internal/model"
)

var (
	ErrNoCredentials      = errors.New("no credentials presented")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Authenticator is the external auth collaborator. The gateway extracts the
// credential from the Authorization header (Bearer <jwt> or API-Key <key>)
// and delegates validation.
type Authenticator interface {
	Authenticate(r *http.Request) (*model.AuthContext, error)
}

// Credential splits the Authorization header into scheme and token. The
// token is also used, unvalidated, as the per-user rate limit key so that
// rate limiting can run before authentication.
func Credential(r *http.Request) (scheme, token string) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return "", ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return "", ""
	}
	switch strings.ToLower(parts[0]) {
	case "bearer":
		return "bearer", parts[1]
	case "api-key":
		return "api_key", parts[1]
	}
	return "", ""
}

// StaticKeyAuthenticator validates API keys against a fixed map. It backs
// the demo config and tests; production deployments plug in their own
// Authenticator.
type StaticKeyAuthenticator struct {
	Keys map[string]string // key -> subject
}

func (a *StaticKeyAuthenticator) Authenticate(r *http.Request) (*model.AuthContext, error) {
	scheme, token := Credential(r)
	if token == "" {
		return nil, ErrNoCredentials
	}
	subject, ok := a.Keys[token]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return &model.AuthContext{Subject: subject, Scheme: scheme}, nil
}
