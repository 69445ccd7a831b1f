package handler

import (
	"fmt"
	"sync"

	"github.com/fabian4/gateway-dispatch-go/internal/model"
	"github.com/fabian4/gateway-dispatch-go/internal/ratelimit"
)

// RateLimitPolicy holds the deployment-wide scope budgets. A zero config
// disables its scope.
type RateLimitPolicy struct {
	Global   model.RateLimitConfig `json:"global"`
	User     model.RateLimitConfig `json:"user"`
	Endpoint model.RateLimitConfig `json:"endpoint"`
}

// PolicyStore synchronizes the budgets between the request path and the
// admin surface. Admin updates are in-memory only and do not survive a
// restart.
type PolicyStore struct {
	mu sync.RWMutex
	p  RateLimitPolicy
}

func NewPolicyStore(p RateLimitPolicy) *PolicyStore {
	return &PolicyStore{p: p}
}

func (s *PolicyStore) Snapshot() RateLimitPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

// SetScope replaces one scope's budget. A zero budget disables the scope.
func (s *PolicyStore) SetScope(scope ratelimit.Scope, cfg model.RateLimitConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch scope {
	case ratelimit.ScopeGlobal:
		s.p.Global = cfg
	case ratelimit.ScopeUser:
		s.p.User = cfg
	case ratelimit.ScopeEndpoint:
		s.p.Endpoint = cfg
	default:
		return fmt.Errorf("unknown scope %q", scope)
	}
	return nil
}
