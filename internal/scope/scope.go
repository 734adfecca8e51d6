// Package scope owns the per-request account access cache. A Scope is
// created at the start of one logical request, hands out connected
// backend handles on demand, guarantees at-most-once connect per
// service/account, and closes everything exactly once at scope end.
package scope

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/unidrive/unidrive/internal/backend"
	"github.com/unidrive/unidrive/internal/logging"
	"github.com/unidrive/unidrive/internal/metrics"
)

// CloseWarning records a failed handle close. Close failures are
// collected, not swallowed, but never abort scope teardown.
type CloseWarning struct {
	Service string
	Account string
	Err     error
}

// Scope caches connected account handles for one request. Handles are
// exclusively owned by this scope and are never shared across scopes.
type Scope struct {
	registry *backend.Registry
	actor    string

	mu      sync.Mutex
	handles map[string]backend.AccountAccess
	// closeList preserves connect order so teardown is deterministic.
	closeList []closeEntry
}

type closeEntry struct {
	service string
	account string
	handle  backend.AccountAccess
}

// New creates a scope for one request on behalf of the given actor.
func New(registry *backend.Registry, actor string) *Scope {
	return &Scope{
		registry: registry,
		actor:    actor,
		handles:  make(map[string]backend.AccountAccess),
	}
}

// Actor returns the identity all backend operations run as.
func (s *Scope) Actor() string {
	return s.actor
}

// Registry returns the backend registry this scope resolves against.
func (s *Scope) Registry() *backend.Registry {
	return s.registry
}

// Access returns the connected handle for service/account, connecting it
// on first use. Auth and communication failures during connect are
// translated into backend.NotAccessibleError; other errors propagate
// unchanged.
func (s *Scope) Access(ctx context.Context, service, account string) (backend.AccountAccess, error) {
	key := service + "/" + account

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[key]; ok {
		return h, nil
	}

	driver, err := s.registry.Driver(service)
	if err != nil {
		return nil, err
	}

	h, err := driver.Open(ctx, account, s.actor)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}

	if err := h.Connect(ctx); err != nil {
		metrics.RecordBackendConnect(service, false)
		if backend.IsConnectFailure(err) {
			return nil, &backend.NotAccessibleError{
				Service: service,
				Account: account,
				Actor:   s.actor,
				Err:     err,
			}
		}
		return nil, fmt.Errorf("connect %s: %w", key, err)
	}
	metrics.RecordBackendConnect(service, true)

	s.handles[key] = h
	s.closeList = append(s.closeList, closeEntry{service: service, account: account, handle: h})
	metrics.SetBackendHandlesOpen(int64(len(s.closeList)))
	return h, nil
}

// CloseAll closes every connected handle exactly once and clears the
// scope. Close failures come back as warnings.
func (s *Scope) CloseAll(ctx context.Context) []CloseWarning {
	s.mu.Lock()
	entries := s.closeList
	s.handles = make(map[string]backend.AccountAccess)
	s.closeList = nil
	s.mu.Unlock()

	var warnings []CloseWarning
	for _, e := range entries {
		if err := e.handle.Close(ctx); err != nil {
			logging.Warn("backend handle close failed",
				zap.String("service", e.service),
				zap.String("account", e.account),
				zap.Error(err))
			warnings = append(warnings, CloseWarning{Service: e.service, Account: e.account, Err: err})
		}
	}
	metrics.SetBackendHandlesOpen(0)
	return warnings
}

// Reset clears the cache without closing handles. Used when a pooled
// executor begins a new logical scope on the same underlying storage
// object and the previous scope's handles were already torn down
// elsewhere.
func (s *Scope) Reset() {
	s.mu.Lock()
	s.handles = make(map[string]backend.AccountAccess)
	s.closeList = nil
	s.mu.Unlock()
}
