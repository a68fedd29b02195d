// Package location tracks the regional endpoints of the account and routes
// requests to them.
package location

import (
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/config"
	"github.com/devrev/pairdb/directconn/internal/model"
)

// Manager holds the live write and read endpoints in preference order.
type Manager struct {
	mu     sync.RWMutex
	write  []string
	read   []string
	logger *zap.Logger
}

// NewManager creates a manager from configuration.
func NewManager(cfg config.EndpointsConfig, logger *zap.Logger) *Manager {
	m := &Manager{logger: logger}
	m.Update(cfg.Write, cfg.Read)
	return m
}

// Update replaces the endpoint lists, e.g. after an account topology refresh.
// An empty read list falls back to the write endpoints.
func (m *Manager) Update(write, read []string) {
	w := append([]string(nil), write...)
	r := append([]string(nil), read...)
	if len(r) == 0 {
		r = append(r, w...)
	}
	m.mu.Lock()
	m.write, m.read = w, r
	m.mu.Unlock()
	m.logger.Info("endpoint lists updated", zap.Strings("write", w), zap.Strings("read", r))
}

// WriteEndpoints returns the write endpoints, most preferred first.
func (m *Manager) WriteEndpoints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.write...)
}

// ReadEndpoints returns the read endpoints, most preferred first.
func (m *Manager) ReadEndpoints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.read...)
}

// ResolveServiceEndpoint picks the endpoint a request is sent to. A request
// already pinned to an endpoint keeps it.
func (m *Manager) ResolveServiceEndpoint(req *model.Request) string {
	if req.ServiceEndpoint != "" {
		return req.ServiceEndpoint
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if req.IsReadOnly() && len(m.read) > 0 {
		return m.read[0]
	}
	if len(m.write) > 0 {
		return m.write[0]
	}
	return ""
}

// MarkUnavailable demotes an endpoint to the end of both preference lists.
func (m *Manager) MarkUnavailable(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.write = demote(m.write, endpoint)
	m.read = demote(m.read, endpoint)
	m.logger.Warn("endpoint marked unavailable", zap.String("endpoint", endpoint))
}

func demote(list []string, endpoint string) []string {
	out := make([]string, 0, len(list))
	found := false
	for _, e := range list {
		if e == endpoint {
			found = true
			continue
		}
		out = append(out, e)
	}
	if found {
		out = append(out, endpoint)
	}
	return out
}
