package broker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
)

// Connection is the runtime handle for one configured broker.
type Connection struct {
	Connector     Connector
	Enabled       bool
	PrimaryQuotes bool
}

// Registry holds every configured broker connection. It is constructed once
// at startup and injected into the orchestrator and broadcaster; there is
// no ambient global registry.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Add registers a connector. At most one enabled connection may be the
// primary quote source.
func (r *Registry) Add(c Connector, enabled, primaryQuotes bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, exists := r.conns[name]; exists {
		return fmt.Errorf("broker %q already registered", name)
	}
	if enabled && primaryQuotes {
		for id, conn := range r.conns {
			if conn.Enabled && conn.PrimaryQuotes {
				return fmt.Errorf("broker %q is already the primary quote source", id)
			}
		}
	}
	r.conns[name] = &Connection{Connector: c, Enabled: enabled, PrimaryQuotes: primaryQuotes}
	return nil
}

// Get returns the connector with the given name.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[name]
	if !ok {
		return nil, false
	}
	return conn.Connector, true
}

// Enabled returns all enabled connectors sorted by name. Leg ordering on
// canonical orders follows this order.
func (r *Registry) Enabled() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, conn := range r.conns {
		if conn.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]Connector, 0, len(names))
	for _, name := range names {
		out = append(out, r.conns[name].Connector)
	}
	return out
}

// Primary returns the enabled connector flagged as the primary quote
// source, or nil if none is registered.
func (r *Registry) Primary() Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.conns {
		if conn.Enabled && conn.PrimaryQuotes {
			return conn.Connector
		}
	}
	return nil
}

// Statuses returns a snapshot of every configured broker connection,
// sorted by broker name.
func (r *Registry) Statuses() []domain.BrokerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.BrokerStatus, 0, len(r.conns))
	for name, conn := range r.conns {
		out = append(out, domain.BrokerStatus{
			BrokerID:        name,
			Enabled:         conn.Enabled,
			PrimaryQuotes:   conn.PrimaryQuotes,
			ConnectionState: conn.Connector.State(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerID < out[j].BrokerID })
	return out
}
