package lifecycle

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Manager closes the server's long-lived resources (store, token cache, listeners)
// in reverse order of registration.
type Manager struct {
	mu        sync.Mutex
	log       zerolog.Logger
	resources []resource
	closed    bool
}

type resource struct {
	name   string
	closer io.Closer
}

// NewManager creates a new resource lifecycle manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log}
}

// Register adds a resource to be closed when the manager is closed.
func (m *Manager) Register(name string, closer io.Closer) {
	if closer == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, closer: closer})
}

// RegisterFunc wraps a cleanup function as a Closer for convenience.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	if fn == nil {
		return
	}
	m.Register(name, closerFunc(fn))
}

// Close closes all registered resources in reverse order, attempting every one
// and returning the first error. Subsequent calls are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.closer.Close(); err != nil {
			m.log.Error().
				Err(err).
				Str("resource", res.name).
				Msg("lifecycle.close_resource_failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.log.Debug().Str("resource", res.name).Msg("lifecycle.resource_closed")
	}
	return firstErr
}

// closerFunc adapts a function to the io.Closer interface.
type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
