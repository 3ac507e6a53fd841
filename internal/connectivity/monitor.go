// Package connectivity tracks the process-wide online/offline state. The state
// is seeded once at startup and then transitioned only by explicit
// notifications delivered by the platform — it is never polled.
package connectivity

import (
	"log/slog"
	"sync"
)

// Monitor holds the current connectivity state and notifies subscribers on
// transitions. Duplicate notifications for the current state are dropped, so
// subscriber callbacks fire once per actual transition even when the platform
// delivers the same event twice.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []func(online bool)
	logger *slog.Logger
}

// NewMonitor creates a Monitor seeded with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, logger: slog.Default()}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn to be called on every state transition. Callbacks run
// synchronously under the notification; long-running work belongs in a
// goroutine started by the callback.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Notify delivers a connectivity event. It returns true if the event caused a
// transition and false if it was a duplicate of the current state.
func (m *Monitor) Notify(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
	return true
}
