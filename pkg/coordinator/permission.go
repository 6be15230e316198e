package coordinator

import "sync"

// PermissionChecker answers whether sensor data may be read.
type PermissionChecker interface {
	Granted() bool
}

// PermissionGate is a settable [PermissionChecker] that notifies listeners
// when the granted state changes.
type PermissionGate struct {
	mu        sync.Mutex
	granted   bool
	listeners []func(granted bool)
}

// NewPermissionGate creates a gate with the given initial state.
func NewPermissionGate(granted bool) *PermissionGate {
	return &PermissionGate{granted: granted}
}

// Granted implements [PermissionChecker].
func (g *PermissionGate) Granted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.granted
}

// Set updates the state. Listeners run synchronously, outside the lock,
// and only when the state actually changes.
func (g *PermissionGate) Set(granted bool) {
	g.mu.Lock()
	if g.granted == granted {
		g.mu.Unlock()
		return
	}
	g.granted = granted
	listeners := append([]func(bool){}, g.listeners...)
	g.mu.Unlock()

	for _, fn := range listeners {
		fn(granted)
	}
}

// OnChange registers fn to be called on every state change.
func (g *PermissionGate) OnChange(fn func(granted bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}
