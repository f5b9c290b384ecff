package push

import (
	"errors"
	"sync"
)

// ErrNoHandler indicates an event arrived before any handler was installed.
var ErrNoHandler = errors.New("push: no handler installed")

// Registry holds the single active background handler. Install activates the
// new handler at once and retires the previous one, even while it is still
// handling events.
type Registry struct {
	mu         sync.RWMutex
	active     *Handler
	generation uint64
}

// Install makes h the active handler and returns its generation.
func (r *Registry) Install(h *Handler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = h
	r.generation++
	return r.generation
}

// Active returns the current handler and its generation.
func (r *Registry) Active() (*Handler, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.generation
}

// Push routes raw push data to the active handler.
func (r *Registry) Push(raw []byte) error {
	h, _ := r.Active()
	if h == nil {
		return ErrNoHandler
	}
	return h.HandlePush(raw)
}

// Click routes a notification click to the active handler.
func (r *Registry) Click(n Notification) error {
	h, _ := r.Active()
	if h == nil {
		return ErrNoHandler
	}
	return h.HandleClick(n)
}
