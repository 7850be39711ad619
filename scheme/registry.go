package scheme

import (
	"github.com/vitwit/awesome402/types"
)

// Registry maps scheme keys to handlers. It is immutable once built, so it can
// be shared by any number of goroutines without locking.
type Registry[H Keyed] struct {
	handlers map[types.SchemeKey]H
	keys     []types.SchemeKey
}

// NewRegistry builds a registry from handlers. Registering two handlers under
// the same key is a configuration error.
func NewRegistry[H Keyed](handlers ...H) (*Registry[H], error) {
	r := &Registry[H]{
		handlers: make(map[types.SchemeKey]H, len(handlers)),
		keys:     make([]types.SchemeKey, 0, len(handlers)),
	}

	for _, h := range handlers {
		key := h.Key()
		if _, exists := r.handlers[key]; exists {
			return nil, types.ErrDuplicateScheme.WithMessage("duplicate scheme registration for %s", key)
		}
		r.handlers[key] = h
		r.keys = append(r.keys, key)
	}

	return r, nil
}

// MustRegistry is NewRegistry for startup code; it panics on duplicates.
func MustRegistry[H Keyed](handlers ...H) *Registry[H] {
	r, err := NewRegistry(handlers...)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the handler registered for key.
func (r *Registry[H]) Resolve(key types.SchemeKey) (H, error) {
	h, ok := r.handlers[key]
	if !ok {
		var zero H
		return zero, types.ErrNotSupported.WithMessage("no handler registered for %s", key)
	}
	return h, nil
}

// Has reports whether key resolves.
func (r *Registry[H]) Has(key types.SchemeKey) bool {
	_, ok := r.handlers[key]
	return ok
}

// Keys returns the registered keys in registration order.
func (r *Registry[H]) Keys() []types.SchemeKey {
	out := make([]types.SchemeKey, len(r.keys))
	copy(out, r.keys)
	return out
}

// Handlers returns the registered handlers in registration order.
func (r *Registry[H]) Handlers() []H {
	out := make([]H, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.handlers[k])
	}
	return out
}

// Len returns the number of registered handlers.
func (r *Registry[H]) Len() int { return len(r.keys) }
