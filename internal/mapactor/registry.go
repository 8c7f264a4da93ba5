package mapactor

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// Registry is the process registry mapping map ids to their running actors.
type Registry struct {
	actors *xsync.Map[string, *Actor]
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{actors: xsync.NewMap[string, *Actor]()}
}

// Register makes an actor addressable by its map id.
func (r *Registry) Register(id string, a *Actor) {
	r.actors.Store(id, a)
}

// Unregister removes an actor; a missing id is a no-op.
func (r *Registry) Unregister(id string) {
	r.actors.Delete(id)
}

// Lookup returns the actor for a map id.
func (r *Registry) Lookup(id string) (*Actor, bool) {
	return r.actors.Load(id)
}

// All returns a snapshot of the running actors.
func (r *Registry) All() []*Actor {
	var out []*Actor
	r.actors.Range(func(_ string, a *Actor) bool {
		out = append(out, a)
		return true
	})
	return out
}

// Satellites returns every running actor except the one with the given id.
func (r *Registry) Satellites(exceptID string) []*Actor {
	var out []*Actor
	r.actors.Range(func(id string, a *Actor) bool {
		if id != exceptID {
			out = append(out, a)
		}
		return true
	})
	return out
}
