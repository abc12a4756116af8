package signaling

import (
	"context"
	"fmt"

	"github.com/BrownNPC/sigrelay"
	"github.com/BrownNPC/sigrelay/internal"
	"github.com/go4org/hashtriemap"
)

// Handle is the writable end of a registered client's channel.
type Handle interface {
	// Send writes env to the client. It must be safe for concurrent use.
	Send(ctx context.Context, env Envelope) error
}

// Registry maps client ids to live channel handles.
// The zero value is ready to use. Safe for concurrent use.
type Registry struct {
	clients hashtriemap.HashTrieMap[sigrelay.ClientID, Handle]
}

func NewRegistry() *Registry {
	return new(Registry)
}

// Register stores h under id.
// Returns ErrDuplicateIdentifier if id is already registered.
func (r *Registry) Register(id sigrelay.ClientID, h Handle) error {
	if _, loaded := r.clients.LoadOrStore(id, h); loaded {
		return fmt.Errorf("signaling.Register %q: %w", id, ErrDuplicateIdentifier)
	}
	return nil
}

// idBinder is implemented by handles that must know their id before they
// become reachable through the registry.
type idBinder interface {
	bindID(sigrelay.ClientID)
}

// Allocate registers h under the first id from gen that is not taken.
func (r *Registry) Allocate(gen internal.IDGenerator, h Handle) sigrelay.ClientID {
	b, _ := h.(idBinder)
	return internal.GenerateUniqueClientID(gen, func(id sigrelay.ClientID) bool {
		if b != nil {
			b.bindID(id)
		}
		return r.Register(id, h) == nil
	})
}

// Lookup returns the handle registered under id, or ErrNotFound.
func (r *Registry) Lookup(id sigrelay.ClientID) (Handle, error) {
	h, ok := r.clients.Load(id)
	if !ok {
		return nil, fmt.Errorf("signaling.Lookup %q: %w", id, ErrNotFound)
	}
	return h, nil
}

// Unregister removes id. No-op if id is not registered.
func (r *Registry) Unregister(id sigrelay.ClientID) {
	r.clients.Delete(id)
}

// Range calls f for every registered client until f returns false.
func (r *Registry) Range(f func(sigrelay.ClientID, Handle) bool) {
	r.clients.Range(f)
}

// Len counts the registered clients. O(n).
func (r *Registry) Len() int {
	n := 0
	r.clients.Range(func(sigrelay.ClientID, Handle) bool {
		n++
		return true
	})
	return n
}
