package gateway

import (
	"sort"
	"sync"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Registry maps routing ids to live clients. It is the only owner of the
// map; callers get copies.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Add registers c. A client already holding the same routing id is closed
// and replaced.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	existing := r.clients[c.ID]
	r.clients[c.ID] = c
	c.setState(StateRegistered)
	r.mu.Unlock()

	if existing != nil && existing != c {
		L_info("gateway: replacing connection", "id", c.ID)
		existing.setState(StateRemoved)
		existing.close()
	}
}

// Remove drops c if it is still the registered client for its id.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[c.ID]; ok && cur == c {
		delete(r.clients, c.ID)
		c.setState(StateRemoved)
		return true
	}
	return false
}

// Get returns the client registered under id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Clients returns a snapshot of registered clients.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes and removes every client.
func (r *Registry) CloseAll() []*Client {
	r.mu.Lock()
	current := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	out := make([]*Client, 0, len(current))
	for _, c := range current {
		c.close()
		c.setState(StateRemoved)
		out = append(out, c)
	}
	return out
}
