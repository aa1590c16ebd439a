// Package probe defines the uniform contract the per-backend probes
// implement and a registry the caller iterates.
package probe

import (
	"context"
	"sort"
	"sync"

	"github.com/zsprackett/quotawatch/internal/quota"
)

// Probe is one backend's quota prober. Probe runs to completion as a single
// bounded unit of work; it never fans out concurrent sub-requests and holds
// no state shared with other probes, so distinct probes may run
// concurrently without coordination.
type Probe interface {
	ID() string
	IsAvailable() bool
	Probe(ctx context.Context) (*quota.Snapshot, error)
}

// Registry is a fixed set of probes keyed by id.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

func NewRegistry(probes ...Probe) *Registry {
	r := &Registry{probes: make(map[string]Probe)}
	for _, p := range probes {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[p.ID()] = p
}

func (r *Registry) Get(id string) (Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[id]
	return p, ok
}

// All returns every registered probe in id order.
func (r *Registry) All() []Probe {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Probe, 0, len(r.probes))
	for _, p := range r.probes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Available filters All down to probes whose backend is present on this
// machine.
func (r *Registry) Available() []Probe {
	var out []Probe
	for _, p := range r.All() {
		if p.IsAvailable() {
			out = append(out, p)
		}
	}
	return out
}
