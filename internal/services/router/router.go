// Package router resolves which venue adapter executes an instruction.
// Routing is a pure table lookup on (venue, instruction type).
package router

import (
	"sort"
	"sync"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/venue"
)

// Mapping lists, per instruction type, the venues allowed to execute it.
type Mapping map[domain.InstructionType][]string

// Allows reports whether venue may execute type t.
func (m Mapping) Allows(t domain.InstructionType, venueName string) bool {
	for _, v := range m[t] {
		if v == venueName {
			return true
		}
	}
	return false
}

// Venues returns every venue named in the mapping, sorted.
func (m Mapping) Venues() []string {
	seen := map[string]struct{}{}
	for _, vs := range m {
		for _, v := range vs {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Router maps (venue, instruction type) to an adapter.
type Router struct {
	mu       sync.RWMutex
	mapping  Mapping
	adapters map[string]venue.Adapter
}

// New creates a router over the configured mapping.
func New(mapping Mapping) *Router {
	return &Router{mapping: mapping, adapters: make(map[string]venue.Adapter)}
}

// Register binds an adapter to a venue name.
func (r *Router) Register(venueName string, a venue.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[venueName] = a
}

// Adapter returns the adapter registered for venue.
func (r *Router) Adapter(venueName string) (venue.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[venueName]
	if !ok {
		return nil, domain.NewError(domain.CodeRouteNotFound, domain.SeverityCritical, "no adapter registered for venue %s", venueName)
	}
	return a, nil
}

// Route returns the adapter executing in.
func (r *Router) Route(in domain.Instruction) (venue.Adapter, error) {
	if !r.mapping.Allows(in.Type, in.Venue) {
		return nil, domain.NewError(domain.CodeRouteNotFound, domain.SeverityCritical,
			"instruction type %s is not mapped to venue %s", in.Type, in.Venue).WithInstruction(in.ID)
	}

	a, err := r.Adapter(in.Venue)
	if err != nil {
		return nil, err
	}
	if !a.Supports(in.Type) {
		return nil, domain.NewError(domain.CodeRouteNotFound, domain.SeverityCritical,
			"adapter %s does not support %s", a.Name(), in.Type).WithInstruction(in.ID)
	}
	return a, nil
}

// RouteGroup returns the atomic adapter executing group. Every member must
// be routable to the group venue.
func (r *Router) RouteGroup(g domain.AtomicGroup) (venue.AtomicAdapter, error) {
	for _, in := range g.Instructions {
		if in.Venue != g.Venue {
			if _, err := r.Route(in); err != nil {
				return nil, err
			}
			continue
		}
		if !r.mapping.Allows(in.Type, g.Venue) {
			return nil, domain.NewError(domain.CodeRouteNotFound, domain.SeverityCritical,
				"instruction type %s is not mapped to venue %s", in.Type, g.Venue).WithInstruction(in.ID)
		}
	}

	a, err := r.Adapter(g.Venue)
	if err != nil {
		return nil, err
	}
	atomic, ok := a.(venue.AtomicAdapter)
	if !ok {
		return nil, domain.NewError(domain.CodeRouteNotFound, domain.SeverityCritical,
			"adapter %s for venue %s cannot execute atomic groups", a.Name(), g.Venue)
	}
	return atomic, nil
}

// Validate checks that every mapped venue has an adapter supporting every
// action mapped to it.
func (r *Router) Validate() error {
	types := make([]domain.InstructionType, 0, len(r.mapping))
	for t := range r.mapping {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		for _, v := range r.mapping[t] {
			a, err := r.Adapter(v)
			if err != nil {
				return err
			}
			if !a.Supports(t) {
				return domain.NewError(domain.CodeRouteNotFound, domain.SeverityCritical,
					"adapter %s registered for %s does not support %s", a.Name(), v, t)
			}
		}
	}
	return nil
}
