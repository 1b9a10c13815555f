package engine

import "github.com/rotisserie/eris"

// Registry maps engine ids to their implementations, preserving
// registration order.
type Registry struct {
	engines map[string]Engine
	order   []string
}

// NewRegistry creates an empty registry. The enclosing application decides
// which engines to register; the core takes the set as input.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine.
func (r *Registry) Register(e Engine) {
	id := e.ID()
	if _, exists := r.engines[id]; !exists {
		r.order = append(r.order, id)
	}
	r.engines[id] = e
}

// Get returns an engine by id.
func (r *Registry) Get(id string) (Engine, error) {
	e, ok := r.engines[id]
	if !ok {
		return nil, eris.Errorf("engine: unknown engine %q", id)
	}
	return e, nil
}

// Has reports whether an engine id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.engines[id]
	return ok
}

// All returns all engines in registration order.
func (r *Registry) All() []Engine {
	out := make([]Engine, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.engines[id])
	}
	return out
}

// IDs returns all registered engine ids in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Group returns the engines sharing a reputation group.
func (r *Registry) Group(group string) []Engine {
	var out []Engine
	for _, id := range r.order {
		if e := r.engines[id]; e.Config().ReputationGroup == group {
			out = append(out, e)
		}
	}
	return out
}

// GroupRequestsToday sums the daily request counters across a reputation
// group. The queue uses this to enforce the group's combined daily cap.
func (r *Registry) GroupRequestsToday(group string) int {
	total := 0
	for _, e := range r.Group(group) {
		total += e.RequestsToday()
	}
	return total
}
