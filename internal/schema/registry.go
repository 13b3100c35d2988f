package schema

import (
	"context"
	"sort"
	"sync"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/namespace"
)

// Registry holds the entity descriptors entity-owning components may synthesize.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]EntityDescriptor
}

func NewRegistry(ds ...EntityDescriptor) (*Registry, error) {
	r := &Registry{entities: make(map[string]EntityDescriptor, len(ds))}
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry knows the baseline tables and the bundled feature entities.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(append(Baseline(), FeatureEntities()...)...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Register(d EntityDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entities[d.Table]; ok {
		return apperr.Duplicate("entity "+d.Table, nil)
	}
	r.entities[d.Table] = d
	return nil
}

func (r *Registry) Lookup(name string) (EntityDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entities[name]
	return d, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entities))
	for n := range r.entities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Ensure synthesizes the named entity in ns, resolving foreign-key targets known to the
// registry first so their constraints can be attached. It returns the tables it created.
func (r *Registry) Ensure(ctx context.Context, s *Synthesizer, ex namespace.Executor, name, ns string) ([]string, error) {
	var created []string
	visiting := map[string]bool{}

	var ensure func(table string) error
	ensure = func(table string) error {
		if visiting[table] {
			return nil
		}
		visiting[table] = true

		d, ok := r.Lookup(table)
		if !ok {
			return apperr.NotFoundf("entity %q", table)
		}
		for _, f := range d.Fields {
			if f.Type != ForeignKey {
				continue
			}
			if _, known := r.Lookup(f.References); !known {
				continue
			}
			if err := ensure(f.References); err != nil {
				return err
			}
		}
		ok, err := s.EnsureTable(ctx, ex, d, ns)
		if err != nil {
			return err
		}
		if ok {
			created = append(created, table)
		}
		return nil
	}

	if err := ensure(name); err != nil {
		return created, err
	}
	return created, nil
}
