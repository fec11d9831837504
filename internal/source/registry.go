package source

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrCapabilityMissing = errors.New("source capability not registered")
	ErrDuplicate         = errors.New("source capability already registered")
)

type Capability int

const (
	RequireDiscoverer Capability = 1 << iota
	RequireResolver
	RequireDeliverer
)

// Registry holds the capabilities of every source, keyed by SourceID. It is
// filled while the application is composed and read afterwards.
type Registry struct {
	mu          sync.RWMutex
	discoverers map[SourceID]Discoverer
	resolvers   map[SourceID]Resolver
	deliverers  map[SourceID]Deliverer
}

func NewRegistry() *Registry {
	return &Registry{
		discoverers: make(map[SourceID]Discoverer),
		resolvers:   make(map[SourceID]Resolver),
		deliverers:  make(map[SourceID]Deliverer),
	}
}

func (r *Registry) RegisterDiscoverer(d Discoverer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.discoverers[d.Source()]; ok {
		return fmt.Errorf("%w: discoverer for %s", ErrDuplicate, d.Source())
	}
	r.discoverers[d.Source()] = d
	return nil
}

func (r *Registry) RegisterResolver(res Resolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resolvers[res.Source()]; ok {
		return fmt.Errorf("%w: resolver for %s", ErrDuplicate, res.Source())
	}
	r.resolvers[res.Source()] = res
	return nil
}

func (r *Registry) RegisterDeliverer(d Deliverer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deliverers[d.Source()]; ok {
		return fmt.Errorf("%w: deliverer for %s", ErrDuplicate, d.Source())
	}
	r.deliverers[d.Source()] = d
	return nil
}

// Register adds every capability that c implements.
func (r *Registry) Register(c any) error {
	registered := false
	if d, ok := c.(Discoverer); ok {
		if err := r.RegisterDiscoverer(d); err != nil {
			return err
		}
		registered = true
	}
	if res, ok := c.(Resolver); ok {
		if err := r.RegisterResolver(res); err != nil {
			return err
		}
		registered = true
	}
	if d, ok := c.(Deliverer); ok {
		if err := r.RegisterDeliverer(d); err != nil {
			return err
		}
		registered = true
	}
	if !registered {
		return fmt.Errorf("%T implements no source capability", c)
	}
	return nil
}

func (r *Registry) Discoverer(id SourceID) (Discoverer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.discoverers[id]
	return d, ok
}

func (r *Registry) Resolver(id SourceID) (Resolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resolvers[id]
	return res, ok
}

func (r *Registry) Deliverer(id SourceID) (Deliverer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deliverers[id]
	return d, ok
}

// Binding is the capability set a provider works with. Fields for
// capabilities that were not required may be nil.
type Binding struct {
	Source     SourceID
	Discoverer Discoverer
	Resolver   Resolver
	Deliverer  Deliverer
}

// Bind collects the capabilities of id and fails when any required one is
// missing.
func (r *Registry) Bind(id SourceID, required Capability) (Binding, error) {
	b := Binding{Source: id}
	b.Discoverer, _ = r.Discoverer(id)
	b.Resolver, _ = r.Resolver(id)
	b.Deliverer, _ = r.Deliverer(id)

	var missing []string
	if required&RequireDiscoverer != 0 && b.Discoverer == nil {
		missing = append(missing, "discoverer")
	}
	if required&RequireResolver != 0 && b.Resolver == nil {
		missing = append(missing, "resolver")
	}
	if required&RequireDeliverer != 0 && b.Deliverer == nil {
		missing = append(missing, "deliverer")
	}
	if len(missing) > 0 {
		return Binding{}, fmt.Errorf("%w: %s has no %v", ErrCapabilityMissing, id, missing)
	}
	return b, nil
}
