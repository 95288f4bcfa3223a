package interceptor

import (
	"fmt"
	"sort"
	"sync"

	gwerrors "github.com/edgars/konneqt-api-gw/internal/errors"
)

// Factory builds an interceptor from its settings block.
type Factory struct {
	Stages Stage
	New    func(settings map[string]any) (Interceptor, error)
}

// Registry resolves interceptor names. Each name is constructed at most once
// per registry; a configuration reload builds a new registry.
type Registry struct {
	factories map[string]Factory
	settings  map[string]map[string]any

	mu        sync.Mutex
	instances map[string]Interceptor
}

// NewRegistry creates a registry holding the built-in interceptors.
func NewRegistry(settings map[string]map[string]any) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		settings:  settings,
		instances: make(map[string]Interceptor),
	}
	for name, f := range Builtins() {
		r.factories[name] = f
	}
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.instances, name)
}

// Names lists registered interceptor names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the interceptor registered under name.
func (r *Registry) Resolve(name string) (Interceptor, error) {
	ic, _, err := r.resolve(name)
	return ic, err
}

func (r *Registry) resolve(name string) (Interceptor, Stage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.factories[name]
	if !ok {
		return nil, 0, gwerrors.Resolution(name, fmt.Errorf("not registered"))
	}
	if ic, ok := r.instances[name]; ok {
		return ic, f.Stages, nil
	}
	ic, err := f.New(r.settings[name])
	if err != nil {
		return nil, 0, gwerrors.Resolution(name, err)
	}
	r.instances[name] = ic
	return ic, f.Stages, nil
}

// ResolveStage resolves name and checks that it supports stage.
func (r *Registry) ResolveStage(name string, stage Stage) (Interceptor, error) {
	ic, stages, err := r.resolve(name)
	if err != nil {
		return nil, err
	}
	if !stages.Has(stage) {
		return nil, gwerrors.Resolution(name, fmt.Errorf("does not support the %s stage", stage))
	}
	return ic, nil
}

// Check reports whether name is registered for a stage given by name. It
// consults the factory table only, so settings errors surface later when the
// chain is built. It matches the signature of config.InterceptorCheck.
func (r *Registry) Check(name, stage string) error {
	s, err := ParseStage(stage)
	if err != nil {
		return err
	}
	r.mu.Lock()
	f, ok := r.factories[name]
	r.mu.Unlock()
	if !ok {
		return gwerrors.Resolution(name, fmt.Errorf("not registered"))
	}
	if !f.Stages.Has(s) {
		return gwerrors.Resolution(name, fmt.Errorf("does not support the %s stage", s))
	}
	return nil
}

// Chain resolves the pre and post lists of a route.
func (r *Registry) Chain(pre, post []string) (*Chain, error) {
	c := &Chain{}
	for _, name := range pre {
		ic, err := r.ResolveStage(name, StagePre)
		if err != nil {
			return nil, err
		}
		c.pre = append(c.pre, link{name: name, ic: ic})
	}
	for _, name := range post {
		ic, err := r.ResolveStage(name, StagePost)
		if err != nil {
			return nil, err
		}
		c.post = append(c.post, link{name: name, ic: ic})
	}
	return c, nil
}
