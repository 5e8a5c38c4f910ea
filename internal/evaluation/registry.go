package evaluation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// KindModel is the built-in evaluator kind backed by the model endpoint.
const KindModel = "model"

// Spec configures one evaluator instance for a criterion.
type Spec struct {
	Kind         string
	CriterionKey string
	Prompt       string
	// Script is a path used by script-backed kinds.
	Script  string
	Options map[string]any
}

// Factory builds an evaluator from a spec.
type Factory func(Spec) (Evaluator, error)

// Registry maps evaluator kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a factory. Kinds are unique.
func (r *Registry) Register(kind string, factory Factory) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("evaluation: kind is required")
	}
	if factory == nil {
		return fmt.Errorf("evaluation: factory is required for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("evaluation: kind %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(kind string, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Resolve builds the evaluator for spec. An empty kind means KindModel.
func (r *Registry) Resolve(spec Spec) (Evaluator, error) {
	kind := strings.TrimSpace(spec.Kind)
	if kind == "" {
		kind = KindModel
	}
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("evaluation: unknown evaluator kind %s", kind)
	}
	spec.Kind = kind
	eval, err := factory(spec)
	if err != nil {
		return nil, fmt.Errorf("evaluation: build %s evaluator for %s: %w", kind, spec.CriterionKey, err)
	}
	return eval, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
