package source

import (
	"sync"

	"github.com/rotisserie/eris"
)

// Registry holds the data sources known to the pipeline, keyed by ID.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]DataSource
	def     string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]DataSource)}
}

// Register adds a source. The first registered source becomes the default.
func (r *Registry) Register(src DataSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sources) == 0 {
		r.def = src.ID()
	}
	r.sources[src.ID()] = src
}

// Get returns the source with the given ID; an empty ID returns the default.
func (r *Registry) Get(id string) (DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.def
	}
	src, ok := r.sources[id]
	if !ok {
		return nil, eris.Errorf("source: unknown data source %q", id)
	}
	return src, nil
}

// IDs lists registered source IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every registered source, returning the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, src := range r.sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
