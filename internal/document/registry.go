package document

import (
	"sort"
	"sync"

	"github.com/example/shared-note/internal/types"
)

// Registry maps document names to live documents for the lifetime of the
// process. Documents are never evicted.
type Registry struct {
	mu     sync.Mutex
	docs   map[types.DocumentName]*Document
	client types.ClientID
}

// NewRegistry creates an empty registry. Server-side replicas never insert,
// so they share one client id.
func NewRegistry() *Registry {
	return &Registry{
		docs:   make(map[types.DocumentName]*Document),
		client: types.NewClientID(),
	}
}

// GetOrCreate returns the document registered under name, creating it when
// absent. Concurrent callers racing on the same name receive the same
// instance. The second result reports whether the document was created.
func (r *Registry) GetOrCreate(name types.DocumentName) (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if doc, ok := r.docs[name]; ok {
		return doc, false
	}
	doc := newDocument(name, r.client)
	r.docs[name] = doc
	documentCount.Set(float64(len(r.docs)))
	return doc, true
}

// Lookup returns an existing document.
func (r *Registry) Lookup(name types.DocumentName) (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[name]
	return doc, ok
}

// Names lists registered documents in lexical order.
func (r *Registry) Names() []types.DocumentName {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]types.DocumentName, 0, len(r.docs))
	for name := range r.docs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
