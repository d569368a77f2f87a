package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type entry struct {
	decode func(raw []byte) (Payload, error)
	handle func(ctx context.Context, job Job, p Payload) error
}

// Registry is the single mapping from job kind to payload decoder and handler.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[Kind]entry{}}
}

// Register binds the handler for payload type P. The kind comes from P itself,
// so decoding and dispatch cannot disagree. Registering a kind twice panics.
func Register[P Payload](r *Registry, fn func(ctx context.Context, job Job, p P) error) {
	var zero P
	kind := zero.Kind()
	if fn == nil {
		panic(fmt.Sprintf("jobs: nil handler for %s", kind))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[kind]; dup {
		panic(fmt.Sprintf("jobs: kind %s registered twice", kind))
	}
	r.entries[kind] = entry{
		decode: func(raw []byte) (Payload, error) {
			var p P
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			return p, nil
		},
		handle: func(ctx context.Context, job Job, p Payload) error {
			return fn(ctx, job, p.(P))
		},
	}
}

func (r *Registry) lookup(k Kind) (entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	return e, ok
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	out := make([]Kind, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decode parses a stored payload for its kind.
func (r *Registry) Decode(k Kind, raw []byte) (Payload, error) {
	e, ok := r.lookup(k)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	p, err := e.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", k, err)
	}
	return p, nil
}
