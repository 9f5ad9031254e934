package multiplex

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mifka01/cache-server/pkg/storage"
)

// PersistStateFunc persists a strategy's opaque state for a cache, mirroring
// spec.md §4.2: "State updates are persisted after each selection."
type PersistStateFunc func(ctx context.Context, state []byte) error

// Multiplexer groups the back-ends of one cache behind a single placement
// strategy (C2, spec.md §4.2).
type Multiplexer struct {
	mu       sync.Mutex
	backends []storage.Backend
	strategy Strategy
	state    []byte
	persist  PersistStateFunc
}

// New returns a Multiplexer over backends (in stable priority order) using
// strategy, seeded with the persisted state.
func New(backends []storage.Backend, strategy Strategy, state []byte, persist PersistStateFunc) *Multiplexer {
	if persist == nil {
		persist = func(context.Context, []byte) error { return nil }
	}

	return &Multiplexer{backends: backends, strategy: strategy, state: state, persist: persist}
}

// Backends returns the back-ends in priority order.
func (m *Multiplexer) Backends() []storage.Backend {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]storage.Backend(nil), m.backends...)
}

// Write selects a back-end per the configured strategy and saves data under
// path on it, returning the chosen back-end.
func (m *Multiplexer) Write(ctx context.Context, path string, data io.Reader) (storage.Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.backends) == 0 {
		return nil, ErrAllBackendsFull
	}

	idx, newState, err := m.strategy.Select(ctx, m.backends, m.state)
	if err != nil {
		return nil, fmt.Errorf("error selecting a back-end: %w", err)
	}

	chosen := m.backends[idx]

	if _, err := chosen.Save(ctx, path, data); err != nil {
		return nil, fmt.Errorf("error writing to back-end %q: %w", chosen.Name(), err)
	}

	if newState != nil {
		m.state = newState

		if err := m.persist(ctx, m.state); err != nil {
			return chosen, fmt.Errorf("error persisting strategy state: %w", err)
		}
	}

	return chosen, nil
}

// BroadcastNewFile writes data to every back-end unconditionally (spec.md
// §4.2: "If the multiplexer is asked to write to all back-ends (used for
// key material), it broadcasts unconditionally").
func (m *Multiplexer) BroadcastNewFile(ctx context.Context, path string, read func() io.Reader) error {
	m.mu.Lock()
	backends := append([]storage.Backend(nil), m.backends...)
	m.mu.Unlock()

	for _, b := range backends {
		if err := b.NewFile(ctx, path, read()); err != nil {
			return fmt.Errorf("error broadcasting to back-end %q: %w", b.Name(), err)
		}
	}

	return nil
}

// Find asks each back-end in order for name, returning the first hit
// (spec.md §4.2: "the first hit wins. Ordering is stable.").
func (m *Multiplexer) Find(ctx context.Context, name string, strict bool) (string, storage.Backend, bool) {
	m.mu.Lock()
	backends := append([]storage.Backend(nil), m.backends...)
	m.mu.Unlock()

	for _, b := range backends {
		found, err := b.Find(ctx, name, strict)
		if err != nil {
			continue
		}

		if found != "" {
			return found, b, true
		}
	}

	return "", nil, false
}

// Read resolves name through Find and opens it on the owning back-end.
func (m *Multiplexer) Read(ctx context.Context, name string) (int64, io.ReadCloser, error) {
	found, backend, ok := m.Find(ctx, name, true)
	if !ok {
		return 0, nil, storage.ErrNotFound
	}

	return backend.Read(ctx, found)
}
