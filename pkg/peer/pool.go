package peer

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/mifka01/cache-server/pkg/dht"
)

// descriptorDHTKey is the DHT key a cache's descriptor is published under
// (spec.md §4.6: "cache_id -> descriptor is always published").
func descriptorDHTKey(cacheID string) string { return "cache-descriptor:" + cacheID }

// Pool resolves and ranks peers for a given store hash, backed by the DHT
// facade (C5) for discovery (spec.md §4.4).
type Pool struct {
	runner *dht.Runner

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewPool returns a Pool backed by runner. A standalone/nil runner makes
// every resolution return no peers.
func NewPool(runner *dht.Runner) *Pool {
	return &Pool{runner: runner, peers: map[string]*Peer{}}
}

// Resolve returns the Peer for cacheID, creating and caching it from the
// DHT-published descriptor on first use.
func (p *Pool) Resolve(ctx context.Context, cacheID string) (*Peer, bool) {
	p.mu.Lock()
	if existing, ok := p.peers[cacheID]; ok {
		p.mu.Unlock()

		return existing, true
	}
	p.mu.Unlock()

	values, ok := p.runner.Get(ctx, descriptorDHTKey(cacheID))
	if !ok || len(values) == 0 {
		return nil, false
	}

	// A descriptor key can accumulate multiple puts across re-advertisements;
	// spec.md §4.4 step 2 takes the most recent one, i.e. the last value.
	var d Descriptor
	if err := json.Unmarshal([]byte(values[len(values)-1]), &d); err != nil {
		return nil, false
	}

	peer, err := New(d)
	if err != nil {
		return nil, false
	}

	p.mu.Lock()
	p.peers[cacheID] = peer
	p.mu.Unlock()

	return peer, true
}

// PublishDescriptor announces d under its own cache_id (used by C10, the
// advertiser, and exposed here since both share the same DHT key
// convention). The put is transient, not permanent: spec.md §4.6 "the
// descriptor is not marked permanent so a dead node decays from the
// overlay naturally".
func PublishDescriptor(ctx context.Context, runner *dht.Runner, d Descriptor) error {
	encoded, err := json.Marshal(d)
	if err != nil {
		return err
	}

	return runner.Put(ctx, descriptorDHTKey(d.ID), string(encoded))
}

// DescriptorDHTKey exposes descriptorDHTKey to the advertiser (C10), which
// publishes the richer database.DescriptorJSON payload under the same key
// convention Resolve reads from.
func DescriptorDHTKey(cacheID string) string { return descriptorDHTKey(cacheID) }

// ResolveStoreHash returns the peers currently known to own storeHash,
// per spec.md §4.4 step 1: "dht.get(store_hash) -> [cache_id...]".
func (p *Pool) ResolveStoreHash(ctx context.Context, storeHash string) []*Peer {
	cacheIDs, ok := p.runner.Get(ctx, storeHash)
	if !ok {
		return nil
	}

	return p.Candidates(ctx, cacheIDs)
}

// PublishStoreHashOwner announces that cacheID owns storeHash/fileName
// (spec.md §4.6: "store_hash -> cache_id and file_name -> cache_id",
// multiple values per key, never overwritten).
func PublishStoreHashOwner(ctx context.Context, runner *dht.Runner, key, cacheID string) error {
	return runner.Put(ctx, key, cacheID)
}

// Candidates returns the resolvable peers among cacheIDs, excluding any
// whose circuit breaker is currently open, ordered best-Score-first
// (spec.md §4.4: "try sibling caches, best-scored first").
func (p *Pool) Candidates(ctx context.Context, cacheIDs []string) []*Peer {
	candidates := make([]*Peer, 0, len(cacheIDs))

	for _, id := range cacheIDs {
		peer, ok := p.Resolve(ctx, id)
		if !ok || !peer.IsAvailable() {
			continue
		}

		candidates = append(candidates, peer)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score() < candidates[j].Score() })

	return candidates
}
