// Package dht implements the DHT facade (C5): a single process-wide runner
// over a Kademlia overlay, either standalone (no-op) or bootstrapped to a
// peer, grounded on storj/storj's historical pkg/kademlia wrapper around
// github.com/coyle/kademlia and on the Python original's
// opendht-based put(key,value,permanent)/get(key) semantics.
package dht

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	bkad "github.com/coyle/kademlia"
	"github.com/rs/zerolog"
)

// RepublishInterval is how often a permanent key is re-stored while its
// runner is alive (spec.md §4.6: "permanent=true means the local runner
// republishes indefinitely while alive").
const RepublishInterval = 5 * time.Minute

// Options configures a Runner.
type Options struct {
	// Standalone disables the overlay entirely: Put/Get become no-ops
	// (spec.md §4.6 "(a) runs standalone").
	Standalone bool

	ListenIP   string
	ListenPort int

	// BootstrapHost/BootstrapPort join an existing overlay
	// (spec.md §4.6 "(b) joins by bootstrapping").
	BootstrapHost string
	BootstrapPort int
}

// Runner is the process-wide DHT handle. A nil *Runner or one constructed
// with Standalone: true behaves as the "not live" mode of spec.md §4.6:
// every operation is a silent no-op.
type Runner struct {
	opts Options
	dht  *bkad.DHT

	mu        sync.Mutex
	permanent map[string][]string

	stop chan struct{}
}

// New constructs and starts a Runner per opts. A standalone Runner starts no
// network socket.
func New(ctx context.Context, opts Options) (*Runner, error) {
	r := &Runner{opts: opts, permanent: map[string][]string{}, stop: make(chan struct{})}

	if opts.Standalone {
		zerolog.Ctx(ctx).Info().Msg("dht runner starting in standalone mode")

		return r, nil
	}

	dhtOpts := &bkad.Options{
		IP:   opts.ListenIP,
		Port: strconv.Itoa(opts.ListenPort),
	}

	if opts.BootstrapHost != "" {
		dhtOpts.BootstrapNodes = []*bkad.NetworkNode{
			bkad.NewNetworkNode(opts.BootstrapHost, strconv.Itoa(opts.BootstrapPort)),
		}
	}

	d, err := bkad.NewDHT(&bkad.MemoryStore{}, dhtOpts)
	if err != nil {
		return nil, fmt.Errorf("error creating DHT: %w", err)
	}

	if err := d.CreateSocket(); err != nil {
		return nil, fmt.Errorf("error creating DHT socket: %w", err)
	}

	go d.Listen() //nolint:errcheck

	if opts.BootstrapHost != "" {
		if err := d.Bootstrap(); err != nil {
			return nil, fmt.Errorf("error bootstrapping DHT: %w", err)
		}
	}

	r.dht = d

	go r.republishLoop(ctx)

	return r, nil
}

// IsLive reports whether the runner has a live overlay connection.
func (r *Runner) IsLive() bool { return r != nil && r.dht != nil }

// Put stores value under key. If permanent is true, the Runner keeps
// re-storing it every RepublishInterval for as long as it is alive;
// otherwise the value is left to expire per the overlay's own TTL
// (spec.md §4.6).
func (r *Runner) Put(ctx context.Context, key, value string) error { return r.put(ctx, key, value, false) }

// PutPermanent is Put with permanent=true (spec.md §4.6).
func (r *Runner) PutPermanent(ctx context.Context, key, value string) error {
	return r.put(ctx, key, value, true)
}

func (r *Runner) put(ctx context.Context, key, value string, permanent bool) error {
	if !r.IsLive() {
		return nil
	}

	if permanent {
		r.mu.Lock()
		r.permanent[key] = appendUnique(r.permanent[key], value)
		r.mu.Unlock()
	}

	return r.store(ctx, key, value)
}

func (r *Runner) store(ctx context.Context, key, value string) error {
	existing, _ := r.getRaw(ctx, key)
	merged := appendUnique(existing, value)

	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("error encoding DHT values for %q: %w", key, err)
	}

	if err := r.dht.Store(hashKey(key), encoded); err != nil {
		return fmt.Errorf("error storing DHT key %q: %w", key, err)
	}

	return nil
}

// Get returns every known value for key, or (nil, false) if the runner is
// not live or the key is unknown (spec.md §4.6: "get(key) → [values] or
// null if disabled").
func (r *Runner) Get(ctx context.Context, key string) ([]string, bool) {
	if !r.IsLive() {
		return nil, false
	}

	values, ok := r.getRaw(ctx, key)
	if !ok || len(values) == 0 {
		return nil, false
	}

	return values, true
}

func (r *Runner) getRaw(_ context.Context, key string) ([]string, bool) {
	raw, exists, err := r.dht.Get(hashKey(key))
	if err != nil || !exists || len(raw) == 0 {
		return nil, false
	}

	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, false
	}

	return values, true
}

// Close tears down the overlay connection.
func (r *Runner) Close() {
	if r == nil {
		return
	}

	close(r.stop)

	if r.dht != nil {
		r.dht.Disconnect() //nolint:errcheck
	}
}

func (r *Runner) republishLoop(ctx context.Context) {
	ticker := time.NewTicker(RepublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			snapshot := make(map[string][]string, len(r.permanent))
			for k, v := range r.permanent {
				snapshot[k] = v
			}
			r.mu.Unlock()

			for key, values := range snapshot {
				for _, v := range values {
					if err := r.store(ctx, key, v); err != nil {
						zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("error republishing permanent DHT value")
					}
				}
			}
		}
	}
}

func appendUnique(values []string, v string) []string {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}

	return append(values, v)
}

// hashKey derives the overlay's fixed-length key from an arbitrary textual
// key (spec.md §4.6: "Keys are derived by hashing the textual key").
func hashKey(key string) []byte {
	sum := sha1.Sum([]byte(key)) //nolint:gosec

	return sum[:]
}
