// Package cache implements the cache request engine (C8): narinfo/NAR
// resolution across owned, sibling, and remote sources, the multipart
// upload state machine, and per-response signing, grounded on the
// teacher's pkg/cache.Cache generalized from one node-wide cache to a
// registry of independently configured caches sharing one metadata store.
package cache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"github.com/rs/zerolog"

	"github.com/mifka01/cache-server/pkg/database"
	"github.com/mifka01/cache-server/pkg/dht"
	"github.com/mifka01/cache-server/pkg/helper"
	"github.com/mifka01/cache-server/pkg/metrics"
	"github.com/mifka01/cache-server/pkg/multiplex"
	"github.com/mifka01/cache-server/pkg/nar"
	"github.com/mifka01/cache-server/pkg/peer"
	"github.com/mifka01/cache-server/pkg/storage"
)

var (
	// ErrCacheNotFound is returned when a cache name is not registered with
	// this Registry.
	ErrCacheNotFound = errors.New("cache not found")

	// ErrNotFound is returned when a narinfo/NAR cannot be resolved by any
	// of the paths in spec.md §4.3.1/§4.3.2.
	ErrNotFound = errors.New("not found")

	// ErrUploadNotFound is returned for a PUT/complete/abort against an
	// unknown or already-completed upload id (spec.md §4.3.3 idempotence).
	ErrUploadNotFound = errors.New("upload not found")

	// ErrUnauthorized is returned for a private cache request with a
	// missing or mismatched bearer token.
	ErrUnauthorized = errors.New("unauthorized")

	// keyPrivName/keyPubName are the reserved key-material filenames
	// (spec.md §3: "A file named key.* inside any back-end is reserved").
	keyPrivName = "key.priv"
	keyPubName  = "key.pub"
)

// uploadSlot tracks one in-flight multipart upload (spec.md §4.3.3: states
// reserved -> completed | aborted).
type uploadSlot struct {
	path    string
	codec   string
	backend storage.Backend
}

// Cache is one configured cache node entry: its descriptor, its storage
// multiplexer, its metrics, and its in-flight uploads.
type Cache struct {
	record database.Cache

	mux     *multiplex.Multiplexer
	metrics *metrics.Recorder

	muUploads sync.Mutex
	uploads   map[string]*uploadSlot

	muCachedPaths sync.Mutex
	cachedPaths   map[string]*peer.Peer // nar URL string -> peer, spec.md §5

	// backendIDs maps a back-end's Name() to its persisted storage row id,
	// since store_path.storage_id is a foreign key but storage.Backend only
	// exposes the human name.
	backendIDs map[string]string
}

// Registry holds every cache configured on this node plus the shared
// subsystems they resolve sibling/remote lookups through (C4 metadata
// store, C5 DHT facade, C7 remote-cache helper).
type Registry struct {
	db    *database.DB
	dht   *dht.Runner
	peers *peer.Pool

	mu     sync.RWMutex
	caches map[string]*Cache
}

// NewRegistry constructs an empty Registry.
func NewRegistry(db *database.DB, dhtRunner *dht.Runner) *Registry {
	return &Registry{
		db:     db,
		dht:    dhtRunner,
		peers:  peer.NewPool(dhtRunner),
		caches: map[string]*Cache{},
	}
}

// Register adds a configured cache backed by mux, indexed by both name and
// id. backendIDs maps each back-end's Name() to its persisted storage row
// id.
func (r *Registry) Register(
	record database.Cache,
	mux *multiplex.Multiplexer,
	recorder *metrics.Recorder,
	backendIDs map[string]string,
) *Cache {
	c := &Cache{
		record:      record,
		mux:         mux,
		metrics:     recorder,
		uploads:     map[string]*uploadSlot{},
		cachedPaths: map[string]*peer.Peer{},
		backendIDs:  backendIDs,
	}

	r.mu.Lock()
	r.caches[record.Name] = c
	r.mu.Unlock()

	return c
}

func (r *Registry) byName(name string) (*Cache, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caches[name]
	if !ok {
		return nil, ErrCacheNotFound
	}

	return c, nil
}

func (r *Registry) byID(id string) (*Cache, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.caches {
		if c.record.ID == id {
			return c, true
		}
	}

	return nil, false
}

// Authorize enforces spec.md §4.3 authorization for private caches: the
// credential arrives base64-wrapped as "user:token" and the token suffix
// must equal the cache's token (matching the ground-truth original's
// `base64.b64decode(...).decode("utf-8")[1:] != cache.token`).
func (c *Cache) Authorize(authHeader string) error {
	if c.record.Access != database.AccessPrivate {
		return nil
	}

	fields := strings.Fields(authHeader)
	if len(fields) != 2 {
		return ErrUnauthorized
	}

	decoded, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return ErrUnauthorized
	}

	_, token, ok := strings.Cut(string(decoded), ":")
	if !ok || token != c.record.Token {
		return ErrUnauthorized
	}

	return nil
}

// EnsureKeypair generates and broadcasts an ed25519 signing keypair to
// every back-end if key.priv is not already present (spec.md §3, §4.3.4).
func (c *Cache) EnsureKeypair(ctx context.Context, serverHostname string) error {
	if _, _, ok := c.mux.Find(ctx, keyPrivName, true); ok {
		return nil
	}

	name := fmt.Sprintf("%s.%s-1", c.record.Name, serverHostname)

	sk, pk, err := signature.GenerateKeypair(name, nil)
	if err != nil {
		return fmt.Errorf("error generating signing keypair: %w", err)
	}

	if err := c.mux.BroadcastNewFile(ctx, keyPrivName, func() io.Reader { return strings.NewReader(sk.String()) }); err != nil {
		return fmt.Errorf("error broadcasting private key: %w", err)
	}

	if err := c.mux.BroadcastNewFile(ctx, keyPubName, func() io.Reader { return strings.NewReader(pk.String()) }); err != nil {
		return fmt.Errorf("error broadcasting public key: %w", err)
	}

	return nil
}

func (c *Cache) secretKey(ctx context.Context) (signature.SecretKey, error) {
	found, backend, ok := c.mux.Find(ctx, keyPrivName, true)
	if !ok {
		return signature.SecretKey{}, fmt.Errorf("%w: key.priv", ErrNotFound)
	}

	_, body, err := backend.Read(ctx, found)
	if err != nil {
		return signature.SecretKey{}, fmt.Errorf("error reading key.priv: %w", err)
	}

	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return signature.SecretKey{}, fmt.Errorf("error reading key.priv: %w", err)
	}

	sk, err := signature.LoadSecretKey(string(raw))
	if err != nil {
		return signature.SecretKey{}, fmt.Errorf("error loading secret key: %w", err)
	}

	return sk, nil
}

// PublicKey returns the cache's ed25519 public key.
func (c *Cache) PublicKey(ctx context.Context) (signature.PublicKey, error) {
	sk, err := c.secretKey(ctx)
	if err != nil {
		return signature.PublicKey{}, err
	}

	return sk.ToPublicKey(), nil
}

func (c *Cache) sign(ctx context.Context, ni *narinfo.NarInfo) error {
	sk, err := c.secretKey(ctx)
	if err != nil {
		return err
	}

	return peer.Resign(ctx, ni, sk)
}

// GetNarInfo resolves hash per spec.md §4.3.1, returning the narinfo and
// whether the resolution was an owned local hit (for C6 accounting).
func (r *Registry) GetNarInfo(ctx context.Context, cacheName, hash string) (*narinfo.NarInfo, bool, error) {
	c, err := r.byName(cacheName)
	if err != nil {
		return nil, false, err
	}

	if _, err := r.db.GetOwnedStorePath(ctx, c.record.ID, hash); err == nil {
		ni, ok := readNarInfo(ctx, c.mux, hash)
		if ok {
			return ni, true, nil
		}
	}

	if sp, err := r.db.FindSiblingStorePath(ctx, hash, c.record.ID); err == nil {
		if sibling, ok := r.byID(sp.CacheID); ok {
			if ni, ok := readNarInfo(ctx, sibling.mux, hash); ok {
				if err := c.sign(ctx, ni); err != nil {
					return nil, false, fmt.Errorf("error re-signing sibling narinfo: %w", err)
				}

				return ni, false, nil
			}
		}
	}

	candidates := r.peers.ResolveStoreHash(ctx, hash)
	for _, p := range candidates {
		_ = p.Ping(ctx) //nolint:errcheck
	}

	rescored := make([]*peer.Peer, 0, len(candidates))

	for _, p := range candidates {
		if p.IsAvailable() {
			rescored = append(rescored, p)
		}
	}

	sortPeersByScore(rescored)

	for _, p := range rescored {
		ni, err := p.GetNarInfo(ctx, hash)
		if err != nil {
			continue
		}

		if err := c.sign(ctx, ni); err != nil {
			return nil, false, fmt.Errorf("error re-signing remote narinfo: %w", err)
		}

		narURL, err := nar.ParseURL(ni.URL)
		if err == nil {
			c.muCachedPaths.Lock()
			c.cachedPaths[narURL.String()] = p
			c.muCachedPaths.Unlock()
		}

		return ni, false, nil
	}

	return nil, false, ErrNotFound
}

func readNarInfo(ctx context.Context, mux *multiplex.Multiplexer, hash string) (*narinfo.NarInfo, bool) {
	found, backend, ok := mux.Find(ctx, helper.NarInfoFilePath(hash), true)
	if !ok {
		return nil, false
	}

	_, body, err := backend.Read(ctx, found)
	if err != nil {
		return nil, false
	}

	defer body.Close()

	ni, err := narinfo.Parse(body)
	if err != nil {
		return nil, false
	}

	return ni, true
}

// GetNar resolves a NAR body per spec.md §4.3.2. The caller must close the
// returned body.
func (r *Registry) GetNar(ctx context.Context, cacheName string, narURL nar.URL) (int64, io.ReadCloser, error) {
	c, err := r.byName(cacheName)
	if err != nil {
		return 0, nil, err
	}

	name := narURL.FileName()

	if found, backend, ok := c.mux.Find(ctx, name, true); ok {
		size, body, err := backend.Read(ctx, found)
		if err == nil {
			return size, body, nil
		}
	}

	if sp, err := r.db.FindSiblingStorePathByFileHash(ctx, narURL.Hash, c.record.ID); err == nil {
		if sibling, ok := r.byID(sp.CacheID); ok {
			if found, backend, ok := sibling.mux.Find(ctx, name, true); ok {
				size, body, err := backend.Read(ctx, found)
				if err == nil {
					return size, body, nil
				}
			}
		}
	}

	c.muCachedPaths.Lock()
	p, ok := c.cachedPaths[narURL.String()]
	if ok {
		delete(c.cachedPaths, narURL.String())
	}
	c.muCachedPaths.Unlock()

	if ok {
		body, size, err := p.GetNar(ctx, narURL)
		if err == nil {
			return size, body, nil
		}
	}

	return 0, nil, ErrNotFound
}

// RecordRequest feeds C6 accounting for a served request.
func (r *Registry) RecordRequest(cacheName string, isHit bool, elapsedSeconds float64) {
	c, err := r.byName(cacheName)
	if err != nil {
		return
	}

	c.metrics.RecordRequest(isHit, secondsToDuration(elapsedSeconds))
}

// NarInfoCreate is the payload of a multipart-upload completion request
// (spec.md §4.3.3).
type NarInfoCreate struct {
	StoreHash   string
	StoreSuffix string
	FileHash    string
	Codec       string
	FileSize    uint64
	NarHash     string
	NarSize     uint64
	Deriver     string
	References  []string
}

// InitiateUpload reserves an upload slot and returns its id (spec.md
// §4.3.3 "Initiate").
func (r *Registry) InitiateUpload(ctx context.Context, cacheName, codec string) (string, error) {
	c, err := r.byName(cacheName)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	path := id + ".nar." + codec

	backend, err := c.mux.Write(ctx, path, strings.NewReader(""))
	if err != nil {
		return "", fmt.Errorf("error reserving upload slot: %w", err)
	}

	c.muUploads.Lock()
	c.uploads[id] = &uploadSlot{path: path, codec: codec, backend: backend}
	c.muUploads.Unlock()

	if err := peer.PublishStoreHashOwner(ctx, r.dht, path, c.record.ID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("upload_id", id).Msg("error publishing upload slot owner")
	}

	return id, nil
}

// UploadURL returns the PUT target for an upload id (spec.md §4.3.3
// "Upload-URL").
func (c *Cache) UploadURL(uploadID string) string { return c.record.URL + "/" + uploadID }

// PutUploadBody writes the request body to the reserved upload's owning
// back-end (spec.md §4.3.3 "PUT body").
func (r *Registry) PutUploadBody(ctx context.Context, cacheName, uploadID string, body io.Reader) error {
	c, err := r.byName(cacheName)
	if err != nil {
		return err
	}

	c.muUploads.Lock()
	slot, ok := c.uploads[uploadID]
	c.muUploads.Unlock()

	if !ok {
		return ErrUploadNotFound
	}

	if _, err := slot.backend.Save(ctx, slot.path, body); err != nil {
		return fmt.Errorf("error writing upload body: %w", err)
	}

	return nil
}

// CompleteUpload finalizes an upload: renames the reserved file to its
// content-addressed name, records the store-path, and (for public caches)
// publishes ownership to the DHT (spec.md §4.3.3 "Complete").
//
// A rename collision with an existing <file_hash>.nar.<codec> is rejected
// rather than replaced or deduped (spec.md §9 open question 1).
func (r *Registry) CompleteUpload(ctx context.Context, cacheName, uploadID string, nic NarInfoCreate) error {
	c, err := r.byName(cacheName)
	if err != nil {
		return err
	}

	c.muUploads.Lock()
	slot, ok := c.uploads[uploadID]
	if ok {
		delete(c.uploads, uploadID)
	}
	c.muUploads.Unlock()

	if !ok {
		return ErrUploadNotFound
	}

	finalName := helper.NarFilePath(nic.FileHash, nic.Codec)

	if err := slot.backend.Rename(ctx, slot.path, finalName); err != nil {
		return fmt.Errorf("error finalizing upload: %w", err)
	}

	if err := c.writeNarInfo(ctx, slot.backend, nic); err != nil {
		return fmt.Errorf("error writing narinfo: %w", err)
	}

	sp := database.StorePath{
		ID:          uuid.NewString(),
		CacheID:     c.record.ID,
		BackendID:   c.backendIDs[slot.backend.Name()],
		StoreHash:   nic.StoreHash,
		StoreSuffix: nic.StoreSuffix,
		FileHash:    nic.FileHash,
		Codec:       nic.Codec,
		FileSize:    nic.FileSize,
		NarHash:     nic.NarHash,
		NarSize:     nic.NarSize,
		Deriver:     nic.Deriver,
		References:  nic.References,
	}

	if err := r.db.CreateStorePath(ctx, sp); err != nil {
		return fmt.Errorf("error recording store path: %w", err)
	}

	if c.record.Access == database.AccessPublic {
		if err := peer.PublishStoreHashOwner(ctx, r.dht, nic.StoreHash, c.record.ID); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("error publishing store hash owner")
		}

		if err := peer.PublishStoreHashOwner(ctx, r.dht, finalName, c.record.ID); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("error publishing file name owner")
		}
	}

	return nil
}

// writeNarInfo assembles and signs the narinfo text for a just-completed
// upload and writes it to the owning back-end (spec.md §4.3.4: the signing
// key is read fresh on every sign call).
func (c *Cache) writeNarInfo(ctx context.Context, backend storage.Backend, nic NarInfoCreate) error {
	storePath := "/nix/store/" + nic.StoreHash + "-" + nic.StoreSuffix

	ni := &narinfo.NarInfo{
		StorePath:   storePath,
		URL:         nar.URL{Hash: nic.FileHash, Codec: nar.Codec(nic.Codec)}.String(),
		Compression: nic.Codec,
		FileHash:    "sha256:" + nic.FileHash,
		FileSize:    nic.FileSize,
		NarHash:     nic.NarHash,
		NarSize:     nic.NarSize,
		Deriver:     nic.Deriver,
		References:  nic.References,
	}

	if err := c.sign(ctx, ni); err != nil {
		return err
	}

	return backend.NewFile(ctx, helper.NarInfoFilePath(nic.StoreHash), strings.NewReader(ni.String()))
}

// AbortUpload removes a reserved upload's file without recording anything
// (spec.md §4.3.3 "Abort").
func (r *Registry) AbortUpload(ctx context.Context, cacheName, uploadID string) error {
	c, err := r.byName(cacheName)
	if err != nil {
		return err
	}

	c.muUploads.Lock()
	slot, ok := c.uploads[uploadID]
	if ok {
		delete(c.uploads, uploadID)
	}
	c.muUploads.Unlock()

	if !ok {
		return ErrUploadNotFound
	}

	if err := slot.backend.Remove(ctx, slot.path); err != nil {
		return fmt.Errorf("error removing aborted upload: %w", err)
	}

	return nil
}

// MissingHashes returns which of hashes cacheName does not already own
// (spec.md §6: "POST /api/v1/cache/<name>/narinfo returns missing hashes").
func (r *Registry) MissingHashes(ctx context.Context, cacheName string, hashes []string) ([]string, error) {
	c, err := r.byName(cacheName)
	if err != nil {
		return nil, err
	}

	missing := make([]string, 0, len(hashes))

	for _, h := range hashes {
		if _, err := r.db.GetOwnedStorePath(ctx, c.record.ID, h); err != nil {
			missing = append(missing, h)
		}
	}

	return missing, nil
}

// Record returns the persisted descriptor of cacheName, used by the
// advertiser to find each cache's id and access mode.
func (r *Registry) Record(cacheName string) (database.Cache, error) {
	c, err := r.byName(cacheName)
	if err != nil {
		return database.Cache{}, err
	}

	return c.record, nil
}

// Authorize enforces authorization for cacheName (spec.md §4.3).
func (r *Registry) Authorize(cacheName, authHeader string) error {
	c, err := r.byName(cacheName)
	if err != nil {
		return err
	}

	return c.Authorize(authHeader)
}

// UploadURL returns the PUT target for an upload id on cacheName.
func (r *Registry) UploadURL(cacheName, uploadID string) (string, error) {
	c, err := r.byName(cacheName)
	if err != nil {
		return "", err
	}

	return c.UploadURL(uploadID), nil
}

// Names returns every configured cache name, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}

	return names
}

// DB returns the metadata store shared by every registered cache, for
// components (retention GC, advertiser) that need to query store-path
// records directly rather than through a Cache.
func (r *Registry) DB() *database.DB { return r.db }

// DHT returns the process-wide DHT runner shared by every registered
// cache, for components (advertiser) that publish outside the request
// path.
func (r *Registry) DHT() *dht.Runner { return r.dht }

// GCTarget names one registered cache's retention horizon and storage
// multiplexer, the minimum a garbage collector needs to scan a cache's
// back-ends without depending on the cache package's internals.
type GCTarget struct {
	CacheID       string
	CacheName     string
	RetentionDays int
	Mux           *multiplex.Multiplexer
}

// GCTargets returns one GCTarget per registered cache, a snapshot taken
// under the registry lock.
func (r *Registry) GCTargets() []GCTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]GCTarget, 0, len(r.caches))

	for _, c := range r.caches {
		targets = append(targets, GCTarget{
			CacheID:       c.record.ID,
			CacheName:     c.record.Name,
			RetentionDays: c.record.RetentionDays,
			Mux:           c.mux,
		})
	}

	return targets
}

// Descriptor assembles the full cache descriptor the advertiser publishes
// to the DHT every ADVERTISING_INTERVAL (spec.md §4.6: "id, name, url,
// token, access, port, metrics, available_space, retention, storage
// summary").
func (r *Registry) Descriptor(ctx context.Context, cacheName string) (database.DescriptorJSON, error) {
	c, err := r.byName(cacheName)
	if err != nil {
		return database.DescriptorJSON{}, err
	}

	pk, err := c.PublicKey(ctx)
	if err != nil {
		return database.DescriptorJSON{}, fmt.Errorf("error reading public key: %w", err)
	}

	snap := c.metrics.Snapshot()

	var availableSpace uint64

	storageSummary := make([]string, 0, len(c.mux.Backends()))

	for _, backend := range c.mux.Backends() {
		if space, err := backend.AvailableSpace(ctx); err == nil {
			availableSpace += space
		}

		storageSummary = append(storageSummary, backend.Name())
	}

	return database.DescriptorJSON{
		ID:             c.record.ID,
		Name:           c.record.Name,
		URL:            c.record.URL,
		Token:          c.record.Token,
		Access:         string(c.record.Access),
		Port:           c.record.Port,
		RetentionDays:  c.record.RetentionDays,
		RequestCount:   snap.RequestCount,
		HitCount:       snap.HitCount,
		MissCount:      snap.MissCount,
		LoadScore:      snap.LoadScore(),
		AvailableSpace: availableSpace,
		StorageSummary: storageSummary,
		PublicKey:      pk.String(),
	}, nil
}
