package retention_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachepkg "github.com/mifka01/cache-server/pkg/cache"
	"github.com/mifka01/cache-server/pkg/database"
	"github.com/mifka01/cache-server/pkg/dht"
	"github.com/mifka01/cache-server/pkg/metrics"
	"github.com/mifka01/cache-server/pkg/multiplex"
	"github.com/mifka01/cache-server/pkg/retention"
	"github.com/mifka01/cache-server/pkg/storage"
	"github.com/mifka01/cache-server/pkg/storage/local"
)

func testCtx() context.Context { return zerolog.New(io.Discard).WithContext(context.Background()) }

// complete uploads a nar with storeHash/fileHash/references through the
// normal multipart lifecycle, so the written narinfo/nar files and the
// store-path record match what a live cache would have produced.
func complete(
	t *testing.T, ctx context.Context, registry *cachepkg.Registry,
	cacheName, storeHash, fileHash string, references []string,
) {
	t.Helper()

	uploadID, err := registry.InitiateUpload(ctx, cacheName, "xz")
	require.NoError(t, err)

	require.NoError(t, registry.PutUploadBody(ctx, cacheName, uploadID, strings.NewReader("body")))

	nic := cachepkg.NarInfoCreate{
		StoreHash: storeHash, StoreSuffix: "pkg", FileHash: fileHash, Codec: "xz",
		FileSize: 4, NarHash: "deadbeef", NarSize: 4, References: references,
	}
	require.NoError(t, registry.CompleteUpload(ctx, cacheName, uploadID, nic))
}

func TestRunOnceKeepsFreshAndReferencedRemovesUnreferenced(t *testing.T) {
	t.Parallel()

	ctx := testCtx()

	dbPath := filepath.Join(t.TempDir(), "db.sqlite")
	db, err := database.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runner, err := dht.New(ctx, dht.Options{Standalone: true})
	require.NoError(t, err)

	registry := cachepkg.NewRegistry(db, runner)

	dir := filepath.Join(t.TempDir(), "cache1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	backend, err := local.New(ctx, "local", dir)
	require.NoError(t, err)

	record := database.Cache{
		ID: "cache1-id", Name: "cache1", URL: "http://cache1.example.com",
		Access: database.AccessPublic, Port: 9200, Strategy: "in-order", RetentionDays: 7,
	}
	require.NoError(t, db.CreateCache(ctx, record))
	require.NoError(t, db.CreateBackend(ctx, database.Backend{
		ID: "storage-1", CacheID: record.ID, Name: backend.Name(), Type: "local", Root: dir,
	}))

	mux := multiplex.New([]storage.Backend{backend}, multiplex.InOrder{}, nil, nil)
	recorder := metrics.NewRecorder(prometheus.NewRegistry(), "cache1")

	c := registry.Register(record, mux, recorder, map[string]string{backend.Name(): "storage-1"})
	require.NoError(t, c.EnsureKeypair(ctx, "node.example.com"))

	hashA := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	hashC := "cccccccccccccccccccccccccccccccc"

	// A is fresh and references B. B and C are both past the retention
	// horizon, but B is kept alive through A's reference closure while C,
	// unreferenced, is collected (spec.md §8 GC-with-reference-graph example).
	complete(t, ctx, registry, "cache1", hashA, "11111111111111111111111111111111111111111111111111", []string{hashB + "-pkg"})
	complete(t, ctx, registry, "cache1", hashB, "22222222222222222222222222222222222222222222222222", nil)
	complete(t, ctx, registry, "cache1", hashC, "33333333333333333333333333333333333333333333333333", nil)

	old := time.Now().UTC().AddDate(0, 0, -10)

	spB, err := db.GetOwnedStorePath(ctx, record.ID, hashB)
	require.NoError(t, err)
	require.NoError(t, db.SetStorePathCreatedAt(ctx, spB.ID, old))

	spC, err := db.GetOwnedStorePath(ctx, record.ID, hashC)
	require.NoError(t, err)
	require.NoError(t, db.SetStorePathCreatedAt(ctx, spC.ID, old))

	retention.New(registry).RunOnce(ctx)

	_, err = db.GetOwnedStorePath(ctx, record.ID, hashA)
	assert.NoError(t, err, "A is fresh and must survive")

	_, err = db.GetOwnedStorePath(ctx, record.ID, hashB)
	assert.NoError(t, err, "B is expired but referenced by A and must survive")

	_, err = db.GetOwnedStorePath(ctx, record.ID, hashC)
	assert.Error(t, err, "C is expired and unreferenced and must be collected")

	_, err = backend.Find(ctx, hashC+".narinfo", true)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = backend.Find(ctx, hashB+".narinfo", true)
	assert.NoError(t, err)
}

func TestRunOnceSkipsUnlimitedRetention(t *testing.T) {
	t.Parallel()

	ctx := testCtx()

	dbPath := filepath.Join(t.TempDir(), "db.sqlite")
	db, err := database.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runner, err := dht.New(ctx, dht.Options{Standalone: true})
	require.NoError(t, err)

	registry := cachepkg.NewRegistry(db, runner)

	dir := filepath.Join(t.TempDir(), "cache1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	backend, err := local.New(ctx, "local", dir)
	require.NoError(t, err)

	record := database.Cache{
		ID: "cache1-id", Name: "cache1", URL: "http://cache1.example.com",
		Access: database.AccessPublic, Port: 9201, Strategy: "in-order", RetentionDays: -1,
	}
	require.NoError(t, db.CreateCache(ctx, record))
	require.NoError(t, db.CreateBackend(ctx, database.Backend{
		ID: "storage-1", CacheID: record.ID, Name: backend.Name(), Type: "local", Root: dir,
	}))

	mux := multiplex.New([]storage.Backend{backend}, multiplex.InOrder{}, nil, nil)
	recorder := metrics.NewRecorder(prometheus.NewRegistry(), "cache1")

	c := registry.Register(record, mux, recorder, map[string]string{backend.Name(): "storage-1"})
	require.NoError(t, c.EnsureKeypair(ctx, "node.example.com"))

	hash := "dddddddddddddddddddddddddddddddd"
	complete(t, ctx, registry, "cache1", hash, "44444444444444444444444444444444444444444444444444", nil)

	old := time.Now().UTC().AddDate(0, 0, -3650)

	sp, err := db.GetOwnedStorePath(ctx, record.ID, hash)
	require.NoError(t, err)
	require.NoError(t, db.SetStorePathCreatedAt(ctx, sp.ID, old))

	retention.New(registry).RunOnce(ctx)

	_, err = db.GetOwnedStorePath(ctx, record.ID, hash)
	assert.NoError(t, err, "retention=-1 means unlimited, must never be collected")
}
