package cache_test

import (
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachepkg "github.com/mifka01/cache-server/pkg/cache"
	"github.com/mifka01/cache-server/pkg/database"
	"github.com/mifka01/cache-server/pkg/dht"
	"github.com/mifka01/cache-server/pkg/metrics"
	"github.com/mifka01/cache-server/pkg/multiplex"
	"github.com/mifka01/cache-server/pkg/nar"
	"github.com/mifka01/cache-server/pkg/storage"
	"github.com/mifka01/cache-server/pkg/storage/local"
)

func testCtx() context.Context { return zerolog.New(io.Discard).WithContext(context.Background()) }

var nextPort int32 = 9000

func allocPort() int { return int(atomic.AddInt32(&nextPort, 1)) }

type harness struct {
	registry *cachepkg.Registry
	db       *database.DB
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "db.sqlite")
	db, err := database.Open(testCtx(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runner, err := dht.New(testCtx(), dht.Options{Standalone: true})
	require.NoError(t, err)

	return &harness{registry: cachepkg.NewRegistry(db, runner), db: db}
}

func (h *harness) registerCache(t *testing.T, name string, access database.Access) (*cachepkg.Cache, storage.Backend) {
	t.Helper()

	c, backend, _ := h.registerCacheWithRecord(t, name, access)

	return c, backend
}

func (h *harness) registerCacheWithRecord(
	t *testing.T, name string, access database.Access,
) (*cachepkg.Cache, storage.Backend, database.Cache) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	backend, err := local.New(testCtx(), name+"-local", dir)
	require.NoError(t, err)

	record := database.Cache{
		ID: name + "-id", Name: name, URL: "http://" + name + ".example.com",
		Access: access, Port: allocPort(), Strategy: "in-order",
	}
	if access == database.AccessPrivate {
		record.Token = name + "-token"
	}
	require.NoError(t, h.db.CreateCache(context.Background(), record))
	require.NoError(t, h.db.CreateBackend(context.Background(), database.Backend{
		ID: "storage-" + name, CacheID: record.ID, Name: backend.Name(), Type: "local", Root: dir,
	}))

	mux := multiplex.New([]storage.Backend{backend}, multiplex.InOrder{}, nil, nil)
	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg, name)

	c := h.registry.Register(record, mux, recorder, map[string]string{backend.Name(): "storage-" + name})
	require.NoError(t, c.EnsureKeypair(testCtx(), "node.example.com"))

	return c, backend, record
}

func TestUploadLifecycleAndOwnedHit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.registerCache(t, "cache1", database.AccessPublic)

	ctx := testCtx()

	uploadID, err := h.registry.InitiateUpload(ctx, "cache1", "xz")
	require.NoError(t, err)

	require.NoError(t, h.registry.PutUploadBody(ctx, "cache1", uploadID, strings.NewReader("\x00\x01\x02")))

	nic := cachepkg.NarInfoCreate{
		StoreHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", StoreSuffix: "pkg",
		FileHash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Codec: "xz",
		FileSize: 3, NarHash: "deadbeef", NarSize: 3,
	}
	require.NoError(t, h.registry.CompleteUpload(ctx, "cache1", uploadID, nic))

	ni, isHit, err := h.registry.GetNarInfo(ctx, "cache1", nic.StoreHash)
	require.NoError(t, err)
	assert.True(t, isHit)
	assert.Equal(t, "/nix/store/"+nic.StoreHash+"-pkg", ni.StorePath)
	require.Len(t, ni.Signatures, 1)

	size, body, err := h.registry.GetNar(ctx, "cache1", nar.URL{Hash: nic.FileHash, Codec: nar.CodecXZ})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), size)
	assert.Equal(t, "\x00\x01\x02", string(data))
}

func TestCompleteUnknownUploadFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.registerCache(t, "cache1", database.AccessPublic)

	err := h.registry.CompleteUpload(testCtx(), "cache1", "no-such-id", cachepkg.NarInfoCreate{})
	assert.ErrorIs(t, err, cachepkg.ErrUploadNotFound)
}

func TestAbortUploadLeavesNoArtifact(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, backend := h.registerCache(t, "cache1", database.AccessPublic)

	ctx := testCtx()

	uploadID, err := h.registry.InitiateUpload(ctx, "cache1", "xz")
	require.NoError(t, err)

	require.NoError(t, h.registry.AbortUpload(ctx, "cache1", uploadID))

	_, err = backend.Find(ctx, uploadID+".nar.xz", true)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = h.registry.AbortUpload(ctx, "cache1", "unknown-id")
	assert.ErrorIs(t, err, cachepkg.ErrUploadNotFound)
}

func TestSiblingResolutionResignsWithRequestingCacheKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.registerCache(t, "owner", database.AccessPublic)
	requester, _ := h.registerCache(t, "requester", database.AccessPublic)

	ctx := testCtx()

	uploadID, err := h.registry.InitiateUpload(ctx, "owner", "xz")
	require.NoError(t, err)
	require.NoError(t, h.registry.PutUploadBody(ctx, "owner", uploadID, strings.NewReader("x")))

	nic := cachepkg.NarInfoCreate{
		StoreHash: "cccccccccccccccccccccccccccccccc", StoreSuffix: "pkg",
		FileHash: "dddddddddddddddddddddddddddddddddddddddddddddddddddd", Codec: "xz",
		FileSize: 1, NarHash: "deadbeef", NarSize: 1,
	}
	require.NoError(t, h.registry.CompleteUpload(ctx, "owner", uploadID, nic))

	ni, isHit, err := h.registry.GetNarInfo(ctx, "requester", nic.StoreHash)
	require.NoError(t, err)
	assert.False(t, isHit)
	require.Len(t, ni.Signatures, 1)

	_, err = requester.PublicKey(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ni.Signatures[0].String(), "requester.node.example.com-1:"))
}

func TestAuthorizePrivateCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c, _, record := h.registerCacheWithRecord(t, "priv", database.AccessPrivate)

	wrong := "Basic " + base64.StdEncoding.EncodeToString([]byte(":wrong-token"))
	good := "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+record.Token))

	assert.ErrorIs(t, c.Authorize(""), cachepkg.ErrUnauthorized)
	assert.ErrorIs(t, c.Authorize(wrong), cachepkg.ErrUnauthorized)
	assert.NoError(t, c.Authorize(good))
}

func TestAuthorizePublicCacheAlwaysAllowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c, _ := h.registerCache(t, "pub", database.AccessPublic)

	assert.NoError(t, c.Authorize(""))
}
