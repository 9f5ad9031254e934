package database_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mifka01/cache-server/pkg/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "db.sqlite")

	db, err := database.Open(context.Background(), path)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

func TestCreateAndGetCache(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	c := database.Cache{
		ID: "c1", Name: "cache1", URL: "http://localhost:8080",
		Access: database.AccessPublic, Port: 8080, RetentionDays: 7, Strategy: "in-order",
	}
	require.NoError(t, db.CreateCache(ctx, c))

	got, err := db.GetCacheByName(ctx, "cache1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.Port, got.Port)

	_, err = db.GetCacheByName(ctx, "nope")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCreateCacheDuplicateName(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	c := database.Cache{ID: "c1", Name: "dup", Port: 1}
	require.NoError(t, db.CreateCache(ctx, c))

	c2 := database.Cache{ID: "c2", Name: "dup", Port: 2}
	err := db.CreateCache(ctx, c2)
	assert.ErrorIs(t, err, database.ErrAlreadyExists)
}

func TestUpdateStrategyState(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateCache(ctx, database.Cache{ID: "c1", Name: "c1", Port: 1}))
	require.NoError(t, db.UpdateStrategyState(ctx, "c1", `{"cursor":3}`))

	got, err := db.GetCacheByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, `{"cursor":3}`, got.StrategyState)
}

func TestBackendCRUD(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateCache(ctx, database.Cache{ID: "c1", Name: "c1", Port: 1}))

	b := database.Backend{
		ID: "b1", CacheID: "c1", Name: "local1", Type: "local", Root: "/var/cache",
		Config: map[string]string{"freshness_window": "3600"},
	}
	require.NoError(t, db.CreateBackend(ctx, b))

	backends, err := db.ListBackendsForCache(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, backends, 1)
	assert.Equal(t, "local1", backends[0].Name)
	assert.Equal(t, "3600", backends[0].Config["freshness_window"])

	require.NoError(t, db.DeleteBackend(ctx, "b1"))

	backends, err = db.ListBackendsForCache(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, backends)
}

func TestStorePathResolution(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateCache(ctx, database.Cache{ID: "c1", Name: "c1", Port: 1}))
	require.NoError(t, db.CreateCache(ctx, database.Cache{ID: "c2", Name: "c2", Port: 2}))
	require.NoError(t, db.CreateBackend(ctx, database.Backend{ID: "b1", CacheID: "c1", Name: "local1", Type: "local"}))

	sp := database.StorePath{
		ID: "sp1", CacheID: "c1", BackendID: "b1",
		StoreHash: "aaa0", StoreSuffix: "pkg", FileHash: "bbb0", Codec: "xz",
		References: []string{"ccc0-dep"},
	}
	require.NoError(t, db.CreateStorePath(ctx, sp))

	got, err := db.GetOwnedStorePath(ctx, "c1", "aaa0")
	require.NoError(t, err)
	assert.Equal(t, []string{"ccc0-dep"}, got.References)

	_, err = db.GetOwnedStorePath(ctx, "c2", "aaa0")
	assert.ErrorIs(t, err, database.ErrNotFound)

	sibling, err := db.FindSiblingStorePath(ctx, "aaa0", "c2")
	require.NoError(t, err)
	assert.Equal(t, "c1", sibling.CacheID)

	require.NoError(t, db.DeleteStorePath(ctx, "sp1"))

	_, err = db.GetOwnedStorePath(ctx, "c1", "aaa0")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestDeleteCacheCascades(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateCache(ctx, database.Cache{ID: "c1", Name: "c1", Port: 1}))
	require.NoError(t, db.CreateBackend(ctx, database.Backend{ID: "b1", CacheID: "c1", Name: "local1", Type: "local"}))
	require.NoError(t, db.CreateStorePath(ctx, database.StorePath{
		ID: "sp1", CacheID: "c1", BackendID: "b1", StoreHash: "aaa0", FileHash: "bbb0", Codec: "xz",
	}))

	require.NoError(t, db.DeleteCache(ctx, "c1"))

	_, err := db.GetCacheByID(ctx, "c1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	backends, err := db.ListBackendsForCache(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, backends)
}

func TestWorkspaceAndAgentCRUD(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateWorkspace(ctx, database.Workspace{ID: "w1", Name: "prod"}))
	require.NoError(t, db.CreateAgent(ctx, database.Agent{ID: "a1", WorkspaceID: "w1", Name: "agent1", Host: "10.0.0.1"}))

	workspaces, err := db.ListWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, workspaces, 1)
	assert.Equal(t, "prod", workspaces[0].Name)

	agents, err := db.ListAgents(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent1", agents[0].Name)
}

func TestMarshalUnmarshalDescriptor(t *testing.T) {
	t.Parallel()

	d := database.DescriptorJSON{ID: "c1", Name: "cache1", Access: "public", Port: 8080}

	raw, err := database.MarshalDescriptor(d)
	require.NoError(t, err)

	got, err := database.UnmarshalDescriptor(raw)
	require.NoError(t, err)
	assert.Equal(t, d.Name, got.Name)
}
