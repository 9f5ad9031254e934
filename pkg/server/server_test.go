package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mifka01/cache-server/pkg/cache"
	"github.com/mifka01/cache-server/pkg/database"
	"github.com/mifka01/cache-server/pkg/dht"
	"github.com/mifka01/cache-server/pkg/metrics"
	"github.com/mifka01/cache-server/pkg/multiplex"
	"github.com/mifka01/cache-server/pkg/server"
	"github.com/mifka01/cache-server/pkg/storage"
	"github.com/mifka01/cache-server/pkg/storage/local"
)

func newTestServer(t *testing.T) (*server.Server, *cache.Registry) {
	t.Helper()

	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "db.sqlite")
	db, err := database.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runner, err := dht.New(ctx, dht.Options{Standalone: true})
	require.NoError(t, err)

	registry := cache.NewRegistry(db, runner)

	dir := filepath.Join(t.TempDir(), "cache1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	backend, err := local.New(ctx, "local", dir)
	require.NoError(t, err)

	record := database.Cache{
		ID: "cache1-id", Name: "cache1", URL: "http://cache1.example.com",
		Access: database.AccessPublic, Port: 9100, Strategy: "in-order",
	}
	require.NoError(t, db.CreateCache(ctx, record))
	require.NoError(t, db.CreateBackend(ctx, database.Backend{
		ID: "storage-1", CacheID: record.ID, Name: backend.Name(), Type: "local", Root: dir,
	}))

	mux := multiplex.New([]storage.Backend{backend}, multiplex.InOrder{}, nil, nil)
	recorder := metrics.NewRecorder(prometheus.NewRegistry(), "cache1")

	c := registry.Register(record, mux, recorder, map[string]string{"local": "storage-1"})
	require.NoError(t, c.EnsureKeypair(ctx, "node.example.com"))

	return server.New(registry, runner, ":0"), registry
}

func TestPublicAndAPIHandlersFullUploadLifecycle(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t)

	apiTS := httptest.NewServer(srv.APIHandler())
	defer apiTS.Close()

	publicTS := httptest.NewServer(srv.PublicHandler("cache1"))
	defer publicTS.Close()

	initResp, err := http.Post(
		apiTS.URL+"/api/v1/cache/cache1/multipart-nar?compression=xz", "application/json", nil)
	require.NoError(t, err)
	defer initResp.Body.Close()

	var initBody struct {
		UploadID string `json:"uploadId"`
	}
	require.NoError(t, json.NewDecoder(initResp.Body).Decode(&initBody))
	require.NotEmpty(t, initBody.UploadID)

	putReq, err := http.NewRequest(http.MethodPut, publicTS.URL+"/"+initBody.UploadID, bytes.NewReader([]byte("abc")))
	require.NoError(t, err)

	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	defer putResp.Body.Close()
	assert.Equal(t, http.StatusCreated, putResp.StatusCode)
	assert.Equal(t, "/", putResp.Header.Get("Content-Location"))

	nic := cache.NarInfoCreate{
		StoreHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", StoreSuffix: "pkg",
		FileHash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Codec: "xz",
		FileSize: 3, NarHash: "deadbeef", NarSize: 3,
	}

	nicBytes, err := json.Marshal(nic)
	require.NoError(t, err)

	completeResp, err := http.Post(
		apiTS.URL+"/api/v1/cache/cache1/multipart-nar/"+initBody.UploadID+"/complete",
		"application/json", bytes.NewReader(nicBytes))
	require.NoError(t, err)
	defer completeResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, completeResp.StatusCode)

	narInfoResp, err := http.Get(publicTS.URL + "/" + nic.StoreHash + ".narinfo")
	require.NoError(t, err)
	defer narInfoResp.Body.Close()
	assert.Equal(t, http.StatusOK, narInfoResp.StatusCode)

	body, err := io.ReadAll(narInfoResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/nix/store/"+nic.StoreHash+"-pkg")

	narResp, err := http.Get(publicTS.URL + "/nar/" + nic.FileHash + ".nar.xz")
	require.NoError(t, err)
	defer narResp.Body.Close()
	assert.Equal(t, http.StatusOK, narResp.StatusCode)

	narBytes, err := io.ReadAll(narResp.Body)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(narBytes))

	_, isHit, err := registry.GetNarInfo(context.Background(), "cache1", nic.StoreHash)
	require.NoError(t, err)
	assert.True(t, isHit)
}

func TestAbortUploadReturnsBadRequestForUnknownID(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	apiTS := httptest.NewServer(srv.APIHandler())
	defer apiTS.Close()

	resp, err := http.Post(apiTS.URL+"/api/v1/cache/cache1/multipart-nar/unknown-id/abort", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
