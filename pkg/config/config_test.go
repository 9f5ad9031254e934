package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mifka01/cache-server/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestLoadValidDocument(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  database-path: /var/lib/cache-server/db.sqlite
  hostname: node1.example.com
  cache-server-port: 9000
  defaults:
    retention: 30
    storage-type: local
    strategy: in-order
caches:
  - name: cache1
    port: 9300
    access: public
    storages:
      - name: disk1
        root: /var/lib/cache-server/cache1
workspaces:
  - name: ws1
    agents:
      - name: agent1
        host: 10.0.0.1
`)

	doc, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node1.example.com", doc.Server.Hostname)
	require.Len(t, doc.Caches, 1)
	assert.Equal(t, 9300, doc.Caches[0].Port)
	require.NotNil(t, doc.Caches[0].Retention)
	assert.Equal(t, 30, *doc.Caches[0].Retention)
	assert.Equal(t, "in-order", doc.Caches[0].StorageStrategy)
	assert.Equal(t, "local", doc.Caches[0].Storages[0].Type)
}

func TestLoadRejectsDuplicateCacheNames(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  cache-server-port: 9000
caches:
  - name: cache1
    port: 9300
    storages: [{name: disk1, type: local, root: /a}]
  - name: cache1
    port: 9301
    storages: [{name: disk1, type: local, root: /b}]
`)

	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "duplicate cache name")
}

func TestLoadRejectsPortCollision(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  cache-server-port: 9300
caches:
  - name: cache1
    port: 9300
    storages: [{name: disk1, type: local, root: /a}]
`)

	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "port 9300")
}

func TestLoadRejectsOutOfRangePort(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
caches:
  - name: cache1
    port: 70000
    storages: [{name: disk1, type: local, root: /a}]
`)

	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "out of range")
}

func TestLoadRejectsUnknownStorageType(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
caches:
  - name: cache1
    port: 9300
    storages: [{name: disk1, type: nfs, root: /a}]
`)

	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "unknown storage type")
}

func TestLoadRejectsBadSplitPercentages(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
caches:
  - name: cache1
    port: 9300
    storage-strategy: split
    storages:
      - {name: disk1, type: local, root: /a, split: 40}
      - {name: disk2, type: local, root: /b, split: 40}
`)

	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "sum to")
}

func TestLoadAcceptsValidSplitPercentages(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
caches:
  - name: cache1
    port: 9300
    storage-strategy: split
    storages:
      - {name: disk1, type: local, root: /a, split: 60}
      - {name: disk2, type: local, root: /b, split: 40}
`)

	_, err := config.Load(path)
	require.NoError(t, err)
}

func TestLoadRejectsDuplicateAgentName(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
workspaces:
  - name: ws1
    agents:
      - {name: agent1, host: 10.0.0.1}
      - {name: agent1, host: 10.0.0.2}
`)

	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "duplicate agent name")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, config.ErrConfigInvalid)
}
