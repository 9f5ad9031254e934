// Package database is the metadata store (C4): cache/back-end/store-path
// persistence plus the workspace/agent tables, backed by SQLite
// (github.com/mattn/go-sqlite3), ported from the shape of the teacher's
// pkg/database (query constants + a thin wrapper type) simplified to the
// single dialect spec.md §1 scopes this system to.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS binary_cache (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	access TEXT NOT NULL DEFAULT 'public',
	port INTEGER NOT NULL UNIQUE,
	retention_days INTEGER NOT NULL DEFAULT -1,
	strategy TEXT NOT NULL DEFAULT 'in-order',
	strategy_state TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS storage (
	id TEXT PRIMARY KEY,
	cache_id TEXT NOT NULL REFERENCES binary_cache(id),
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	root TEXT NOT NULL DEFAULT '',
	UNIQUE(cache_id, name)
);

CREATE TABLE IF NOT EXISTS storage_config (
	storage_id TEXT NOT NULL REFERENCES storage(id),
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (storage_id, key)
);

CREATE TABLE IF NOT EXISTS store_path (
	id TEXT PRIMARY KEY,
	cache_id TEXT NOT NULL REFERENCES binary_cache(id),
	storage_id TEXT NOT NULL REFERENCES storage(id),
	store_hash TEXT NOT NULL,
	store_suffix TEXT NOT NULL DEFAULT '',
	file_hash TEXT NOT NULL,
	codec TEXT NOT NULL,
	file_size INTEGER NOT NULL DEFAULT 0,
	nar_hash TEXT NOT NULL DEFAULT '',
	nar_size INTEGER NOT NULL DEFAULT 0,
	deriver TEXT NOT NULL DEFAULT '',
	"references" TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(cache_id, store_hash)
);

CREATE INDEX IF NOT EXISTS idx_store_path_store_hash ON store_path(store_hash);
CREATE INDEX IF NOT EXISTS idx_store_path_file_hash ON store_path(file_hash);

CREATE TABLE IF NOT EXISTS workspace (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agent (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspace(id),
	name TEXT NOT NULL,
	host TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(workspace_id, name)
);
`

// DB wraps a *sql.DB opened against a SQLite file, exposing the typed
// queries the rest of the system uses instead of raw SQL.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	sdb, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite database %q: %w", path, err)
	}

	sdb.SetMaxOpenConns(1)

	if _, err := sdb.ExecContext(ctx, schema); err != nil {
		sdb.Close()

		return nil, fmt.Errorf("error applying schema: %w", err)
	}

	return &DB{sql: sdb}, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.sql.Close() }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	if IsUniqueConstraintError(err) {
		return ErrAlreadyExists
	}

	return err
}

// CreateCache inserts a new cache descriptor.
func (db *DB) CreateCache(ctx context.Context, c Cache) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO binary_cache (id, name, url, token, access, port, retention_days, strategy, strategy_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.URL, c.Token, string(c.Access), c.Port, c.RetentionDays, c.Strategy, c.StrategyState,
	)

	return wrapErr(err)
}

func scanCache(row interface {
	Scan(dest ...any) error
}) (Cache, error) {
	var (
		c         Cache
		access    string
		updatedAt sql.NullTime
	)

	err := row.Scan(
		&c.ID, &c.Name, &c.URL, &c.Token, &access, &c.Port,
		&c.RetentionDays, &c.Strategy, &c.StrategyState, &c.CreatedAt, &updatedAt,
	)
	if err != nil {
		return Cache{}, wrapErr(err)
	}

	c.Access = Access(access)
	if updatedAt.Valid {
		c.UpdatedAt = updatedAt.Time
	}

	return c, nil
}

const cacheColumns = `id, name, url, token, access, port, retention_days, strategy, strategy_state, created_at, updated_at`

// GetCacheByName returns the cache named name.
func (db *DB) GetCacheByName(ctx context.Context, name string) (Cache, error) {
	row := db.sql.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM binary_cache WHERE name = ?`, name)

	return scanCache(row)
}

// GetCacheByID returns the cache with the given id.
func (db *DB) GetCacheByID(ctx context.Context, id string) (Cache, error) {
	row := db.sql.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM binary_cache WHERE id = ?`, id)

	return scanCache(row)
}

// ListCaches returns every cache descriptor.
func (db *DB) ListCaches(ctx context.Context) ([]Cache, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT `+cacheColumns+` FROM binary_cache ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("error listing caches: %w", err)
	}

	defer rows.Close()

	var caches []Cache

	for rows.Next() {
		c, err := scanCache(rows)
		if err != nil {
			return nil, err
		}

		caches = append(caches, c)
	}

	return caches, rows.Err()
}

// UpdateStrategyState persists the multiplexer's strategy state for cache id.
func (db *DB) UpdateStrategyState(ctx context.Context, id, state string) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE binary_cache SET strategy_state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		state, id,
	)
	if err != nil {
		return fmt.Errorf("error updating strategy state: %w", err)
	}

	return checkRowsAffected(res)
}

// DeleteCache removes a cache and all of its back-ends and store-path
// records (spec.md §3 "Lifecycle").
func (db *DB) DeleteCache(ctx context.Context, id string) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM store_path WHERE cache_id = ?`, id); err != nil {
		return fmt.Errorf("error deleting store paths: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM storage_config WHERE storage_id IN (SELECT id FROM storage WHERE cache_id = ?)`, id); err != nil {
		return fmt.Errorf("error deleting storage config: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM storage WHERE cache_id = ?`, id); err != nil {
		return fmt.Errorf("error deleting storage: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM binary_cache WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("error deleting cache: %w", err)
	}

	if err := checkRowsAffected(res); err != nil {
		return err
	}

	return tx.Commit()
}

// CreateBackend inserts a storage back-end descriptor and its config_map.
func (db *DB) CreateBackend(ctx context.Context, b Backend) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO storage (id, cache_id, name, type, root) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.CacheID, b.Name, b.Type, b.Root,
	)
	if err != nil {
		return wrapErr(err)
	}

	for k, v := range b.Config {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO storage_config (storage_id, key, value) VALUES (?, ?, ?)`,
			b.ID, k, v,
		); err != nil {
			return fmt.Errorf("error inserting storage config %q: %w", k, err)
		}
	}

	return tx.Commit()
}

// ListBackendsForCache returns every back-end descriptor of cacheID, in
// insertion order, with config_map populated.
func (db *DB) ListBackendsForCache(ctx context.Context, cacheID string) ([]Backend, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, cache_id, name, type, root FROM storage WHERE cache_id = ? ORDER BY rowid`, cacheID)
	if err != nil {
		return nil, fmt.Errorf("error listing back-ends: %w", err)
	}

	defer rows.Close()

	var backends []Backend

	for rows.Next() {
		var b Backend

		if err := rows.Scan(&b.ID, &b.CacheID, &b.Name, &b.Type, &b.Root); err != nil {
			return nil, fmt.Errorf("error scanning back-end: %w", err)
		}

		backends = append(backends, b)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range backends {
		cfg, err := db.getStorageConfig(ctx, backends[i].ID)
		if err != nil {
			return nil, err
		}

		backends[i].Config = cfg
	}

	return backends, nil
}

func (db *DB) getStorageConfig(ctx context.Context, storageID string) (map[string]string, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT key, value FROM storage_config WHERE storage_id = ?`, storageID)
	if err != nil {
		return nil, fmt.Errorf("error reading storage config: %w", err)
	}

	defer rows.Close()

	cfg := map[string]string{}

	for rows.Next() {
		var k, v string

		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}

		cfg[k] = v
	}

	return cfg, rows.Err()
}

// DeleteBackend removes a back-end and its config rows. Callers are
// responsible for the spec.md §9 open question of what to do with any
// store-path rows still pointing at it.
func (db *DB) DeleteBackend(ctx context.Context, id string) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM storage_config WHERE storage_id = ?`, id); err != nil {
		return fmt.Errorf("error deleting storage config: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM storage WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("error deleting storage: %w", err)
	}

	if err := checkRowsAffected(res); err != nil {
		return err
	}

	return tx.Commit()
}

const storePathColumns = `id, cache_id, storage_id, store_hash, store_suffix, file_hash, codec,
	file_size, nar_hash, nar_size, deriver, "references", created_at`

// CreateStorePath inserts a store-path record on upload completion
// (spec.md §4.3.3).
func (db *DB) CreateStorePath(ctx context.Context, sp StorePath) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO store_path (`+storePathColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		sp.ID, sp.CacheID, sp.BackendID, sp.StoreHash, sp.StoreSuffix, sp.FileHash, sp.Codec,
		sp.FileSize, sp.NarHash, sp.NarSize, sp.Deriver, strings.Join(sp.References, ","),
	)

	return wrapErr(err)
}

func scanStorePath(row interface {
	Scan(dest ...any) error
}) (StorePath, error) {
	var (
		sp   StorePath
		refs string
	)

	err := row.Scan(
		&sp.ID, &sp.CacheID, &sp.BackendID, &sp.StoreHash, &sp.StoreSuffix, &sp.FileHash, &sp.Codec,
		&sp.FileSize, &sp.NarHash, &sp.NarSize, &sp.Deriver, &refs, &sp.CreatedAt,
	)
	if err != nil {
		return StorePath{}, wrapErr(err)
	}

	if refs != "" {
		sp.References = strings.Split(refs, ",")
	}

	return sp, nil
}

// GetOwnedStorePath returns the store-path record owned by (cacheID,
// storeHash) — spec.md §4.3.1 step 1.
func (db *DB) GetOwnedStorePath(ctx context.Context, cacheID, storeHash string) (StorePath, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT `+storePathColumns+` FROM store_path WHERE cache_id = ? AND store_hash = ?`,
		cacheID, storeHash,
	)

	return scanStorePath(row)
}

// FindSiblingStorePath returns any store-path record with storeHash owned by
// a cache other than excludeCacheID on this node — spec.md §4.3.1 step 2.
func (db *DB) FindSiblingStorePath(ctx context.Context, storeHash, excludeCacheID string) (StorePath, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT `+storePathColumns+` FROM store_path WHERE store_hash = ? AND cache_id != ? LIMIT 1`,
		storeHash, excludeCacheID,
	)

	return scanStorePath(row)
}

// FindSiblingStorePathByFileHash returns any store-path record with
// fileHash owned by a cache other than excludeCacheID on this node —
// spec.md §4.3.2 step 2.
func (db *DB) FindSiblingStorePathByFileHash(ctx context.Context, fileHash, excludeCacheID string) (StorePath, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT `+storePathColumns+` FROM store_path WHERE file_hash = ? AND cache_id != ? LIMIT 1`,
		fileHash, excludeCacheID,
	)

	return scanStorePath(row)
}

// ListStorePathsForCache returns every store-path record owned by cacheID,
// used by GC and the advertiser's start-up republish.
func (db *DB) ListStorePathsForCache(ctx context.Context, cacheID string) ([]StorePath, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT `+storePathColumns+` FROM store_path WHERE cache_id = ?`, cacheID)
	if err != nil {
		return nil, fmt.Errorf("error listing store paths: %w", err)
	}

	defer rows.Close()

	var out []StorePath

	for rows.Next() {
		sp, err := scanStorePath(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, sp)
	}

	return out, rows.Err()
}

// DeleteStorePath removes a store-path record by id.
func (db *DB) DeleteStorePath(ctx context.Context, id string) error {
	res, err := db.sql.ExecContext(ctx, `DELETE FROM store_path WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("error deleting store path %q: %w", id, err)
	}

	return checkRowsAffected(res)
}

// SetStorePathCreatedAt overrides a store-path record's creation time.
// Retention GC classifies solely by this column, so tests use this to
// simulate age against a retention horizon without sleeping.
func (db *DB) SetStorePathCreatedAt(ctx context.Context, id string, t time.Time) error {
	res, err := db.sql.ExecContext(ctx, `UPDATE store_path SET created_at = ? WHERE id = ?`, t, id)
	if err != nil {
		return fmt.Errorf("error setting created_at for store path %q: %w", id, err)
	}

	return checkRowsAffected(res)
}

// CreateWorkspace inserts a workspace row (SPEC_FULL.md supplemented
// feature — table/CRUD only).
func (db *DB) CreateWorkspace(ctx context.Context, w Workspace) error {
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO workspace (id, name) VALUES (?, ?)`, w.ID, w.Name)

	return wrapErr(err)
}

// ListWorkspaces returns every workspace.
func (db *DB) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT id, name, created_at FROM workspace ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("error listing workspaces: %w", err)
	}

	defer rows.Close()

	var out []Workspace

	for rows.Next() {
		var w Workspace

		if err := rows.Scan(&w.ID, &w.Name, &w.CreatedAt); err != nil {
			return nil, err
		}

		out = append(out, w)
	}

	return out, rows.Err()
}

// CreateAgent inserts an agent row under a workspace (SPEC_FULL.md
// supplemented feature — table/CRUD only).
func (db *DB) CreateAgent(ctx context.Context, a Agent) error {
	_, err := db.sql.ExecContext(ctx,
		`INSERT INTO agent (id, workspace_id, name, host) VALUES (?, ?, ?, ?)`,
		a.ID, a.WorkspaceID, a.Name, a.Host,
	)

	return wrapErr(err)
}

// ListAgents returns every agent belonging to workspaceID.
func (db *DB) ListAgents(ctx context.Context, workspaceID string) ([]Agent, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT id, workspace_id, name, host, created_at FROM agent WHERE workspace_id = ? ORDER BY name`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("error listing agents: %w", err)
	}

	defer rows.Close()

	var out []Agent

	for rows.Next() {
		var a Agent

		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Host, &a.CreatedAt); err != nil {
			return nil, err
		}

		out = append(out, a)
	}

	return out, rows.Err()
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading rows affected: %w", err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// DescriptorJSON is the JSON shape of a cache descriptor published to the
// DHT (spec.md §3 "DHT entries" / §4.6 advertiser payload).
type DescriptorJSON struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Token           string    `json:"token,omitempty"`
	Access          string    `json:"access"`
	Port            int       `json:"port"`
	RetentionDays   int       `json:"retention_days"`
	RequestCount    uint64    `json:"request_count"`
	HitCount        uint64    `json:"hit_count"`
	MissCount       uint64    `json:"miss_count"`
	LoadScore       float64   `json:"load_score"`
	AvailableSpace  uint64    `json:"available_space"`
	StorageSummary  []string  `json:"storage_summary"`
	PublicKey       string    `json:"public_key,omitempty"`
	AdvertisedAt    time.Time `json:"advertised_at"`
}

// MarshalDescriptor serializes a cache descriptor for DHT publication.
func MarshalDescriptor(d DescriptorJSON) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("error marshaling descriptor: %w", err)
	}

	return string(b), nil
}

// UnmarshalDescriptor parses a descriptor fetched from the DHT.
func UnmarshalDescriptor(raw string) (DescriptorJSON, error) {
	var d DescriptorJSON

	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return DescriptorJSON{}, fmt.Errorf("error unmarshaling descriptor: %w", err)
	}

	return d, nil
}
