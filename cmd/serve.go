package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/mifka01/cache-server/pkg/advertiser"
	"github.com/mifka01/cache-server/pkg/cache"
	"github.com/mifka01/cache-server/pkg/config"
	"github.com/mifka01/cache-server/pkg/database"
	"github.com/mifka01/cache-server/pkg/dht"
	"github.com/mifka01/cache-server/pkg/metrics"
	"github.com/mifka01/cache-server/pkg/multiplex"
	"github.com/mifka01/cache-server/pkg/retention"
	"github.com/mifka01/cache-server/pkg/s3"
	"github.com/mifka01/cache-server/pkg/server"
	"github.com/mifka01/cache-server/pkg/storage"
	"github.com/mifka01/cache-server/pkg/storage/local"
	storages3 "github.com/mifka01/cache-server/pkg/storage/s3"
)

func serveCommand(configPath *string) *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "serve every configured cache over http and join the DHT overlay",
		Action: serveAction(configPath),
	}
}

func serveAction(configPath *string) cli.ActionFunc {
	return func(ctx context.Context, _ *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()
		ctx = logger.WithContext(ctx)

		doc, err := config.Load(*configPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runServe(ctx, doc)
	}
}

// runServe boots every subsystem named in spec.md §2 against doc and
// blocks until ctx is canceled or a subsystem fails, mirroring the
// teacher's serveAction's errgroup-around-listener-and-background-workers
// shape, generalized from one node-wide cache to the registry of
// independently configured caches doc describes.
func runServe(ctx context.Context, doc config.Document) error {
	db, err := database.Open(ctx, doc.Server.DatabasePath)
	if err != nil {
		return fmt.Errorf("error opening the database: %w", err)
	}
	defer db.Close()

	dhtRunner, err := dht.New(ctx, dht.Options{
		Standalone:    doc.Server.Standalone,
		ListenPort:    doc.Server.DHTPort,
		BootstrapHost: doc.Server.BootstrapHost,
		BootstrapPort: doc.Server.BootstrapPort,
	})
	if err != nil {
		return fmt.Errorf("error starting the DHT runner: %w", err)
	}
	defer dhtRunner.Close()

	if err := ensureWorkspaces(ctx, db, doc.Workspaces); err != nil {
		return err
	}

	registry := cache.NewRegistry(db, dhtRunner)
	ports := make(map[string]int, len(doc.Caches))

	for _, cc := range doc.Caches {
		record, err := ensureCache(ctx, db, cc)
		if err != nil {
			return fmt.Errorf("error provisioning cache %q: %w", cc.Name, err)
		}

		mux, backendIDs, err := buildMultiplexer(ctx, db, record, cc)
		if err != nil {
			return fmt.Errorf("error building storage for cache %q: %w", cc.Name, err)
		}

		recorder := metrics.NewRecorder(prometheus.DefaultRegisterer, record.Name)

		c := registry.Register(record, mux, recorder, backendIDs)

		if err := c.EnsureKeypair(ctx, doc.Server.Hostname); err != nil {
			return fmt.Errorf("error ensuring signing keypair for cache %q: %w", cc.Name, err)
		}

		ports[record.Name] = record.Port
	}

	apiAddr := fmt.Sprintf(":%d", doc.Server.CacheServerPort)
	srv := server.New(registry, dhtRunner, apiAddr)

	gcRunner := retention.New(registry)
	if err := gcRunner.Start(ctx, retention.DefaultSchedule); err != nil {
		return fmt.Errorf("error starting retention GC: %w", err)
	}
	defer gcRunner.Stop()

	adRunner := advertiser.New(registry)
	if err := adRunner.Start(ctx, advertiser.DefaultSchedule); err != nil {
		return fmt.Errorf("error starting advertiser: %w", err)
	}
	defer adRunner.Stop()

	zerolog.Ctx(ctx).Info().
		Int("caches", len(doc.Caches)).
		Str("api_addr", apiAddr).
		Msg("cache-server started")

	return srv.Run(ctx, ports)
}

// ensureWorkspaces persists every configured workspace/agent, reusing an
// existing row by name so re-running serve against an already-provisioned
// database is idempotent.
func ensureWorkspaces(ctx context.Context, db *database.DB, workspaces []config.Workspace) error {
	existing, err := db.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("error listing workspaces: %w", err)
	}

	byName := make(map[string]database.Workspace, len(existing))
	for _, w := range existing {
		byName[w.Name] = w
	}

	for _, wc := range workspaces {
		w, ok := byName[wc.Name]
		if !ok {
			w = database.Workspace{ID: uuid.NewString(), Name: wc.Name}
			if err := db.CreateWorkspace(ctx, w); err != nil {
				return fmt.Errorf("error creating workspace %q: %w", wc.Name, err)
			}
		}

		existingAgents, err := db.ListAgents(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("error listing agents for workspace %q: %w", wc.Name, err)
		}

		agentNames := make(map[string]bool, len(existingAgents))
		for _, a := range existingAgents {
			agentNames[a.Name] = true
		}

		for _, ac := range wc.Agents {
			if agentNames[ac.Name] {
				continue
			}

			a := database.Agent{ID: uuid.NewString(), WorkspaceID: w.ID, Name: ac.Name, Host: ac.Host}
			if err := db.CreateAgent(ctx, a); err != nil {
				return fmt.Errorf("error creating agent %q: %w", ac.Name, err)
			}
		}
	}

	return nil
}

// ensureCache returns the persisted database.Cache for cc, creating it on
// first run and reusing it (ports/access/retention unchanged from the
// database, not re-applied from the document) on a restart — spec.md §3
// identifies a cache by its id, not by its configuration, once created.
func ensureCache(ctx context.Context, db *database.DB, cc config.Cache) (database.Cache, error) {
	existing, err := db.GetCacheByName(ctx, cc.Name)
	if err == nil {
		return existing, nil
	}

	if !errors.Is(err, database.ErrNotFound) {
		return database.Cache{}, err
	}

	retentionDays := -1
	if cc.Retention != nil {
		retentionDays = *cc.Retention
	}

	access := database.AccessPublic
	if cc.Access == string(database.AccessPrivate) {
		access = database.AccessPrivate
	}

	strategy := cc.StorageStrategy
	if strategy == "" {
		strategy = "in-order"
	}

	record := database.Cache{
		ID:            uuid.NewString(),
		Name:          cc.Name,
		Access:        access,
		Port:          cc.Port,
		RetentionDays: retentionDays,
		Strategy:      strategy,
	}

	if access == database.AccessPrivate {
		record.Token = uuid.NewString()
	}

	if err := db.CreateCache(ctx, record); err != nil {
		return database.Cache{}, err
	}

	return record, nil
}

// buildMultiplexer provisions (or reuses) every configured storage.Backend
// of cc, persists their rows, and assembles the multiplex.Strategy named
// by cc.StorageStrategy (spec.md §6, §4.2).
func buildMultiplexer(
	ctx context.Context,
	db *database.DB,
	record database.Cache,
	cc config.Cache,
) (*multiplex.Multiplexer, map[string]string, error) {
	existingRows, err := db.ListBackendsForCache(ctx, record.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("error listing back-ends: %w", err)
	}

	rowByName := make(map[string]database.Backend, len(existingRows))
	for _, row := range existingRows {
		rowByName[row.Name] = row
	}

	backends := make([]storage.Backend, 0, len(cc.Storages))
	backendIDs := make(map[string]string, len(cc.Storages))
	percentages := make([]float64, 0, len(cc.Storages))

	for _, sc := range cc.Storages {
		row, ok := rowByName[sc.Name]
		if !ok {
			row = database.Backend{
				ID:      uuid.NewString(),
				CacheID: record.ID,
				Name:    sc.Name,
				Type:    sc.Type,
				Root:    sc.Root,
				Config:  storageConfigMap(sc),
			}
			if err := db.CreateBackend(ctx, row); err != nil {
				return nil, nil, fmt.Errorf("error creating storage %q: %w", sc.Name, err)
			}
		}

		backend, err := newBackend(ctx, sc)
		if err != nil {
			return nil, nil, err
		}

		backends = append(backends, backend)
		backendIDs[backend.Name()] = row.ID

		if sc.Split != nil {
			percentages = append(percentages, *sc.Split)
		}
	}

	strategy, err := newStrategy(cc.StorageStrategy, percentages)
	if err != nil {
		return nil, nil, err
	}

	persist := func(ctx context.Context, state []byte) error {
		return db.UpdateStrategyState(ctx, record.ID, string(state))
	}

	return multiplex.New(backends, strategy, []byte(record.StrategyState), persist), backendIDs, nil
}

func storageConfigMap(sc config.Storage) map[string]string {
	if sc.Type != "s3" {
		return nil
	}

	return map[string]string{
		"endpoint":          sc.S3Endpoint,
		"region":            sc.S3Region,
		"access-key-id":     sc.S3AccessKeyID,
		"secret-access-key": sc.S3SecretAccessKey,
	}
}

func newBackend(ctx context.Context, sc config.Storage) (storage.Backend, error) {
	switch sc.Type {
	case "local":
		return local.New(ctx, sc.Name, sc.Root)
	case "s3":
		forcePathStyle := true
		if sc.S3ForcePathStyle != nil {
			forcePathStyle = *sc.S3ForcePathStyle
		}

		return storages3.New(ctx, s3.Config{
			Name:            sc.Name,
			Bucket:          sc.Root,
			Region:          sc.S3Region,
			Endpoint:        sc.S3Endpoint,
			AccessKeyID:     sc.S3AccessKeyID,
			SecretAccessKey: sc.S3SecretAccessKey,
			ForcePathStyle:  forcePathStyle,
		})
	default:
		return nil, fmt.Errorf("%w: unknown storage type %q", config.ErrConfigInvalid, sc.Type)
	}
}

func newStrategy(name string, percentages []float64) (multiplex.Strategy, error) {
	switch name {
	case "", "in-order":
		return multiplex.InOrder{}, nil
	case "round-robin":
		return multiplex.RoundRobin{}, nil
	case "least-used":
		return multiplex.LeastUsed{}, nil
	case "split":
		return multiplex.NewSplit(percentages)
	default:
		return nil, fmt.Errorf("%w: unknown storage-strategy %q", config.ErrConfigInvalid, name)
	}
}
