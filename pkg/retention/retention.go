// Package retention implements the retention garbage collector (C9): a
// periodic, two-phase scan that evicts artifacts past a cache's retention
// horizon while preserving any artifact still reachable from a healthy
// artifact's reference closure (spec.md §4.5), grounded on the teacher's
// pkg/cache LRU cronjob (SetupCron/AddLRUCronJob/StartCron) generalized
// from a single size-bounded cache to N independently retentioned caches.
package retention

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mifka01/cache-server/pkg/cache"
	"github.com/mifka01/cache-server/pkg/database"
	"github.com/mifka01/cache-server/pkg/nar"
	"github.com/mifka01/cache-server/pkg/storage"
)

// DefaultSchedule runs the collector every GC period (spec.md §4.5:
// "default 1 hour").
const DefaultSchedule = "@hourly"

// Runner periodically collects every cache registered with a Registry.
type Runner struct {
	registry *cache.Registry
	cron     *cron.Cron
}

// New returns a Runner bound to registry. Call Start to begin the periodic
// schedule.
func New(registry *cache.Registry) *Runner {
	return &Runner{registry: registry}
}

// Start schedules RunOnce on schedule (standard five-field cron syntax, or
// "@hourly"/"@every 1h"-style descriptors) and starts the scheduler in its
// own goroutine. Calling Start twice replaces the previous schedule.
func (g *Runner) Start(ctx context.Context, schedule string) error {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return err
	}

	if g.cron != nil {
		<-g.cron.Stop().Done()
	}

	g.cron = cron.New()
	g.cron.Schedule(sched, cron.FuncJob(func() { g.RunOnce(ctx) }))
	g.cron.Start()

	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (g *Runner) Stop() {
	if g.cron != nil {
		<-g.cron.Stop().Done()
	}
}

// RunOnce runs one collection pass over every registered cache, logging
// and continuing past a single cache's failure rather than aborting the
// whole pass.
func (g *Runner) RunOnce(ctx context.Context) {
	log := zerolog.Ctx(ctx)
	now := time.Now().UTC()

	for _, target := range g.registry.GCTargets() {
		if target.RetentionDays < 0 {
			// retention == -1 means unlimited (spec.md §3): never collect.
			continue
		}

		horizon := now.AddDate(0, 0, -target.RetentionDays)

		if err := g.collectCache(ctx, target, horizon); err != nil {
			log.Error().Err(err).Str("cache", target.CacheName).Msg("error running retention GC")
		}
	}
}

// collectCache runs spec.md §4.5's two-phase algorithm against one cache's
// back-ends.
func (g *Runner) collectCache(ctx context.Context, target cache.GCTarget, horizon time.Time) error {
	db := g.registry.DB()

	rows, err := db.ListStorePathsForCache(ctx, target.CacheID)
	if err != nil {
		return err
	}

	byStoreHash := make(map[string]database.StorePath, len(rows))
	byFileHash := make(map[string]database.StorePath, len(rows))

	for _, sp := range rows {
		byStoreHash[sp.StoreHash] = sp
		byFileHash[sp.FileHash] = sp
	}

	backendByID, err := backendsByID(ctx, db, target)
	if err != nil {
		return err
	}

	log := zerolog.Ctx(ctx)

	healthy := map[string]struct{}{}
	expired := map[string]database.StorePath{}

	for _, backend := range target.Mux.Backends() {
		names, err := backend.List(ctx)
		if err != nil {
			log.Warn().Err(err).Str("cache", target.CacheName).Str("backend", backend.Name()).
				Msg("error listing backend during retention GC")

			continue
		}

		for _, name := range names {
			if storage.IsReservedName(name) {
				continue
			}

			sp, ok := resolveRecord(name, byStoreHash, byFileHash)
			if !ok {
				g.removeOrphan(ctx, backend, name)

				continue
			}

			packageName := packageName(sp)

			if sp.CreatedAt.After(horizon) {
				healthy[packageName] = struct{}{}
				for _, ref := range sp.References {
					healthy[ref] = struct{}{}
				}

				continue
			}

			expired[sp.ID] = sp
		}
	}

	g.preserveOrCollect(ctx, target, expired, healthy, backendByID)

	return nil
}

// removeOrphan drops a file with no store-path record, unless it's still
// within the back-end's freshness window (an in-flight upload).
func (g *Runner) removeOrphan(ctx context.Context, backend storage.Backend, name string) {
	log := zerolog.Ctx(ctx)

	isNew, err := backend.IsNewFile(ctx, name)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("error checking file age during retention GC")

		return
	}

	if isNew {
		return
	}

	if err := backend.Remove(ctx, name); err != nil {
		log.Warn().Err(err).Str("file", name).Msg("error removing orphaned file during retention GC")
	}
}

// resolveRecord maps a listed file name back to the store-path row it
// belongs to: a ".narinfo" file is keyed by store hash, everything else is
// a NAR body keyed by file hash.
func resolveRecord(
	name string,
	byStoreHash, byFileHash map[string]database.StorePath,
) (database.StorePath, bool) {
	if hash, ok := strings.CutSuffix(name, ".narinfo"); ok {
		sp, found := byStoreHash[hash]

		return sp, found
	}

	narURL, err := nar.ParseURL(name)
	if err != nil {
		return database.StorePath{}, false
	}

	sp, found := byFileHash[narURL.Hash]

	return sp, found
}

func packageName(sp database.StorePath) string { return sp.StoreHash + "-" + sp.StoreSuffix }

// preserveOrCollect runs phase 2: a single FIFO queue over the expired
// rows, each row given exactly one re-enqueue chance for a healthy
// ancestor discovered later in the pass (spec.md §4.5).
func (g *Runner) preserveOrCollect(
	ctx context.Context,
	target cache.GCTarget,
	expired map[string]database.StorePath,
	healthy map[string]struct{},
	backendByID map[string]storage.Backend,
) {
	db := g.registry.DB()

	queue := make([]database.StorePath, 0, len(expired))
	for _, sp := range expired {
		queue = append(queue, sp)
	}

	visited := map[string]bool{}

	for len(queue) > 0 {
		sp := queue[0]
		queue = queue[1:]

		if _, ok := healthy[packageName(sp)]; ok {
			for _, ref := range sp.References {
				healthy[ref] = struct{}{}
			}

			continue
		}

		if visited[sp.ID] {
			g.collectRow(ctx, target, sp, backendByID, db)

			continue
		}

		visited[sp.ID] = true
		queue = append(queue, sp)
	}
}

// collectRow deletes both the NAR body, the narinfo file, and the
// store-path record of a row that survived a full expired-queue pass
// without a healthy ancestor.
func (g *Runner) collectRow(
	ctx context.Context,
	target cache.GCTarget,
	sp database.StorePath,
	backendByID map[string]storage.Backend,
	db *database.DB,
) {
	log := zerolog.Ctx(ctx)

	backend, ok := backendByID[sp.BackendID]
	if !ok {
		log.Warn().Str("store_path", sp.ID).Msg("no backend found for store-path during retention GC")
	} else {
		if err := backend.Remove(ctx, sp.StoreHash+".narinfo"); err != nil {
			log.Debug().Err(err).Str("store_path", sp.ID).Msg("error removing expired narinfo")
		}

		narName := sp.FileHash + ".nar"
		if sp.Codec != "" {
			narName += "." + sp.Codec
		}

		if err := backend.Remove(ctx, narName); err != nil {
			log.Debug().Err(err).Str("store_path", sp.ID).Msg("error removing expired nar")
		}
	}

	if err := db.DeleteStorePath(ctx, sp.ID); err != nil {
		log.Error().Err(err).Str("store_path", sp.ID).Str("cache", target.CacheName).
			Msg("error deleting expired store-path record")
	}
}

// backendsByID maps a cache's storage row ids to the live storage.Backend
// instances in target.Mux, joining the metadata store's Backend rows
// (which carry ids) against the multiplexer's backends (which only carry
// their configured names).
func backendsByID(ctx context.Context, db *database.DB, target cache.GCTarget) (map[string]storage.Backend, error) {
	rows, err := db.ListBackendsForCache(ctx, target.CacheID)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]storage.Backend, len(target.Mux.Backends()))
	for _, backend := range target.Mux.Backends() {
		byName[backend.Name()] = backend
	}

	byID := make(map[string]storage.Backend, len(rows))

	for _, row := range rows {
		if backend, ok := byName[row.Name]; ok {
			byID[row.ID] = backend
		}
	}

	return byID, nil
}
