// Package advertiser implements the advertiser (C10): periodic publication
// of every registered cache's descriptor to the DHT, plus the one-time
// start-up republish of each cache's owned store-path ownership keys,
// grounded on the teacher's pkg/cache LRU cronjob shape
// (SetupCron/AddLRUCronJob/StartCron) reused here for a different
// periodic job.
package advertiser

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mifka01/cache-server/pkg/database"
	"github.com/mifka01/cache-server/pkg/dht"
	"github.com/mifka01/cache-server/pkg/helper"
	"github.com/mifka01/cache-server/pkg/peer"
)

// DefaultSchedule matches spec.md §4.6's ADVERTISING_INTERVAL default ("a
// few minutes").
const DefaultSchedule = "@every 3m"

// registry is the subset of *cache.Registry the advertiser needs. Declared
// as an interface (rather than importing pkg/cache directly) so the
// advertiser has no compile-time dependency on the cache request engine's
// internals beyond this surface.
type registry interface {
	Names() []string
	Descriptor(ctx context.Context, cacheName string) (database.DescriptorJSON, error)
	Record(cacheName string) (database.Cache, error)
	DB() *database.DB
	DHT() *dht.Runner
}

// Runner periodically re-advertises every cache registered with a
// registry.
type Runner struct {
	registry registry
	cron     *cron.Cron
}

// New returns a Runner bound to registry.
func New(registry registry) *Runner {
	return &Runner{registry: registry}
}

// Start re-advertises every cache once, republishes each cache's owned
// store-path ownership keys once (spec.md §4.6: "on cache start:
// re-advertise once, then for every owned store-path publish store_hash ->
// cache_id"), and then schedules the periodic descriptor re-advertisement
// on schedule.
func (a *Runner) Start(ctx context.Context, schedule string) error {
	a.advertiseAll(ctx)
	a.republishOwnership(ctx)

	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return err
	}

	a.cron = cron.New()
	a.cron.Schedule(sched, cron.FuncJob(func() { a.advertiseAll(ctx) }))
	a.cron.Start()

	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (a *Runner) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}

// advertiseAll publishes every registered cache's descriptor, logging and
// continuing past a single cache's failure.
func (a *Runner) advertiseAll(ctx context.Context) {
	log := zerolog.Ctx(ctx)

	for _, name := range a.registry.Names() {
		d, err := a.registry.Descriptor(ctx, name)
		if err != nil {
			log.Error().Err(err).Str("cache", name).Msg("error assembling descriptor")

			continue
		}

		raw, err := database.MarshalDescriptor(d)
		if err != nil {
			log.Error().Err(err).Str("cache", name).Msg("error marshaling descriptor")

			continue
		}

		if err := a.registry.DHT().Put(ctx, peer.DescriptorDHTKey(d.ID), raw); err != nil {
			log.Warn().Err(err).Str("cache", name).Msg("error publishing descriptor")
		}
	}
}

// republishOwnership re-announces the store_hash and file_name ownership
// keys of every store-path owned by a public cache, since those transient
// DHT entries (published once at upload-completion time) would otherwise
// have expired across a restart. Private caches' paths are skipped, as
// they are at upload completion.
func (a *Runner) republishOwnership(ctx context.Context) {
	log := zerolog.Ctx(ctx)

	for _, name := range a.registry.Names() {
		record, err := a.registry.Record(name)
		if err != nil {
			continue
		}

		if record.Access != database.AccessPublic {
			continue
		}

		rows, err := a.registry.DB().ListStorePathsForCache(ctx, record.ID)
		if err != nil {
			log.Error().Err(err).Str("cache", name).Msg("error listing store paths for ownership republish")

			continue
		}

		for _, sp := range rows {
			if err := publishOwner(ctx, a.registry, sp.StoreHash, record.ID); err != nil {
				log.Warn().Err(err).Str("cache", name).Str("store_hash", sp.StoreHash).
					Msg("error republishing store hash owner")
			}

			fileName := helper.NarFilePath(sp.FileHash, sp.Codec)
			if err := publishOwner(ctx, a.registry, fileName, record.ID); err != nil {
				log.Warn().Err(err).Str("cache", name).Str("file_name", fileName).
					Msg("error republishing file name owner")
			}
		}
	}
}

func publishOwner(ctx context.Context, reg registry, key, cacheID string) error {
	return reg.DHT().Put(ctx, key, cacheID)
}
