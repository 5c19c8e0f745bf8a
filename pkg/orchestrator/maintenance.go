package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-indicatorcache/pkg/activity"
	"github.com/illmade-knight/go-indicatorcache/pkg/cache"
)

// Invalidate removes key from the cache and records the outcome.
func (o *Orchestrator) Invalidate(ctx context.Context, key string) (bool, error) {
	removed, err := o.store.Invalidate(ctx, key)
	if err != nil {
		o.logger.Error().Err(err).Str("key", key).Msg("Failed to invalidate cache entry.")
		o.record(ctx, activity.TypeCacheInvalidate, "", activity.StatusError,
			fmt.Sprintf("Invalidation failed for %s", key),
			map[string]interface{}{"cache_key": key, "error": err.Error()})
		return false, err
	}
	o.record(ctx, activity.TypeCacheInvalidate, "", activity.StatusInfo,
		fmt.Sprintf("Invalidated %s", key),
		map[string]interface{}{"cache_key": key, "removed": removed})
	return removed, nil
}

// Cleanup deletes entries cached more than olderThan ago and records how many
// were removed.
func (o *Orchestrator) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	removed, err := o.store.Cleanup(ctx, olderThan)
	if err != nil {
		o.logger.Error().Err(err).Dur("older_than", olderThan).Msg("Cache cleanup failed.")
		o.record(ctx, activity.TypeCacheCleanup, "", activity.StatusError, "Cache cleanup failed",
			map[string]interface{}{"error": err.Error(), "retention_seconds": olderThan.Seconds()})
		return 0, err
	}
	o.logger.Info().Int("removed", removed).Dur("older_than", olderThan).Msg("Cache cleanup finished.")
	o.record(ctx, activity.TypeCacheCleanup, "", activity.StatusInfo,
		fmt.Sprintf("Removed %d expired cache entries", removed),
		map[string]interface{}{"removed": removed, "retention_seconds": olderThan.Seconds()})
	return removed, nil
}

// Stats reports the store's entry counts.
func (o *Orchestrator) Stats(ctx context.Context) (cache.Stats, error) {
	return o.store.Stats(ctx)
}

// RecentActivity returns up to limit activity events, newest first.
func (o *Orchestrator) RecentActivity(ctx context.Context, limit int) ([]activity.Event, error) {
	return o.activity.Recent(ctx, limit)
}
