package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-indicatorcache/pkg/freshness"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key written by the store.
	KeyPrefix string
}

const (
	defaultRedisPrefix = "indicatorcache"
	redisScanBatch     = 100
)

// RedisStore is a Store backed by Redis. Each entry is a JSON document under
// "<prefix>:entry:<key>" and every live key is tracked in the "<prefix>:keys"
// set so Stats and Cleanup can walk the store without KEYS.
type RedisStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	prefix      string
	clock       Clock
}

// NewRedisStore creates and connects a new RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore(
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
	opts ...Option,
) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return NewRedisStoreFromClient(rdb, cfg.KeyPrefix, logger, opts...), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership
// of the client and closes it on Close.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string, logger zerolog.Logger, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	o := applyOptions(opts)
	return &RedisStore{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
		prefix:      prefix,
		clock:       o.clock,
	}
}

func (s *RedisStore) entryKey(key string) string {
	return s.prefix + ":entry:" + key
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":keys"
}

// Get retrieves an entry and classifies it against the window.
func (s *RedisStore) Get(ctx context.Context, key string, w freshness.Window) (*Lookup, error) {
	rec, err := s.fetchRecord(ctx, key)
	if err != nil {
		// A redis.Nil error is a normal cache miss. Any other error is a genuine problem.
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Unexpected Redis error during fetch.")
		return nil, storageErr("get", key, err)
	}
	l, err := rec.lookup(s.clock(), w)
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	if l != nil {
		s.logger.Debug().Str("key", key).Bool("fresh", l.Fresh).Msg("Redis cache hit.")
	}
	return l, nil
}

func (s *RedisStore) fetchRecord(ctx context.Context, key string) (record, error) {
	cachedData, err := s.redisClient.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		// Let the caller handle distinguishing redis.Nil from other errors.
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(cachedData, &rec); err != nil {
		return record{}, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return rec, nil
}

// Set writes the entry and its index membership in one transaction.
func (s *RedisStore) Set(ctx context.Context, req SetRequest) error {
	rec, err := newRecord(req, s.clock())
	if err != nil {
		return err
	}
	jsonData, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error().Err(err).Str("key", req.Key).Msg("Failed to marshal data for caching.")
		return fmt.Errorf("%w: failed to marshal data: %v", ErrInvalidEntry, err)
	}

	_, err = s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(req.Key), jsonData, 0)
		pipe.SAdd(ctx, s.indexKey(), req.Key)
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("key", req.Key).Msg("Failed to set data in Redis cache.")
		return storageErr("set", req.Key, err)
	}

	s.logger.Debug().Str("key", req.Key).Msg("Successfully stored data in Redis cache.")
	return nil
}

// Invalidate removes a key and its index membership.
func (s *RedisStore) Invalidate(ctx context.Context, key string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.entryKey(key))
		pipe.SRem(ctx, s.indexKey(), key)
		return nil
	})
	if err != nil {
		return false, storageErr("invalidate", key, err)
	}
	return del.Val() > 0, nil
}

// Cleanup removes every entry cached before now-olderThan. Index members whose
// entry has already gone are pruned as well.
func (s *RedisStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock().Add(-olderThan)
	var stale, orphaned []string
	err := s.scan(ctx, func(key string, rec *record) {
		switch {
		case rec == nil:
			orphaned = append(orphaned, key)
		case rec.CachedAt.Before(cutoff):
			stale = append(stale, key)
		}
	})
	if err != nil {
		return 0, storageErr("cleanup", "", err)
	}

	removed := 0
	for _, batch := range chunk(stale, redisScanBatch) {
		entryKeys := make([]string, len(batch))
		members := make([]interface{}, len(batch))
		for i, k := range batch {
			entryKeys[i] = s.entryKey(k)
			members[i] = k
		}
		var del *redis.IntCmd
		_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, entryKeys...)
			pipe.SRem(ctx, s.indexKey(), members...)
			return nil
		})
		if err != nil {
			return removed, storageErr("cleanup", "", err)
		}
		removed += int(del.Val())
	}

	if len(orphaned) > 0 {
		members := make([]interface{}, len(orphaned))
		for i, k := range orphaned {
			members[i] = k
		}
		if err := s.redisClient.SRem(ctx, s.indexKey(), members...).Err(); err != nil {
			s.logger.Warn().Err(err).Int("orphans", len(orphaned)).Msg("Failed to prune orphaned index members.")
		}
	}

	s.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("Redis cache cleanup finished.")
	return removed, nil
}

// Stats aggregates the current contents.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	now := s.clock()
	stats := newStats()
	err := s.scan(ctx, func(_ string, rec *record) {
		if rec != nil {
			stats.add(rec.Source, rec.Kind, rec.ExpiresAt, now)
		}
	})
	if err != nil {
		return Stats{}, storageErr("stats", "", err)
	}
	return stats, nil
}

// scan walks the index set and calls fn for every member. rec is nil when the
// member has no entry.
func (s *RedisStore) scan(ctx context.Context, fn func(key string, rec *record)) error {
	iter := s.redisClient.SScan(ctx, s.indexKey(), 0, "", redisScanBatch).Iterator()
	batch := make([]string, 0, redisScanBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		entryKeys := make([]string, len(batch))
		for i, k := range batch {
			entryKeys[i] = s.entryKey(k)
		}
		values, err := s.redisClient.MGet(ctx, entryKeys...).Result()
		if err != nil {
			return err
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				fn(batch[i], nil)
				continue
			}
			var rec record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				s.logger.Warn().Err(err).Str("key", batch[i]).Msg("Skipping undecodable cache entry.")
				continue
			}
			fn(batch[i], &rec)
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= redisScanBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return flush()
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}

func chunk(keys []string, size int) [][]string {
	var out [][]string
	for size < len(keys) {
		keys, out = keys[size:], append(out, keys[:size])
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}
