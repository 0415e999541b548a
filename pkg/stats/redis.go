package stats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
)

// Statistic rows live in one hash per tag: field "count" holds the read
// counter, field "last_seen" holds unix nanoseconds. Both update policies
// run as server-side scripts so the existence check, the increment, and the
// monotonic last-seen advance are a single atomic unit under concurrent
// deliveries.
var (
	permissiveIncr = redis.NewScript(`
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
local prev = redis.call('HGET', KEYS[1], 'last_seen')
if (not prev) or (tonumber(ARGV[1]) > tonumber(prev)) then
	redis.call('HSET', KEYS[1], 'last_seen', ARGV[1])
end
return count`)

	strictIncr = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HINCRBY', KEYS[1], 'count', 1)
local prev = redis.call('HGET', KEYS[1], 'last_seen')
if (not prev) or (tonumber(ARGV[1]) > tonumber(prev)) then
	redis.call('HSET', KEYS[1], 'last_seen', ARGV[1])
end
return 1`)
)

// RedisConfig holds configuration for the Redis statistics store.
type RedisConfig struct {
	KeyPrefix string
}

// RedisStatStore is the production StatStore.
type RedisStatStore struct {
	rdb    *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisStatStore wraps an existing Redis client. The client's lifecycle is
// managed by the caller.
func NewRedisStatStore(cfg RedisConfig, rdb *redis.Client, logger zerolog.Logger) (*RedisStatStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rfid:stat:"
	}
	return &RedisStatStore{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		logger: logger.With().Str("component", "RedisStatStore").Logger(),
	}, nil
}

func (s *RedisStatStore) key(tagID string) string {
	return s.prefix + tagID
}

// IncrementOrCreate runs the permissive script: create-or-increment.
func (s *RedisStatStore) IncrementOrCreate(ctx context.Context, tagID string, at time.Time) error {
	err := permissiveIncr.Run(ctx, s.rdb, []string{s.key(tagID)}, at.UnixNano()).Err()
	if err != nil {
		return fmt.Errorf("failed to increment statistic for %s: %w", tagID, err)
	}
	return nil
}

// IncrementIfExists runs the strict script: increment only pre-registered
// tags.
func (s *RedisStatStore) IncrementIfExists(ctx context.Context, tagID string, at time.Time) (bool, error) {
	updated, err := strictIncr.Run(ctx, s.rdb, []string{s.key(tagID)}, at.UnixNano()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to increment statistic for %s: %w", tagID, err)
	}
	return updated == 1, nil
}

// Create pre-creates a zero-count row if none exists yet.
func (s *RedisStatStore) Create(ctx context.Context, tagID string) error {
	if err := s.rdb.HSetNX(ctx, s.key(tagID), "count", 0).Err(); err != nil {
		return fmt.Errorf("failed to create statistic for %s: %w", tagID, err)
	}
	return nil
}

// Get reads one statistic row.
func (s *RedisStatStore) Get(ctx context.Context, tagID string) (rfid.TagStatistic, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(tagID)).Result()
	if err != nil {
		return rfid.TagStatistic{}, fmt.Errorf("failed to read statistic for %s: %w", tagID, err)
	}
	if len(fields) == 0 {
		return rfid.TagStatistic{}, fmt.Errorf("%w: %s", ErrStatNotFound, tagID)
	}
	return s.parseStat(tagID, fields)
}

// List scans every statistic row under the key prefix.
func (s *RedisStatStore) List(ctx context.Context) ([]rfid.TagStatistic, error) {
	var out []rfid.TagStatistic
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read statistic %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		stat, err := s.parseStat(key[len(s.prefix):], fields)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Skipping unparseable statistic row.")
			continue
		}
		out = append(out, stat)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan statistics: %w", err)
	}
	return out, nil
}

func (s *RedisStatStore) parseStat(tagID string, fields map[string]string) (rfid.TagStatistic, error) {
	stat := rfid.TagStatistic{TagID: tagID}
	if countStr, ok := fields["count"]; ok {
		count, err := strconv.ParseInt(countStr, 10, 64)
		if err != nil {
			return rfid.TagStatistic{}, fmt.Errorf("invalid count %q: %w", countStr, err)
		}
		stat.ReadCount = count
	}
	if seenStr, ok := fields["last_seen"]; ok {
		nanos, err := strconv.ParseInt(seenStr, 10, 64)
		if err != nil {
			return rfid.TagStatistic{}, fmt.Errorf("invalid last_seen %q: %w", seenStr, err)
		}
		stat.LastSeen = time.Unix(0, nanos).UTC()
	}
	return stat, nil
}
