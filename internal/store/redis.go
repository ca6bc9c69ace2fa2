package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/resilience"
)

// RedisLedgerStore keeps idempotency records in Redis. SETNX is the atomic
// insert-if-absent primitive, so concurrent writers converge on one value.
// It implements ledger.Store only; runs and decisions stay in the SQL store.
type RedisLedgerStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// RedisConfig configures the Redis ledger backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires records after the given duration. Zero keeps them forever.
	TTL time.Duration
}

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(ctx context.Context, cfg RedisConfig) (*RedisLedgerStore, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, nil, eris.Wrapf(err, "redis: ping %s", cfg.Addr)
	}
	return NewRedisLedgerStore(rdb, cfg.KeyPrefix, cfg.TTL), rdb, nil
}

// NewRedisLedgerStore wraps an existing client.
func NewRedisLedgerStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLedgerStore {
	if prefix == "" {
		prefix = "ledger"
	}
	return &RedisLedgerStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisLedgerStore) key(k model.IdempotencyKey) string {
	return s.prefix + ":" + k.String()
}

// GetRecord implements ledger.Store.
func (s *RedisLedgerStore) GetRecord(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "redis: get record %s", key), "redis")
	}

	var rec model.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, eris.Wrapf(err, "redis: decode record %s", key)
	}
	return &rec, nil
}

// InsertRecord implements ledger.Store.
func (s *RedisLedgerStore) InsertRecord(ctx context.Context, rec *model.IdempotencyRecord) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, eris.Wrap(err, "redis: encode record")
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.IdempotencyKey), raw, s.ttl).Result()
	if err != nil {
		return false, resilience.NewTransientError(eris.Wrapf(err, "redis: insert record %s", rec.IdempotencyKey), "redis")
	}
	return ok, nil
}
