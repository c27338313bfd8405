package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"kaldi-serve/internal/models"
	"kaldi-serve/internal/observability/logging"
	"kaldi-serve/internal/observability/metrics"
)

// maxTxRetries bounds optimistic retries of one Update.
const maxTxRetries = 32

// ErrConflict is returned when an Update keeps losing the optimistic race.
var ErrConflict = errors.New("job update conflict")

// RedisConfig holds Redis store settings.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Redis is a Store backed by Redis string keys holding JSON. Updates use
// WATCH/MULTI and are retried when the key changes underneath them.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewRedis connects to the server in cfg.
func NewRedis(cfg RedisConfig, m *metrics.Metrics) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisWithClient(client, cfg.KeyPrefix, cfg.TTL, m)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, prefix string, ttl time.Duration, m *metrics.Metrics) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, metrics: m}
}

func (r *Redis) key(id string) string {
	return r.prefix + id
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Put implements Store.
func (r *Redis) Put(ctx context.Context, id string, st *models.JobState, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.ttl
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(id), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", id, err)
	}
	return nil
}

// Create implements Store.
func (r *Redis) Create(ctx context.Context, id string, st *models.JobState, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.ttl
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.key(id), b, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", id, err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, id string) (*models.JobState, error) {
	b, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", id, err)
	}
	return decode(b)
}

// Update implements Store.
func (r *Redis) Update(ctx context.Context, id string, fn Mutator) (*models.JobState, error) {
	key := r.key(id)
	var result *models.JobState

	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		st, err := decode(b)
		if err != nil {
			return err
		}

		if err := fn(st); err != nil {
			if errors.Is(err, ErrSkip) {
				cur, _ := decode(b)
				result = cur
				return nil
			}
			return err
		}

		out, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, r.ttl)
			return nil
		})
		if err == nil {
			result = st
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		r.metrics.RecordStoreConflict()
		logger := logging.WithJob("store", id)
		logger.Debug().Int("attempt", attempt+1).Msg("Optimistic update conflict, retrying")
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, id)
}

func decode(b []byte) (*models.JobState, error) {
	var st models.JobState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode job state: %w", err)
	}
	return &st, nil
}
