package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/types"
)

const (
	jobKeyPrefix = "dataforge:job:"
	activeSetKey = "dataforge:jobs:active"

	// casRetries bounds the optimistic-locking loop in Update.
	casRetries = 5
)

// Redis stores job records as JSON values with a TTL matching the job's
// expiry. An auxiliary set tracks active (pending or running) job IDs so
// the active-job cap does not require scanning the keyspace.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	return &Redis{
		client: client,
		logger: logger.With(zap.String("component", "store"), zap.String("backend", "redis")),
		now:    time.Now,
	}, nil
}

// NewRedisWithClient wraps an existing client. Used by tests.
func NewRedisWithClient(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		logger: logger.With(zap.String("component", "store"), zap.String("backend", "redis")),
		now:    time.Now,
	}
}

func jobKey(id string) string { return jobKeyPrefix + id }

func isActive(s types.JobStatus) bool {
	return s == types.StatusPending || s == types.StatusRunning
}

// Create implements Store.
func (r *Redis) Create(ctx context.Context, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return types.NewError(types.ErrInternal, "marshal job").WithCause(err)
	}

	ttl := job.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return types.NewErrorf(types.ErrValidation, "job %s is already expired", job.ID)
	}

	ok, err := r.client.SetNX(ctx, jobKey(job.ID), data, ttl).Result()
	if err != nil {
		return types.NewError(types.ErrInternal, "create job").WithCause(err)
	}
	if !ok {
		return duplicateID(job.ID)
	}

	if isActive(job.Status) {
		if err := r.client.SAdd(ctx, activeSetKey, job.ID).Err(); err != nil {
			r.logger.Warn("failed to index active job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, id string) (*types.Job, error) {
	data, err := r.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "get job").WithCause(err)
	}

	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, types.NewError(types.ErrInternal, "decode job").WithCause(err)
	}
	if job.Expired(r.now()) {
		return nil, notFound(id)
	}
	return &job, nil
}

// Update implements Store. WATCH-based compare-and-set: concurrent writers
// force a bounded retry rather than a lost update.
func (r *Redis) Update(ctx context.Context, id string, mutate Mutation) (*types.Job, error) {
	key := jobKey(id)
	var updated *types.Job

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(id)
		}
		if err != nil {
			return types.NewError(types.ErrInternal, "get job").WithCause(err)
		}

		var current types.Job
		if err := json.Unmarshal(data, &current); err != nil {
			return types.NewError(types.ErrInternal, "decode job").WithCause(err)
		}
		if current.Expired(r.now()) {
			return notFound(id)
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		if err := checkTransition(current.Status, next.Status); err != nil {
			return err
		}

		next.ID = current.ID
		next.Version = current.Version + 1
		next.UpdatedAt = r.now().UTC()

		encoded, err := json.Marshal(next)
		if err != nil {
			return types.NewError(types.ErrInternal, "marshal job").WithCause(err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, redis.KeepTTL)
			if isActive(current.Status) && !isActive(next.Status) {
				pipe.SRem(ctx, activeSetKey, id)
			}
			return nil
		})
		if err != nil {
			return err
		}

		updated = next
		return nil
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, types.NewErrorf(types.ErrInternal,
		"update of job %s lost %d optimistic-lock races", id, casRetries)
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(id))
		pipe.SRem(ctx, activeSetKey, id)
		return nil
	})
	if err != nil {
		return types.NewError(types.ErrInternal, "delete job").WithCause(err)
	}
	return nil
}

// CountActive implements Store. Members whose record expired out of Redis
// are dropped from the index as they are discovered.
func (r *Redis) CountActive(ctx context.Context) (int, error) {
	ids, err := r.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return 0, types.NewError(types.ErrInternal, "list active jobs").WithCause(err)
	}

	count := 0
	var stale []any
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if types.IsCode(err, types.ErrJobNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return 0, err
		}
		if isActive(job.Status) {
			count++
		} else {
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, activeSetKey, stale...).Err(); err != nil {
			r.logger.Warn("failed to prune active index", zap.Error(err))
		}
	}
	return count, nil
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}
