package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/funcrun/internal/config"
	"github.com/wudi/funcrun/internal/errors"
)

const opTimeout = 3 * time.Second

// Redis is the production KV store. Entries are plain keys with PX expiry;
// a per-project hash of entry sizes plus a usage counter back the quota
// check. Entries that expire inside Redis leave stale accounting until the
// key is next touched, when it is reconciled.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the configured server.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kv: redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

func dataKey(projectID, key string) string { return "kv:" + projectID + ":" + key }
func sizeKey(projectID string) string      { return "kvsize:" + projectID }
func usedKey(projectID string) string      { return "kvused:" + projectID }

// reconcile drops accounting for an entry Redis already expired.
func (r *Redis) reconcile(ctx context.Context, projectID, key string) {
	size, err := r.client.HGet(ctx, sizeKey(projectID), key).Int64()
	if err != nil {
		return
	}
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, sizeKey(projectID), key)
	pipe.DecrBy(ctx, usedKey(projectID), size)
	pipe.Exec(ctx)
}

func (r *Redis) Get(ctx context.Context, projectID, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	val, err := r.client.Get(ctx, dataKey(projectID, key)).Result()
	if err == redis.Nil {
		r.reconcile(ctx, projectID, key)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, projectID, key, value string, ttlMS int64, limitBytes int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	newSize := entrySize(key, value)
	var oldSize int64
	if exists, err := r.client.Exists(ctx, dataKey(projectID, key)).Result(); err != nil {
		return err
	} else if exists == 1 {
		oldSize, _ = r.client.HGet(ctx, sizeKey(projectID), key).Int64()
	} else {
		r.reconcile(ctx, projectID, key)
	}

	if limitBytes > 0 {
		used, err := r.client.Get(ctx, usedKey(projectID)).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if used-oldSize+newSize > limitBytes {
			return errors.ErrQuotaExceeded.WithDetails("kv storage limit reached")
		}
	}

	var expiry time.Duration
	if ttlMS > 0 {
		expiry = time.Duration(ttlMS) * time.Millisecond
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, dataKey(projectID, key), value, expiry)
	pipe.HSet(ctx, sizeKey(projectID), key, newSize)
	pipe.IncrBy(ctx, usedKey(projectID), newSize-oldSize)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Has(ctx context.Context, projectID, key string) (bool, error) {
	_, ok, err := r.Get(ctx, projectID, key)
	return ok, err
}

func (r *Redis) Delete(ctx context.Context, projectID, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := r.client.Del(ctx, dataKey(projectID, key)).Result()
	if err != nil {
		return false, err
	}
	r.reconcile(ctx, projectID, key)
	return n > 0, nil
}

func (r *Redis) Clear(ctx context.Context, projectID string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	iter := r.client.Scan(ctx, 0, dataKey(projectID, "*"), 256).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, sizeKey(projectID), usedKey(projectID)).Err()
}

func (r *Redis) UsedBytes(ctx context.Context, projectID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	used, err := r.client.Get(ctx, usedKey(projectID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return used, err
}

func (r *Redis) Close() error {
	return r.client.Close()
}
