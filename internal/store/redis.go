package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Redis stores each key directly as a Redis string. FindKeys walks the
// keyspace with SCAN MATCH, so patterns stay server-side.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: ping redis: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: remove %s: %w", key, err)
	}
	return nil
}

func (r *Redis) FindKeys(ctx context.Context, pattern, notPattern string) ([]string, error) {
	var notRe *regexp.Regexp
	if notPattern != "" {
		var err error
		if notRe, err = globRegexp(notPattern); err != nil {
			return nil, err
		}
	}
	var keys []string
	iter := r.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if notRe != nil && notRe.MatchString(key) {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", pattern, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) Close(context.Context) error {
	return r.rdb.Close()
}
