package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps the command channel in a list and the running registry in a
// string key.
//
// A blocking BLPOP occupies its connection for the whole timeout, so the
// pops go through a dedicated single connection client and never share a
// session with pushes or registry writes.
type Redis struct {
	client *redis.Client
	poll   *redis.Client
}

var _ Storage = (*Redis)(nil)

// NewRedis connects using a redis:// URL.
func NewRedis(rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewRedisFromOptions(opts), nil
}

func NewRedisFromOptions(opts *redis.Options) *Redis {
	pollOpts := *opts
	pollOpts.PoolSize = 1
	pollOpts.MinIdleConns = 0
	pollOpts.MaxIdleConns = 1
	return &Redis{
		client: redis.NewClient(opts),
		poll:   redis.NewClient(&pollOpts),
	}
}

// Options returns the connection options, mostly for diagnostics.
func (r *Redis) Options() *redis.Options {
	return r.client.Options()
}

func (r *Redis) Push(ctx context.Context, payload []byte) error {
	return r.client.RPush(ctx, CommandKey, payload).Err()
}

// Pop uses BLPOP, which has a one second resolution: shorter timeouts are
// rounded up by the client.
func (r *Redis) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := r.poll.BLPop(ctx, timeout, CommandKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of length %d", len(res))
	}
	return []byte(res[1]), nil
}

func (r *Redis) LoadRunning(ctx context.Context) ([]byte, error) {
	blob, err := r.client.Get(ctx, RunningKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return blob, err
}

func (r *Redis) SaveRunning(ctx context.Context, blob []byte) error {
	return r.client.Set(ctx, RunningKey, blob, 0).Err()
}

func (r *Redis) Reset(ctx context.Context) error {
	return r.client.Del(ctx, RunningKey, CommandKey).Err()
}

// Ping checks the push session only; the poll session is usually busy
// inside BLPOP.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return errors.Join(
		r.client.Close(),
		r.poll.Close(),
	)
}
