package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// Lease is a Redis key held by at most one instance at a time. The holder
// must renew it before ttl elapses or another instance can take it over.
type Lease struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
	held   atomic.Bool
}

func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		value:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Holder is the value this instance writes to the key.
func (l *Lease) Holder() string { return l.value }

// Held reports the outcome of the last Acquire or Renew.
func (l *Lease) Held() bool { return l.held.Load() }

// Acquire takes the lease if it is free. It returns true when this instance
// holds the lease afterwards, including when it already did.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		l.held.Store(false)
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if ok {
		l.held.Store(true)
		return true, nil
	}
	return l.Renew(ctx)
}

// Renew extends the lease when this instance still holds it.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
	if err != nil {
		l.held.Store(false)
		return false, fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	l.held.Store(n == 1)
	return n == 1, nil
}

// Release deletes the key if this instance holds it.
func (l *Lease) Release(ctx context.Context) error {
	l.held.Store(false)
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Result(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}

// Campaign keeps trying to acquire or renew the lease every ttl/3 until ctx
// is done, then releases it. onChange is called on every change of Held.
func (l *Lease) Campaign(ctx context.Context, onChange func(held bool, err error)) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	was := false
	attempt := func() {
		held, err := l.Acquire(ctx)
		if held != was && onChange != nil {
			onChange(held, err)
		}
		was = held
	}

	attempt()
	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = l.Release(releaseCtx)
			cancel()
			return
		case <-ticker.C:
			attempt()
		}
	}
}
