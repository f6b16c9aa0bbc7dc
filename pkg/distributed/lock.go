package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lease is not held by this owner")

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the key only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out exclusive leases on Redis keys. A lease is renewed at
// half its TTL until released, so a crashed holder frees it after one TTL.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewLocker(client *redis.Client, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

// Lease is a held lock.
type Lease struct {
	client   *redis.Client
	key      string
	token    string
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// TryAcquire takes the lease on name without waiting. It returns nil when
// another owner holds it.
func (l *Locker) TryAcquire(ctx context.Context, name string) (*Lease, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	key := l.prefix + "lock:" + name

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	if !acquired {
		return nil, nil
	}

	lease := &Lease{
		client: l.client,
		key:    key,
		token:  token,
		ttl:    l.ttl,
		stop:   make(chan struct{}),
	}
	go lease.renew()
	return lease, nil
}

// Release gives the lease up. Releasing twice returns ErrNotHeld.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *Lease) renew() {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || n == 0 {
				return
			}
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lease token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
