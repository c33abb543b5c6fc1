// Package distributed provides a Redis lease that at most one holder across
// all nodes can own at a time.
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

// ErrNotHeld is returned by Unlock when the lock expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is a single-holder lease on key. While held it is renewed every
// half TTL, so it only lapses when the holder stops renewing it.
type Lock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration

	mu       sync.Mutex
	held     bool
	stop     chan struct{}
	renewed  chan struct{}
	lostHook func()
}

func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		value:  holderValue(),
		ttl:    ttl,
	}
}

func holderValue() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// OnLost registers fn to run if renewal finds the lease owned by someone
// else or gone. It must be set before TryLock.
func (l *Lock) OnLost(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lostHook = fn
}

// TryLock claims the lease without waiting. It reports false when another
// holder owns it.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return true, nil
	}

	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !acquired {
		return false, nil
	}

	l.held = true
	l.stop = make(chan struct{})
	l.renewed = make(chan struct{})
	go l.renew(l.stop, l.renewed)
	return true, nil
}

// Unlock stops renewal and deletes the key if this holder still owns it.
// Unlocking a lock that is not held returns ErrNotHeld.
func (l *Lock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return ErrNotHeld
	}
	l.held = false
	stop, renewed := l.stop, l.renewed
	l.mu.Unlock()

	close(stop)
	<-renewed

	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}

// Held reports whether this holder believes it owns the lease.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *Lock) renew(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			ok, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				// retried on the next tick
				continue
			}
			if ok == 0 {
				l.lost()
				return
			}
		}
	}
}

func (l *Lock) lost() {
	l.mu.Lock()
	l.held = false
	hook := l.lostHook
	l.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// LockManager hands out locks under a common key prefix.
type LockManager struct {
	client *redis.Client
	prefix string
}

func NewLockManager(client *redis.Client, prefix string) *LockManager {
	return &LockManager{client: client, prefix: prefix}
}

func (lm *LockManager) Lock(key string, ttl time.Duration) *Lock {
	return NewLock(lm.client, lm.prefix+key, ttl)
}
