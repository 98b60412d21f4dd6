// Package locks provides redis leases that let one gateway instance run a
// job the whole cluster shares.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"tictactoe-sync/internal/redis"
)

var (
	// ErrLockNotHeld occurs when releasing or extending a lock this
	// instance no longer owns
	ErrLockNotHeld = errors.New("lock not held by this instance")
	// ErrLockAlreadyHeld occurs when another instance holds the lock
	ErrLockAlreadyHeld = errors.New("lock already held by another instance")
)

// DefaultLockTTL bounds how long a crashed holder blocks the others.
const DefaultLockTTL = 30 * time.Second

// Only the owner may delete or extend a lease.
var (
	releaseScript = goredis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = goredis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Manager hands out locks owned by this instance.
type Manager struct {
	redis      *redis.Client
	instanceID string
	clock      clockwork.Clock
}

// Lock is a held lease.
type Lock struct {
	key        string
	value      string
	manager    *Manager
	acquiredAt time.Time
}

// NewManager creates a manager with a fresh instance id. A nil clock uses
// the real one.
func NewManager(rdb *redis.Client, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		redis:      rdb,
		instanceID: uuid.NewString(),
		clock:      clock,
	}
}

// InstanceID identifies this manager's leases.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// TryAcquire takes the lock once, without waiting. It returns
// ErrLockAlreadyHeld when another holder has it.
func (m *Manager) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	key := redis.Lock(name)
	value := fmt.Sprintf("%s:%s", m.instanceID, uuid.NewString())

	acquired, err := m.redis.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, ErrLockAlreadyHeld
	}
	return &Lock{key: key, value: value, manager: m, acquiredAt: m.clock.Now()}, nil
}

// Holder returns the value stored under the lock, or "" when it is free.
func (m *Manager) Holder(ctx context.Context, name string) (string, error) {
	value, err := m.redis.Get(ctx, redis.Lock(name)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock %s: %w", name, err)
	}
	return value, nil
}

// Lease runs fn while holding name for one interval. A successful run
// leaves the lease to expire after ttl, so the other instances skip name
// until then; a failed run releases it so another instance may retry. The
// lease is extended while fn is still running. A lock held elsewhere skips
// fn and returns ErrLockAlreadyHeld.
func (m *Manager) Lease(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	lock, err := m.TryAcquire(ctx, name, ttl)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := m.clock.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				if err := lock.Extend(ctx, ttl); err != nil {
					log.Printf("[LOCK] extending %s: %v", lock.key, err)
					return
				}
			}
		}
	}()

	err = fn(ctx)
	close(stop)
	<-stopped
	if err != nil {
		if rerr := lock.Release(context.Background()); rerr != nil {
			log.Printf("[LOCK] releasing %s: %v", lock.key, rerr)
		}
	}
	return err
}

// Release deletes the lock if this instance still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return ErrLockNotHeld
	}
	result, err := releaseScript.Run(ctx, l.manager.redis, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		log.Printf("[LOCK] %s expired before release (held %v)", l.key, l.manager.clock.Since(l.acquiredAt))
		return ErrLockNotHeld
	}
	return nil
}

// Extend resets the lock's expiry to ttl from now.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if l == nil {
		return ErrLockNotHeld
	}
	result, err := extendScript.Run(ctx, l.manager.redis, []string{l.key}, l.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}
