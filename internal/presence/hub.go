// Package presence tracks which identities are connected to a match across
// gateway instances. Each hub keeps its own heartbeat per identity in a
// redis sorted set scored by its expiry, so one instance withdrawing does
// not hide the same identity held on another; a change notice on a pub/sub channel tells
// subscribers to re-read the set, and a periodic sweep catches holders that
// vanished without withdrawing.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"tictactoe-sync/client"
	"tictactoe-sync/internal/redis"
)

// DefaultTTL is how long an announcement survives without a heartbeat.
const DefaultTTL = 15 * time.Second

var _ client.PresenceChannel = (*Hub)(nil)

// Hub implements client.PresenceChannel on redis.
type Hub struct {
	id    string
	redis *redis.Client
	ttl   time.Duration
	clock clockwork.Clock

	mu    sync.Mutex
	local map[string]map[string]int // key -> identity -> announcements held here
}

// NewHub creates a hub. Zero ttl uses DefaultTTL; nil clock the real one.
func NewHub(rdb *redis.Client, ttl time.Duration, clock clockwork.Clock) *Hub {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		id:    uuid.NewString(),
		redis: rdb,
		ttl:   ttl,
		clock: clock,
		local: make(map[string]map[string]int),
	}
}

// Announce marks identity present on key and keeps the heartbeat alive
// until the subscription is closed. Announcements of the same identity
// held by this hub are reference counted.
func (h *Hub) Announce(ctx context.Context, key, identity string) (client.Subscription, error) {
	if identity == "" {
		return nil, errors.New("presence: empty identity")
	}
	added, err := h.beat(ctx, key, identity)
	if err != nil {
		return nil, fmt.Errorf("announce %s on %s: %w", identity, key, err)
	}

	h.mu.Lock()
	if h.local[key] == nil {
		h.local[key] = make(map[string]int)
	}
	h.local[key][identity]++
	h.mu.Unlock()

	if added {
		h.notify(ctx, key)
	}

	stop := make(chan struct{})
	ticker := h.clock.NewTicker(h.ttl / 3)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				added, err := h.beat(context.Background(), key, identity)
				if err != nil {
					log.Printf("[PRESENCE] heartbeat %s on %s failed: %v", identity, key, err)
					continue
				}
				if added {
					h.notify(context.Background(), key)
				}
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return closer(func() error {
		var err error
		once.Do(func() {
			close(stop)
			err = h.withdraw(key, identity)
		})
		return err
	}), nil
}

// SubscribePresence delivers the current set right away and again after
// every change.
func (h *Hub) SubscribePresence(ctx context.Context, key string, onSnapshot func([]string)) (client.Subscription, error) {
	ps, err := h.redis.Listen(ctx, redis.PresenceChannel(key))
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	ticker := h.clock.NewTicker(h.ttl / 2)
	go func() {
		defer ticker.Stop()
		var last []string
		first := true
		deliver := func() {
			ids, err := h.Snapshot(context.Background(), key)
			if err != nil {
				log.Printf("[PRESENCE] snapshot %s failed: %v", key, err)
				return
			}
			if !first && slices.Equal(ids, last) {
				return
			}
			first = false
			last = ids
			onSnapshot(ids)
		}

		deliver()
		msgs := ps.Channel()
		for {
			select {
			case _, ok := <-msgs:
				if !ok {
					return
				}
				deliver()
			case <-ticker.Chan():
				deliver()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return closer(func() error {
		var err error
		once.Do(func() {
			close(stop)
			err = ps.Close()
		})
		return err
	}), nil
}

// Snapshot drops expired heartbeats and returns the identities left,
// sorted and without duplicates.
func (h *Hub) Snapshot(ctx context.Context, key string) ([]string, error) {
	set := redis.PresenceSet(key)
	now := strconv.FormatInt(h.clock.Now().UnixMilli(), 10)
	if err := h.redis.ZRemRangeByScore(ctx, set, "-inf", now).Err(); err != nil {
		return nil, err
	}
	members, err := h.redis.ZRange(ctx, set, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, identityOf(m))
	}
	sort.Strings(ids)
	return slices.Compact(ids), nil
}

// member is the set entry for identity held by the hub with hubID.
func member(identity, hubID string) string {
	return identity + "@" + hubID
}

// identityOf strips the hub suffix. Hub ids never contain '@'.
func identityOf(m string) string {
	if i := strings.LastIndexByte(m, '@'); i >= 0 {
		return m[:i]
	}
	return m
}

// beat pushes this hub's expiry for identity forward and reports whether
// the hub's entry was absent.
func (h *Hub) beat(ctx context.Context, key, identity string) (bool, error) {
	expiry := h.clock.Now().Add(h.ttl).UnixMilli()
	n, err := h.redis.ZAdd(ctx, redis.PresenceSet(key), goredis.Z{
		Score:  float64(expiry),
		Member: member(identity, h.id),
	}).Result()
	if err != nil {
		return false, err
	}
	h.redis.Expire(ctx, redis.PresenceSet(key), 2*h.ttl)
	return n > 0, nil
}

func (h *Hub) withdraw(key, identity string) error {
	h.mu.Lock()
	h.local[key][identity]--
	remaining := h.local[key][identity]
	if remaining <= 0 {
		delete(h.local[key], identity)
		if len(h.local[key]) == 0 {
			delete(h.local, key)
		}
	}
	h.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.redis.ZRem(ctx, redis.PresenceSet(key), member(identity, h.id)).Err(); err != nil {
		return fmt.Errorf("withdraw %s from %s: %w", identity, key, err)
	}
	h.notify(ctx, key)
	return nil
}

func (h *Hub) notify(ctx context.Context, key string) {
	if err := h.redis.Publish(ctx, redis.PresenceChannel(key), "changed").Err(); err != nil {
		log.Printf("[PRESENCE] notify %s failed: %v", key, err)
	}
}

type closer func() error

func (c closer) Close() error { return c() }
