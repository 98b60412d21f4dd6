// Package store provides an in-process RecordStore and PresenceChannel,
// used for offline play and as the test double of the hosted backend.
package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"tictactoe-sync/client"
	"tictactoe-sync/models"
)

// ErrExists is returned when inserting a record whose id is taken.
var ErrExists = client.ErrExists

const queueSize = 64

// Memory keeps match records and presence sets in memory. Feed delivery
// mirrors a hosted change feed: each subscriber has a bounded queue and
// updates are dropped when it is full.
type Memory struct {
	clock clockwork.Clock

	mu        sync.Mutex
	records   map[string]models.MatchRecord
	feeds     map[string]map[*subscriber[models.MatchRecord]]struct{}
	announced map[string]map[string]int
	watchers  map[string]map[*subscriber[[]string]]struct{}

	feedPaused bool
	writeErr   error
}

// NewMemory creates an empty store. A nil clock uses the real clock.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:     clock,
		records:   make(map[string]models.MatchRecord),
		feeds:     make(map[string]map[*subscriber[models.MatchRecord]]struct{}),
		announced: make(map[string]map[string]int),
		watchers:  make(map[string]map[*subscriber[[]string]]struct{}),
	}
}

// SetFeedPaused drops every feed notification while paused, the way a
// backgrounded client misses realtime events.
func (m *Memory) SetFeedPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedPaused = paused
}

// FailWrites makes Insert and Update fail with err until called with nil.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *Memory) Fetch(ctx context.Context, id string) (models.MatchRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.MatchRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return models.MatchRecord{}, fmt.Errorf("%w: %s", client.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (m *Memory) Insert(ctx context.Context, rec models.MatchRecord) (models.MatchRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.MatchRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return models.MatchRecord{}, m.writeErr
	}
	if _, ok := m.records[rec.ID]; ok {
		return models.MatchRecord{}, fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}

	now := m.clock.Now()
	rec = rec.Clone()
	rec.Revision = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[rec.ID] = rec
	return rec.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, id string, patch models.Patch) (models.MatchRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.MatchRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return models.MatchRecord{}, m.writeErr
	}
	current, ok := m.records[id]
	if !ok {
		return models.MatchRecord{}, fmt.Errorf("%w: %s", client.ErrNotFound, id)
	}
	if patch.IfRevision != 0 && patch.IfRevision != current.Revision {
		return models.MatchRecord{}, fmt.Errorf("%w: %s at revision %d, expected %d",
			client.ErrConflict, id, current.Revision, patch.IfRevision)
	}

	next := patch.Apply(current)
	next.Revision = current.Revision + 1
	next.UpdatedAt = m.clock.Now()
	m.records[id] = next

	if !m.feedPaused {
		for sub := range m.feeds[id] {
			if !sub.offer(next.Clone()) {
				log.Printf("[STORE] match %s: feed queue full, dropped revision %d", id, next.Revision)
			}
		}
	}
	return next.Clone(), nil
}

func (m *Memory) Subscribe(ctx context.Context, id string, onUpdate func(models.MatchRecord)) (client.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber(onUpdate)
	if m.feeds[id] == nil {
		m.feeds[id] = make(map[*subscriber[models.MatchRecord]]struct{})
	}
	m.feeds[id][sub] = struct{}{}
	sub.remove = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.feeds[id], sub)
		if len(m.feeds[id]) == 0 {
			delete(m.feeds, id)
		}
	}
	return sub, nil
}

// Announce adds identity to the presence set of key until the returned
// subscription is closed. The same identity may be announced twice; it
// stays present until both announcements are withdrawn.
func (m *Memory) Announce(ctx context.Context, key, identity string) (client.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.announced[key] == nil {
		m.announced[key] = make(map[string]int)
	}
	m.announced[key][identity]++
	m.publishPresenceLocked(key)
	m.mu.Unlock()

	var once sync.Once
	return subscriptionFunc(func() error {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.announced[key][identity]--; m.announced[key][identity] <= 0 {
				delete(m.announced[key], identity)
			}
			m.publishPresenceLocked(key)
		})
		return nil
	}), nil
}

func (m *Memory) SubscribePresence(ctx context.Context, key string, onSnapshot func([]string)) (client.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber(onSnapshot)
	if m.watchers[key] == nil {
		m.watchers[key] = make(map[*subscriber[[]string]]struct{})
	}
	m.watchers[key][sub] = struct{}{}
	sub.remove = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers[key], sub)
	}
	sub.offer(m.presenceLocked(key))
	return sub, nil
}

// Present returns the identities currently announced on key.
func (m *Memory) Present(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presenceLocked(key)
}

func (m *Memory) presenceLocked(key string) []string {
	ids := make([]string, 0, len(m.announced[key]))
	for id := range m.announced[key] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Memory) publishPresenceLocked(key string) {
	for sub := range m.watchers[key] {
		if !sub.offer(m.presenceLocked(key)) {
			log.Printf("[STORE] presence %s: queue full, dropped snapshot", key)
		}
	}
}

// subscriber runs callbacks on its own goroutine so a slow callback never
// blocks writers.
type subscriber[T any] struct {
	queue     chan T
	done      chan struct{}
	closeOnce sync.Once
	remove    func()
}

func newSubscriber[T any](fn func(T)) *subscriber[T] {
	sub := &subscriber[T]{
		queue: make(chan T, queueSize),
		done:  make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case v := <-sub.queue:
				select {
				case <-sub.done:
					return
				default:
				}
				fn(v)
			}
		}
	}()
	return sub
}

func (s *subscriber[T]) offer(v T) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.queue <- v:
		return true
	default:
		return false
	}
}

func (s *subscriber[T]) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.remove != nil {
			s.remove()
		}
	})
	return nil
}

type subscriptionFunc func() error

func (f subscriptionFunc) Close() error { return f() }
