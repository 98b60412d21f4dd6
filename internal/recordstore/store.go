// Package recordstore is the server-side RecordStore: match records live
// in the games table and every stored revision is published on a redis
// channel that backs the change feed.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"tictactoe-sync/client"
	"tictactoe-sync/internal/db"
	"tictactoe-sync/internal/models"
	"tictactoe-sync/internal/redis"
	gameModels "tictactoe-sync/models"
)

// maxUpdateAttempts bounds the retries of an unconditional update that
// lost a race to another writer.
const maxUpdateAttempts = 5

var errRaced = errors.New("revision moved during update")

var _ client.RecordStore = (*Store)(nil)

// Store implements client.RecordStore on gorm and redis.
type Store struct {
	db    *db.DB
	redis *redis.Client
	clock clockwork.Clock
}

// New creates a store. A nil clock uses the real clock.
func New(database *db.DB, rdb *redis.Client, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{db: database, redis: rdb, clock: clock}
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Second)
}

// Fetch reads the current record.
func (s *Store) Fetch(ctx context.Context, id string) (gameModels.MatchRecord, error) {
	row, err := s.load(ctx, id)
	if err != nil {
		return gameModels.MatchRecord{}, err
	}
	return row.Record()
}

// Insert stores a new record at revision 1.
func (s *Store) Insert(ctx context.Context, rec gameModels.MatchRecord) (gameModels.MatchRecord, error) {
	now := s.now()
	rec = rec.Clone()
	rec.Revision = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	row := models.GameFromRecord(rec)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Game{}).Where("id = ?", rec.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", client.ErrExists, rec.ID)
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return gameModels.MatchRecord{}, err
	}

	log.Printf("[STORE] match %s created by %s", rec.ID, rec.HostID)
	s.publish(ctx, rec)
	return rec, nil
}

// Update applies patch and bumps the revision. A patch with IfRevision set
// fails with client.ErrConflict when the stored revision differs; an
// unconditional patch is retried when another write lands in between.
func (s *Store) Update(ctx context.Context, id string, patch gameModels.Patch) (gameModels.MatchRecord, error) {
	for attempt := 1; ; attempt++ {
		rec, err := s.update(ctx, id, patch)
		if !errors.Is(err, errRaced) {
			if err != nil {
				return gameModels.MatchRecord{}, err
			}
			s.publish(ctx, rec)
			return rec, nil
		}
		if patch.IfRevision != 0 || attempt >= maxUpdateAttempts {
			return gameModels.MatchRecord{}, fmt.Errorf("%w: match %s", client.ErrConflict, id)
		}
	}
}

func (s *Store) update(ctx context.Context, id string, patch gameModels.Patch) (gameModels.MatchRecord, error) {
	row, err := s.load(ctx, id)
	if err != nil {
		return gameModels.MatchRecord{}, err
	}
	cur, err := row.Record()
	if err != nil {
		return gameModels.MatchRecord{}, err
	}
	if patch.IfRevision != 0 && patch.IfRevision != cur.Revision {
		return gameModels.MatchRecord{}, fmt.Errorf("%w: match %s is at revision %d, patch expects %d",
			client.ErrConflict, id, cur.Revision, patch.IfRevision)
	}

	next := patch.Apply(cur)
	next.Revision = cur.Revision + 1
	next.UpdatedAt = s.now()

	res := s.db.WithContext(ctx).
		Model(&models.Game{}).
		Where("id = ? AND revision = ?", id, cur.Revision).
		Updates(models.GameFromRecord(next).UpdateColumns())
	if res.Error != nil {
		return gameModels.MatchRecord{}, fmt.Errorf("update match %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return gameModels.MatchRecord{}, errRaced
	}
	return next, nil
}

func (s *Store) load(ctx context.Context, id string) (models.Game, error) {
	var row models.Game
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, fmt.Errorf("%w: %s", client.ErrNotFound, id)
	}
	if err != nil {
		return row, fmt.Errorf("load match %s: %w", id, err)
	}
	return row, nil
}

// publish is best-effort: the stored write already succeeded and readers
// fall back to fetching.
func (s *Store) publish(ctx context.Context, rec gameModels.MatchRecord) {
	if err := s.redis.PublishJSON(ctx, redis.MatchChannel(rec.ID), rec); err != nil {
		log.Printf("[STORE] match %s: publish revision %d failed: %v", rec.ID, rec.Revision, err)
	}
}

// Subscribe delivers every record published for id until the returned
// subscription is closed or ctx ends.
func (s *Store) Subscribe(ctx context.Context, id string, onUpdate func(gameModels.MatchRecord)) (client.Subscription, error) {
	ps, err := s.redis.Listen(ctx, redis.MatchChannel(id))
	if err != nil {
		return nil, err
	}

	sub := newFeed(ps.Close)
	go func() {
		for msg := range ps.Channel() {
			var rec gameModels.MatchRecord
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				log.Printf("[STORE] match %s: dropping undecodable feed message: %v", id, err)
				continue
			}
			onUpdate(rec)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.closed:
		}
	}()
	return sub, nil
}

// ReapStale abandons Waiting matches nobody joined within idle. It returns
// how many were closed.
func (s *Store) ReapStale(ctx context.Context, idle time.Duration) (int, error) {
	var rows []models.Game
	cutoff := s.now().Add(-idle)
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", gameModels.StatusWaiting, cutoff).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("find stale matches: %w", err)
	}

	abandoned := gameModels.StatusAbandoned
	reaped := 0
	for _, row := range rows {
		_, err := s.Update(ctx, row.ID, gameModels.Patch{Status: &abandoned, IfRevision: row.Revision})
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, client.ErrConflict):
			// Somebody joined in the meantime.
		default:
			return reaped, err
		}
	}
	if reaped > 0 {
		log.Printf("[STORE] abandoned %d stale waiting match(es)", reaped)
	}
	return reaped, nil
}

type feed struct {
	once    sync.Once
	closed  chan struct{}
	release func() error
}

func newFeed(release func() error) *feed {
	return &feed{closed: make(chan struct{}), release: release}
}

func (f *feed) Close() error {
	var err error
	f.once.Do(func() {
		err = f.release()
		close(f.closed)
	})
	return err
}
