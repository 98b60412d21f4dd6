package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"tictactoe-sync/models"
)

// ReactionChannel broadcasts emoji reactions through the record's
// lastReaction field. Reactions are cosmetic: a lost or overwritten one
// is never retried, and one older than the TTL when it arrives is not
// shown.
type ReactionChannel struct {
	cfg   Config
	owner *Synchronizer

	mu       sync.Mutex
	lastSeen map[models.Mark]int64
	showing  map[models.Mark]models.Reaction
	timers   map[models.Mark]clockwork.Timer
	stopped  bool
}

func newReactionChannel(cfg Config, owner *Synchronizer) *ReactionChannel {
	return &ReactionChannel{
		cfg:      cfg,
		owner:    owner,
		lastSeen: make(map[models.Mark]int64),
		showing:  make(map[models.Mark]models.Reaction),
		timers:   make(map[models.Mark]clockwork.Timer),
	}
}

// IsReactionEmoji reports whether emoji is on the allow-list.
func IsReactionEmoji(emoji string) bool {
	for _, e := range models.ReactionEmojis {
		if e == emoji {
			return true
		}
	}
	return false
}

// Send shows emoji locally and writes it to the record. A failed write is
// reported as EventTransientError only.
func (c *ReactionChannel) Send(ctx context.Context, emoji string) error {
	if !IsReactionEmoji(emoji) {
		return fmt.Errorf("%w: %q", ErrUnknownEmoji, emoji)
	}

	s := c.owner
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case !s.joined:
		s.mu.Unlock()
		return ErrNotJoined
	}
	matchID := s.session.MatchID
	reaction := models.Reaction{
		Mark:  s.session.MyMark,
		Emoji: emoji,
		At:    c.cfg.Clock.Now().UnixMilli(),
	}
	s.inflight++
	s.mu.Unlock()

	c.mu.Lock()
	c.lastSeen[reaction.Mark] = reaction.At
	events := c.showLocked(matchID, reaction)
	c.mu.Unlock()
	s.events.emit(events...)

	s.persist(ctx, "reaction", models.Patch{Reaction: &reaction})
	return nil
}

// Showing returns the reaction currently displayed for mark.
func (c *ReactionChannel) Showing(mark models.Mark) (models.Reaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.showing[mark]
	return r, ok
}

// observe handles the lastReaction field of an accepted record. Our own
// reactions were shown when sent.
func (c *ReactionChannel) observe(matchID string, r *models.Reaction, myMark models.Mark) []models.Event {
	if r == nil || r.Mark == myMark || r.Mark == models.MarkNone {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.lastSeen[r.Mark] == r.At {
		return nil
	}
	c.lastSeen[r.Mark] = r.At

	age := c.cfg.Clock.Now().Sub(r.Time())
	if age >= c.cfg.ReactionTTL {
		return nil
	}
	return c.showLocked(matchID, *r)
}

// showLocked displays r and schedules its removal after the TTL,
// replacing whatever the same mark was showing.
func (c *ReactionChannel) showLocked(matchID string, r models.Reaction) []models.Event {
	if c.stopped {
		return nil
	}
	if t, ok := c.timers[r.Mark]; ok {
		t.Stop()
	}
	c.showing[r.Mark] = r
	c.timers[r.Mark] = c.cfg.Clock.AfterFunc(c.cfg.ReactionTTL, func() {
		c.clear(matchID, r)
	})
	return []models.Event{{
		Type:    models.EventReaction,
		MatchID: matchID,
		Data:    models.ReactionEvent{Reaction: r},
	}}
}

func (c *ReactionChannel) clear(matchID string, r models.Reaction) {
	c.mu.Lock()
	if c.stopped || c.showing[r.Mark] != r {
		c.mu.Unlock()
		return
	}
	delete(c.showing, r.Mark)
	delete(c.timers, r.Mark)
	c.mu.Unlock()

	c.owner.events.emit(models.Event{
		Type:    models.EventReactionCleared,
		MatchID: matchID,
		Data:    models.ReactionEvent{Reaction: r},
	})
}

func (c *ReactionChannel) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for mark, t := range c.timers {
		t.Stop()
		delete(c.timers, mark)
	}
}
