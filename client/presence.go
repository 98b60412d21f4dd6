package client

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"tictactoe-sync/models"
)

// PresenceMonitor tracks whether the opponent is announced on the match's
// presence channel. An absence is reported once it has lasted the debounce
// window and the join grace period is over; a reappearance after a
// reported absence is reported once and leaves a reconnect decision to the
// local player. Presence is never written to the match record.
type PresenceMonitor struct {
	cfg      Config
	channel  PresenceChannel
	identity string
	emit     func(...models.Event)
	abandon  func(context.Context) error

	mu         sync.Mutex
	matchID    string
	opponentID string
	status     models.Status
	seen       map[string]struct{}
	present    bool
	state      models.PresenceState
	started    bool
	stopped    bool
	graceEnd   time.Time
	timer      clockwork.Timer
	timerGen   uint64
	prompt     bool
	subs       []Subscription
}

func newPresenceMonitor(cfg Config, channel PresenceChannel, identity string, emit func(...models.Event), abandon func(context.Context) error) *PresenceMonitor {
	return &PresenceMonitor{
		cfg:      cfg,
		channel:  channel,
		identity: identity,
		emit:     emit,
		abandon:  abandon,
		seen:     make(map[string]struct{}),
		state:    models.PresenceConnected,
	}
}

// State returns the opponent's presence state.
func (m *PresenceMonitor) State() models.PresenceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OpponentOnline reports whether the last snapshot listed the opponent.
func (m *PresenceMonitor) OpponentOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present
}

// InGracePeriod reports whether the join warm-up window is still open.
func (m *PresenceMonitor) InGracePeriod() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && m.cfg.Clock.Now().Before(m.graceEnd)
}

// ResolveReconnect answers the prompt raised after the opponent came back.
// Giving up marks the match Abandoned.
func (m *PresenceMonitor) ResolveReconnect(ctx context.Context, keepPlaying bool) error {
	m.mu.Lock()
	if !m.prompt {
		m.mu.Unlock()
		return ErrNoReconnectPrompt
	}
	m.prompt = false
	matchID := m.matchID
	m.mu.Unlock()

	if keepPlaying {
		log.Printf("[PRESENCE] match %s: continuing after reconnect", matchID)
		return nil
	}
	log.Printf("[PRESENCE] match %s: abandoning after reconnect", matchID)
	return m.abandon(ctx)
}

// start announces the local identity and subscribes to snapshots. The
// grace period starts here.
func (m *PresenceMonitor) start(ctx context.Context, matchID string) {
	if m.channel == nil {
		return
	}

	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.matchID = matchID
	m.graceEnd = m.cfg.Clock.Now().Add(m.cfg.PresenceGrace)
	m.mu.Unlock()

	key := PresenceKey(matchID)
	var subs []Subscription
	if ann, err := m.channel.Announce(ctx, key, m.identity); err != nil {
		log.Printf("[PRESENCE] match %s: announce failed: %v", matchID, err)
	} else {
		subs = append(subs, ann)
	}
	if sub, err := m.channel.SubscribePresence(ctx, key, m.handleSnapshot); err != nil {
		log.Printf("[PRESENCE] match %s: subscribe failed: %v", matchID, err)
	} else {
		subs = append(subs, sub)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		closeAll(subs)
		return
	}
	m.subs = append(m.subs, subs...)
	events := m.evaluateLocked()
	m.mu.Unlock()
	m.emit(events...)
}

func (m *PresenceMonitor) handleSnapshot(ids []string) {
	m.mu.Lock()
	m.seen = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m.seen[id] = struct{}{}
	}
	_, m.present = m.seen[m.opponentID]
	events := m.evaluateLocked()
	m.mu.Unlock()
	m.emit(events...)
}

// observe picks up the opponent identity and the match status.
func (m *PresenceMonitor) observe(rec models.MatchRecord) {
	m.mu.Lock()
	if mark := rec.MarkOf(m.identity); mark != models.MarkNone {
		m.opponentID = rec.PlayerFor(mark.Opponent())
	}
	m.status = rec.Status
	_, m.present = m.seen[m.opponentID]
	events := m.evaluateLocked()
	m.mu.Unlock()
	m.emit(events...)
}

// tracksPresence lists the statuses in which a missing opponent matters.
func tracksPresence(status models.Status) bool {
	switch status.Kind {
	case models.KindPlaying, models.KindFinished, models.KindRematchRequested:
		return true
	}
	return false
}

func (m *PresenceMonitor) evaluateLocked() []models.Event {
	if !m.started || m.stopped {
		return nil
	}
	if m.opponentID == "" || !tracksPresence(m.status) {
		m.cancelTimerLocked()
		if m.state == models.PresencePendingDisconnect {
			m.state = models.PresenceConnected
		}
		return nil
	}

	if m.present {
		m.cancelTimerLocked()
		prev := m.state
		m.state = models.PresenceConnected
		if prev != models.PresenceDisconnected {
			return nil
		}
		log.Printf("[PRESENCE] match %s: opponent %s reconnected", m.matchID, m.opponentID)
		m.prompt = true
		data := models.PresenceEvent{OpponentID: m.opponentID}
		return []models.Event{
			{Type: models.EventOpponentReconnected, MatchID: m.matchID, Data: data},
			{Type: models.EventReconnectPrompt, MatchID: m.matchID, Data: data},
		}
	}

	if m.state == models.PresenceConnected {
		m.state = models.PresencePendingDisconnect
		delay := m.cfg.PresenceDebounce
		if untilGraceEnd := m.graceEnd.Sub(m.cfg.Clock.Now()); untilGraceEnd > delay {
			delay = untilGraceEnd
		}
		m.timerGen++
		gen := m.timerGen
		m.timer = m.cfg.Clock.AfterFunc(delay, func() { m.fire(gen) })
	}
	return nil
}

func (m *PresenceMonitor) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen || m.stopped || m.present ||
		m.state != models.PresencePendingDisconnect || !tracksPresence(m.status) {
		m.mu.Unlock()
		return
	}
	m.state = models.PresenceDisconnected
	m.timer = nil
	ev := models.Event{
		Type:    models.EventOpponentMissing,
		MatchID: m.matchID,
		Data:    models.PresenceEvent{OpponentID: m.opponentID},
	}
	log.Printf("[PRESENCE] match %s: opponent %s missing", m.matchID, m.opponentID)
	m.mu.Unlock()
	m.emit(ev)
}

func (m *PresenceMonitor) cancelTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// stop withdraws the announcement and cancels any pending timer.
func (m *PresenceMonitor) stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.prompt = false
	m.cancelTimerLocked()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	closeAll(subs)
}

func closeAll(subs []Subscription) {
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			log.Printf("[SYNC] closing subscription: %v", err)
		}
	}
}
