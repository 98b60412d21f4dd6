package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"tictactoe-sync/engine"
	"tictactoe-sync/models"
)

// joinMode restricts which role Join may take.
type joinMode int

const (
	joinAnyRole joinMode = iota
	joinAsGuest
)

// Synchronizer owns the local view of one match. It applies local moves
// optimistically, merges records from the change feed and the poller and
// drives the presence, rematch and reaction components from every record
// it accepts.
type Synchronizer struct {
	cfg      Config
	store    RecordStore
	identity string
	events   *dispatcher

	presence  *PresenceMonitor
	rematch   *RematchNegotiator
	reactions *ReactionChannel

	mu       sync.Mutex
	session  engine.MatchSession
	joined   bool
	closed   bool
	inflight int
	subs     []Subscription
	poller   *poller
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSynchronizer creates a synchronizer for identity. presence may be
// nil, in which case opponent liveness is never reported.
func NewSynchronizer(store RecordStore, presence PresenceChannel, identity string, cfg Config) *Synchronizer {
	cfg = cfg.withDefaults()
	s := &Synchronizer{
		cfg:      cfg,
		store:    store,
		identity: identity,
		events:   newDispatcher(cfg.OnEvent),
		done:     make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.presence = newPresenceMonitor(cfg, presence, identity, s.events.emit, s.abandon)
	s.rematch = &RematchNegotiator{owner: s}
	s.reactions = newReactionChannel(cfg, s)
	return s
}

// Join fetches the match and takes the identity's seat: the host seat or
// the guest seat on a rejoin, or the free guest seat, which is claimed
// with a conditional write so only one of two racing guests wins.
func (s *Synchronizer) Join(ctx context.Context, matchID string) (models.LocalMatchView, error) {
	return s.join(ctx, matchID, joinAnyRole)
}

func (s *Synchronizer) join(ctx context.Context, matchID string, mode joinMode) (models.LocalMatchView, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return models.LocalMatchView{}, ErrClosed
	case s.joined:
		s.mu.Unlock()
		return models.LocalMatchView{}, ErrAlreadyJoined
	}
	s.mu.Unlock()

	rec, err := s.store.Fetch(ctx, matchID)
	if err != nil {
		return models.LocalMatchView{}, fmt.Errorf("fetch match %s: %w", matchID, err)
	}

	switch rec.MarkOf(s.identity) {
	case models.MarkX:
		if mode == joinAsGuest {
			return models.LocalMatchView{}, ErrSelfJoin
		}
		log.Printf("[SYNC] match %s: %s rejoining as host", matchID, s.identity)
	case models.MarkO:
		log.Printf("[SYNC] match %s: %s rejoining as guest", matchID, s.identity)
	default:
		rec, err = s.claimGuest(ctx, rec)
		if err != nil {
			return models.LocalMatchView{}, err
		}
		log.Printf("[SYNC] match %s: %s joined as guest", matchID, s.identity)
	}

	if rec.Status.IsTerminal() {
		return models.LocalMatchView{}, fmt.Errorf("%w: %s is %s", ErrMatchClosed, matchID, rec.Status)
	}

	session, err := engine.NewSession(s.identity, rec)
	if err != nil {
		return models.LocalMatchView{}, err
	}

	s.mu.Lock()
	if s.closed || s.joined {
		s.mu.Unlock()
		return models.LocalMatchView{}, ErrClosed
	}
	s.session = session
	s.joined = true
	s.mu.Unlock()

	if sub, err := s.store.Subscribe(s.ctx, matchID, s.handleFeed); err != nil {
		log.Printf("[SYNC] match %s: realtime subscribe failed, relying on refresh: %v", matchID, err)
		s.transientError("subscribe", err)
	} else {
		if r, ok := sub.(Reconnecting); ok {
			r.OnReconnect(s.handleReconnect)
		}
		s.addSubscription(sub)
	}

	// A write may have landed between the fetch and the subscription.
	if err := s.refresh(ctx, "join"); err != nil {
		s.transientError("refresh", err)
	}

	s.presence.start(s.ctx, matchID)
	s.presence.observe(s.Record())

	s.mu.Lock()
	waiting := s.joined && !s.closed && s.session.Record.Status.Kind == models.KindWaiting
	s.mu.Unlock()
	if waiting {
		s.startPoller()
	}

	view := s.View()
	s.events.emit(models.Event{Type: models.EventStateChanged, MatchID: matchID, Data: view})
	return view, nil
}

// claimGuest writes the identity into the free guest slot, conditional on
// the fetched revision. A conflict means someone else wrote first; the
// record is fetched again to see who.
func (s *Synchronizer) claimGuest(ctx context.Context, rec models.MatchRecord) (models.MatchRecord, error) {
	matchID := rec.ID
	for attempt := 0; attempt < s.cfg.JoinClaimAttempts; attempt++ {
		switch {
		case rec.MarkOf(s.identity) == models.MarkO:
			return rec, nil
		case rec.GuestID != "":
			return models.MatchRecord{}, fmt.Errorf("%w: %s", ErrFull, rec.ID)
		case rec.Status.IsTerminal():
			return models.MatchRecord{}, fmt.Errorf("%w: %s is %s", ErrMatchClosed, rec.ID, rec.Status)
		}

		guest := s.identity
		status := models.StatusPlaying
		updated, err := s.store.Update(ctx, rec.ID, models.Patch{
			GuestID:    &guest,
			Status:     &status,
			IfRevision: rec.Revision,
		})
		if err == nil {
			if updated.GuestID != s.identity {
				return models.MatchRecord{}, fmt.Errorf("%w: %s", ErrFull, rec.ID)
			}
			return updated, nil
		}
		if !errors.Is(err, ErrConflict) {
			return models.MatchRecord{}, fmt.Errorf("claim guest slot of %s: %w", rec.ID, err)
		}

		log.Printf("[LOBBY] match %s: guest claim conflicted (attempt %d), re-fetching", matchID, attempt+1)
		if rec, err = s.store.Fetch(ctx, matchID); err != nil {
			return models.MatchRecord{}, fmt.Errorf("fetch match %s: %w", matchID, err)
		}
	}
	return models.MatchRecord{}, fmt.Errorf("claim guest slot of %s: %w", matchID, ErrConflict)
}

// SubmitMove validates a move against the local view, applies it at once
// and persists it. Validation failures are returned; a failed write is
// reported as EventTransientError and the local view is kept until the
// next accepted record.
func (s *Synchronizer) SubmitMove(ctx context.Context, index int) error {
	return s.mutate(ctx, "move", func(session engine.MatchSession) (engine.Transition, error) {
		return engine.ApplyLocalMove(session, index)
	})
}

// Resume re-fetches the record and overwrites the local view. Call it when
// the app returns to the foreground.
func (s *Synchronizer) Resume(ctx context.Context) error {
	if err := s.refresh(ctx, "resume"); err != nil {
		s.transientError("resume", err)
		return err
	}
	return nil
}

// Leave records that the local player walked away and ends the session.
func (s *Synchronizer) Leave(ctx context.Context) error {
	err := s.mutate(ctx, "leave", func(session engine.MatchSession) (engine.Transition, error) {
		return engine.Leave(session), nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	s.teardown("left")
	return err
}

// Close ends the session without writing anything.
func (s *Synchronizer) Close() error {
	s.teardown("closed")
	return nil
}

// Done is closed once the session has been torn down.
func (s *Synchronizer) Done() <-chan struct{} {
	return s.done
}

// View returns the current local view.
func (s *Synchronizer) View() models.LocalMatchView {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	return s.buildView(session)
}

// Record returns the current local record, including optimistic changes.
func (s *Synchronizer) Record() models.MatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Record.Clone()
}

func (s *Synchronizer) MyMark() models.Mark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.MyMark
}

func (s *Synchronizer) MatchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.MatchID
}

func (s *Synchronizer) Presence() *PresenceMonitor { return s.presence }
func (s *Synchronizer) Rematch() *RematchNegotiator { return s.rematch }
func (s *Synchronizer) Reactions() *ReactionChannel { return s.reactions }

func (s *Synchronizer) buildView(session engine.MatchSession) models.LocalMatchView {
	rec := session.Record
	view := models.LocalMatchView{
		MatchID:    session.MatchID,
		MyMark:     session.MyMark,
		HostID:     rec.HostID,
		GuestID:    rec.GuestID,
		Board:      rec.Board,
		Turn:       rec.Turn,
		Winner:     rec.Winner,
		Status:     rec.Status,
		ScoreHost:  rec.ScoreHost,
		ScoreGuest: rec.ScoreGuest,
		Revision:   rec.Revision,
	}
	if rec.WinningLine != nil {
		line := *rec.WinningLine
		view.WinningLine = &line
	}
	view.OpponentPresence = s.presence.State()
	view.InGracePeriod = s.presence.InGracePeriod()
	return view
}

// mutate runs a reducer against the local session, applies the result
// optimistically and persists its patch.
func (s *Synchronizer) mutate(ctx context.Context, op string, reduce func(engine.MatchSession) (engine.Transition, error)) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case !s.joined:
		s.mu.Unlock()
		return ErrNotJoined
	}

	tr, err := reduce(s.session)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !tr.Changed() {
		s.mu.Unlock()
		return nil
	}

	patch := tr.Patch
	if s.cfg.OptimisticConcurrency {
		patch.IfRevision = s.session.Record.Revision
	}
	prev := s.session.Record
	s.session = tr.Session
	s.inflight++
	next := s.session
	s.mu.Unlock()

	s.emitChanges(prev, next, tr.Events)
	s.events.emit(s.rematch.observe(next.MatchID, next.Record.Status, next.MyMark)...)
	s.presence.observe(next.Record)

	s.persist(ctx, op, patch)

	if next.Record.Status.IsTerminal() {
		s.teardown(fmt.Sprintf("status %s", next.Record.Status))
	}
	return nil
}

// persist writes a patch whose effect is already in the local view. The
// caller must have counted the write in s.inflight.
func (s *Synchronizer) persist(ctx context.Context, op string, patch models.Patch) {
	matchID := s.MatchID()
	rec, err := s.store.Update(ctx, matchID, patch)

	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()

	if err != nil {
		log.Printf("[SYNC] match %s: %s write failed: %v", matchID, op, err)
		s.transientError(op, err)
		if errors.Is(err, ErrConflict) {
			if err := s.refresh(s.ctx, "conflict"); err != nil {
				log.Printf("[SYNC] match %s: re-fetch after conflict failed: %v", matchID, err)
			}
		}
		return
	}
	s.reconcile(rec, op)
}

// handleFeed is the realtime callback.
func (s *Synchronizer) handleFeed(rec models.MatchRecord) {
	s.reconcile(rec, "feed")
}

// handleReconnect catches up on updates missed while the feed was down.
func (s *Synchronizer) handleReconnect() {
	if err := s.refresh(s.ctx, "reconnect"); err != nil && s.ctx.Err() == nil {
		log.Printf("[SYNC] match %s: refresh after reconnect: %v", s.MatchID(), err)
		s.transientError("refresh", err)
	}
}

// refresh fetches the record and merges it through the same path as the
// realtime feed.
func (s *Synchronizer) refresh(ctx context.Context, source string) error {
	matchID := s.MatchID()
	if matchID == "" {
		return ErrNotJoined
	}
	rec, err := s.store.Fetch(ctx, matchID)
	if err != nil {
		return fmt.Errorf("fetch match %s: %w", matchID, err)
	}
	s.reconcile(rec, source)
	return nil
}

// reconcile merges an authoritative record into the local view. While
// one of our writes is in flight, records not newer than the optimistic
// view are ignored so an in-flight read cannot undo our move.
func (s *Synchronizer) reconcile(rec models.MatchRecord, source string) {
	s.mu.Lock()
	if s.closed || !s.joined || rec.ID != s.session.MatchID {
		s.mu.Unlock()
		return
	}
	if s.inflight > 0 && rec.Revision != 0 && rec.Revision <= s.session.Record.Revision {
		s.mu.Unlock()
		return
	}

	prev := s.session.Record
	tr, ok := engine.ApplyRemote(s.session, rec)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.session = tr.Session
	events := tr.Events

	heal, healed := engine.SelfHeal(s.session)
	if healed {
		log.Printf("[POLL] match %s: guest %s present but status waiting, correcting", rec.ID, rec.GuestID)
		s.session = heal.Session
		events = append(events, heal.Events...)
		s.inflight++
	}
	next := s.session
	s.mu.Unlock()

	s.emitChanges(prev, next, events)
	s.events.emit(s.reactions.observe(next.MatchID, rec.LastReaction, next.MyMark)...)
	s.events.emit(s.rematch.observe(next.MatchID, next.Record.Status, next.MyMark)...)
	s.presence.observe(next.Record)

	if next.Record.Status.Kind != models.KindWaiting {
		s.stopPoller()
	}
	if healed {
		s.persist(s.ctx, "self-heal", heal.Patch)
	}
	if next.Record.Status.IsTerminal() {
		s.teardown(fmt.Sprintf("status %s via %s", next.Record.Status, source))
	}
}

// emitChanges raises StateChanged when anything visible changed, then the
// transition events.
func (s *Synchronizer) emitChanges(prev models.MatchRecord, next engine.MatchSession, events []models.Event) {
	if !visiblyChanged(prev, next.Record) && len(events) == 0 {
		return
	}
	out := make([]models.Event, 0, len(events)+1)
	out = append(out, models.Event{
		Type:    models.EventStateChanged,
		MatchID: next.MatchID,
		Data:    s.buildView(next),
	})
	s.events.emit(append(out, events...)...)
}

func visiblyChanged(a, b models.MatchRecord) bool {
	if a.Board != b.Board || a.Turn != b.Turn || a.Winner != b.Winner || a.Status != b.Status ||
		a.GuestID != b.GuestID || a.ScoreHost != b.ScoreHost || a.ScoreGuest != b.ScoreGuest {
		return true
	}
	if (a.WinningLine == nil) != (b.WinningLine == nil) {
		return true
	}
	return a.WinningLine != nil && *a.WinningLine != *b.WinningLine
}

// abandon marks the match Abandoned, used when the local player gives up
// on a disconnected opponent.
func (s *Synchronizer) abandon(ctx context.Context) error {
	return s.mutate(ctx, "abandon", func(session engine.MatchSession) (engine.Transition, error) {
		if session.Record.Status.IsTerminal() {
			return engine.Transition{Session: session}, engine.ErrMatchOver
		}
		return engine.Abandon(session), nil
	})
}

func (s *Synchronizer) transientError(op string, err error) {
	s.events.emit(models.Event{
		Type:    models.EventTransientError,
		MatchID: s.MatchID(),
		Data:    models.TransientErrorEvent{Op: op, Err: err},
	})
}

func (s *Synchronizer) addSubscription(sub Subscription) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sub.Close()
		return
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *Synchronizer) startPoller() {
	p, err := startPoller(s.cfg, func() {
		if err := s.refresh(s.ctx, "poll"); err != nil && s.ctx.Err() == nil {
			log.Printf("[POLL] match %s: %v", s.MatchID(), err)
		}
	})
	if err != nil {
		log.Printf("[POLL] match %s: scheduler failed to start: %v", s.MatchID(), err)
		return
	}

	s.mu.Lock()
	if s.closed || s.poller != nil {
		s.mu.Unlock()
		p.stop()
		return
	}
	s.poller = p
	s.mu.Unlock()
}

func (s *Synchronizer) stopPoller() {
	s.mu.Lock()
	p := s.poller
	s.poller = nil
	s.mu.Unlock()
	if p != nil {
		p.stop()
	}
}

// polling reports whether the Waiting poller is running.
func (s *Synchronizer) polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poller != nil
}

// teardown releases the feed, the poller, presence and reaction timers.
// It runs once; SessionClosed is the last event raised.
func (s *Synchronizer) teardown(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	p := s.poller
	s.poller = nil
	matchID := s.session.MatchID
	status := s.session.Record.Status
	joined := s.joined
	s.mu.Unlock()

	if p != nil {
		p.stop()
	}
	s.presence.stop()
	s.reactions.stop()
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			log.Printf("[SYNC] match %s: closing subscription: %v", matchID, err)
		}
	}
	s.cancel()
	close(s.done)

	if !joined {
		return
	}
	log.Printf("[SYNC] match %s: session closed (%s)", matchID, reason)
	s.events.emit(models.Event{
		Type:    models.EventSessionClosed,
		MatchID: matchID,
		Data:    models.SessionClosedEvent{Status: status, Reason: reason},
	})
}
