package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tictactoe-sync/client"
	"tictactoe-sync/engine"
	"tictactoe-sync/models"
	"tictactoe-sync/store"
)

func TestSynchronizer_HappyPath(t *testing.T) {
	h := newHarness(t)
	hostEvents := &recorder{}
	guestEvents := &recorder{}
	host, guest := h.pair(hostEvents, guestEvents)

	require.Eventually(t, func() bool {
		return hostEvents.count(models.EventOpponentJoined) == 1
	}, waitFor, tick)
	assert.Equal(t, "guest", host.View().GuestID)

	// X holds the centre, O takes 1 and 2, X finishes the diagonal.
	h.play(host, guest, 4, 1, 0, 2, 8)

	for name, s := range map[string]*client.Synchronizer{"host": host, "guest": guest} {
		require.Eventually(t, func() bool {
			return s.View().Status == models.StatusFinished
		}, waitFor, tick, "%s never saw the finish", name)

		view := s.View()
		assert.Equal(t, models.WinnerX, view.Winner, name)
		require.NotNil(t, view.WinningLine, name)
		assert.Equal(t, models.Line{0, 4, 8}, *view.WinningLine, name)
		assert.Equal(t, 1, view.ScoreHost, name)
	}

	rec := h.stored(host.MatchID())
	assert.Equal(t, models.WinnerX, rec.Winner)
	assert.Equal(t, models.StatusFinished, rec.Status)
	assert.Equal(t, models.Board{models.MarkX, models.MarkO, models.MarkO, "", models.MarkX, "", "", "", models.MarkX}, rec.Board)

	assert.Equal(t, 1, hostEvents.count(models.EventGameFinished))
	require.Eventually(t, func() bool {
		return guestEvents.count(models.EventGameFinished) == 1
	}, waitFor, tick)
}

func TestSynchronizer_TurnAlternates(t *testing.T) {
	h := newHarness(t)
	host, guest := h.pair(nil, nil)

	players := []*client.Synchronizer{host, guest}
	for i, cell := range []int{0, 4, 8, 2, 6} {
		mover := players[i%2]
		h.waitTurn(mover, mover.MyMark())
		require.NoError(t, mover.SubmitMove(h.ctx, cell))
		assert.Equal(t, mover.MyMark().Opponent(), mover.View().Turn)
	}
}

func TestSynchronizer_RejectedMoveChangesNothing(t *testing.T) {
	h := newHarness(t)
	host, guest := h.pair(nil, nil)
	id := host.MatchID()

	assert.ErrorIs(t, guest.SubmitMove(h.ctx, 0), engine.ErrNotMyTurn)
	assert.ErrorIs(t, host.SubmitMove(h.ctx, 9), engine.ErrInvalidCell)

	require.NoError(t, host.SubmitMove(h.ctx, 0))
	h.waitTurn(guest, models.MarkO)
	before := h.stored(id)

	assert.ErrorIs(t, guest.SubmitMove(h.ctx, 0), engine.ErrCellOccupied)
	assert.ErrorIs(t, host.SubmitMove(h.ctx, 1), engine.ErrNotMyTurn)

	after := h.stored(id)
	assert.Equal(t, before.Revision, after.Revision)
	assert.Equal(t, before.Board, after.Board)
	assert.Equal(t, before.Board, guest.View().Board)
}

func TestSynchronizer_MoveBeforeGuestJoins(t *testing.T) {
	h := newHarness(t)
	host := h.host(nil)
	assert.ErrorIs(t, host.SubmitMove(h.ctx, 4), engine.ErrNotPlaying)
}

func TestSynchronizer_FailedWriteKeepsOptimisticView(t *testing.T) {
	h := newHarness(t)
	events := &recorder{}
	host, _ := h.pair(events, nil)
	id := host.MatchID()
	before := h.stored(id)

	boom := errors.New("network down")
	h.mem.FailWrites(boom)
	require.NoError(t, host.SubmitMove(h.ctx, 4))

	// No rollback: the local view stays ahead of the store.
	assert.Equal(t, models.MarkX, host.View().Board[4])
	assert.Equal(t, models.MarkO, host.View().Turn)
	assert.Equal(t, before.Board, h.stored(id).Board)

	ev := waitEvent(t, events, models.EventTransientError, nil)
	payload := ev.Data.(models.TransientErrorEvent)
	assert.Equal(t, "move", payload.Op)
	assert.ErrorIs(t, payload.Err, boom)

	// A later authoritative read reconciles the view.
	h.mem.FailWrites(nil)
	require.NoError(t, host.Resume(h.ctx))
	assert.Equal(t, models.MarkNone, host.View().Board[4])
	assert.Equal(t, models.MarkX, host.View().Turn)
}

func TestSynchronizer_ResumeCatchesUpMissedUpdates(t *testing.T) {
	h := newHarness(t)
	host, guest := h.pair(nil, nil)

	h.mem.SetFeedPaused(true)
	require.NoError(t, host.SubmitMove(h.ctx, 4))

	// The guest is backgrounded and misses the feed.
	assert.Never(t, func() bool { return guest.View().Board[4] != models.MarkNone }, 50*time.Millisecond, tick)

	h.mem.SetFeedPaused(false)
	require.NoError(t, guest.Resume(h.ctx))
	assert.Equal(t, models.MarkX, guest.View().Board[4])
	assert.True(t, guest.View().IsMyTurn())
}

func TestSynchronizer_PollingSelfHeal(t *testing.T) {
	mem := store.NewMemory(nil)
	cfg := client.DefaultConfig()
	cfg.Clock = clockwork.NewRealClock()
	cfg.PollInterval = 20 * time.Millisecond
	events := &recorder{}
	cfg.OnEvent = events.handle

	ctx := newHarness(t).ctx
	host, err := client.NewLobby(mem, mem, "host", cfg).Host(ctx)
	require.NoError(t, err)
	defer host.Close()
	id := host.MatchID()

	// The guest's claim lands but its status write is lost and the feed
	// never reports it.
	mem.SetFeedPaused(true)
	guestID := "guest"
	_, err = mem.Update(ctx, id, models.Patch{GuestID: &guestID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := mem.Fetch(ctx, id)
		return err == nil && rec.Status == models.StatusPlaying
	}, waitFor, tick, "poller never corrected the status")

	view := host.View()
	assert.Equal(t, models.StatusPlaying, view.Status)
	assert.Equal(t, "guest", view.GuestID)
	assert.Equal(t, 1, events.count(models.EventOpponentJoined))
}

func TestSynchronizer_PollerPicksUpJoinWithoutFeed(t *testing.T) {
	mem := store.NewMemory(nil)
	cfg := client.DefaultConfig()
	cfg.Clock = clockwork.NewRealClock()
	cfg.PollInterval = 20 * time.Millisecond

	ctx := newHarness(t).ctx
	host, err := client.NewLobby(mem, mem, "host", cfg).Host(ctx)
	require.NoError(t, err)
	defer host.Close()

	mem.SetFeedPaused(true)
	guest, err := client.NewLobby(mem, mem, "guest", cfg).JoinWithCode(ctx, host.MatchID())
	require.NoError(t, err)
	defer guest.Close()

	require.Eventually(t, func() bool {
		return host.View().Status == models.StatusPlaying
	}, waitFor, tick)
}

func TestSynchronizer_LeaveEndsBothSessions(t *testing.T) {
	h := newHarness(t)
	hostEvents := &recorder{}
	guestEvents := &recorder{}
	host, guest := h.pair(hostEvents, guestEvents)

	require.NoError(t, guest.Leave(h.ctx))
	assert.Equal(t, models.StatusAbandoned, h.stored(host.MatchID()).Status)

	select {
	case <-guest.Done():
	default:
		t.Fatal("guest session should be closed after leaving")
	}
	waitEvent(t, guestEvents, models.EventSessionClosed, nil)

	select {
	case <-host.Done():
	case <-time.After(waitFor):
		t.Fatal("host session should close when the opponent abandons")
	}
	ev := waitEvent(t, hostEvents, models.EventSessionClosed, nil)
	assert.Equal(t, models.StatusAbandoned, ev.Data.(models.SessionClosedEvent).Status)
	assert.Equal(t, 1, hostEvents.count(models.EventMatchAbandoned))
	assert.Equal(t, 1, guestEvents.count(models.EventSessionClosed))

	types := hostEvents.types()
	assert.Equal(t, models.EventSessionClosed, types[len(types)-1])

	assert.ErrorIs(t, host.SubmitMove(h.ctx, 0), client.ErrClosed)
}

func TestSynchronizer_LeaveAfterFinishMarksOpponentLeft(t *testing.T) {
	h := newHarness(t)
	hostEvents := &recorder{}
	host, guest := h.pair(hostEvents, nil)
	h.play(host, guest, 0, 3, 1, 4, 2)
	h.waitStatus(guest, models.StatusFinished)

	require.NoError(t, guest.Leave(h.ctx))
	assert.Equal(t, models.StatusOpponentLeft, h.stored(host.MatchID()).Status)

	require.Eventually(t, func() bool {
		return hostEvents.count(models.EventOpponentLeft) == 1
	}, waitFor, tick)
}

func TestSynchronizer_OptimisticConcurrencyConflict(t *testing.T) {
	h := newHarness(t)
	events := &recorder{}

	hostCfg := h.config(events)
	hostCfg.OptimisticConcurrency = true
	host, err := client.NewLobby(h.mem, h.mem, "host", hostCfg).Host(h.ctx)
	require.NoError(t, err)
	defer host.Close()
	guest, err := h.lobby("guest", nil).JoinWithCode(h.ctx, host.MatchID())
	require.NoError(t, err)
	defer guest.Close()
	h.waitStatus(host, models.StatusPlaying)

	// A write the host never hears about moves the stored revision on.
	h.mem.SetFeedPaused(true)
	require.NoError(t, guest.Reactions().Send(h.ctx, models.ReactionEmojis[0]))
	stale := host.View().Revision
	require.Less(t, stale, h.stored(host.MatchID()).Revision)

	require.NoError(t, host.SubmitMove(h.ctx, 4))

	ev := waitEvent(t, events, models.EventTransientError, nil)
	assert.ErrorIs(t, ev.Data.(models.TransientErrorEvent).Err, client.ErrConflict)

	// The conflict triggers a re-fetch, so the view is authoritative again.
	view := host.View()
	assert.Equal(t, h.stored(host.MatchID()).Revision, view.Revision)
	assert.Equal(t, models.MarkNone, view.Board[4])

	require.NoError(t, host.SubmitMove(h.ctx, 4))
	assert.Equal(t, models.MarkX, h.stored(host.MatchID()).Board[4])
}

func TestSynchronizer_JoinTwice(t *testing.T) {
	h := newHarness(t)
	host := h.host(nil)
	_, err := host.Join(h.ctx, host.MatchID())
	assert.ErrorIs(t, err, client.ErrAlreadyJoined)
}

func TestSynchronizer_StateChangedCarriesView(t *testing.T) {
	h := newHarness(t)
	events := &recorder{}
	host, guest := h.pair(events, nil)
	h.play(host, guest, 4)

	ev := waitEvent(t, events, models.EventStateChanged, func(ev models.Event) bool {
		return ev.Data.(models.LocalMatchView).Board[4] == models.MarkX
	})
	view := ev.Data.(models.LocalMatchView)
	assert.Equal(t, models.MarkX, view.MyMark)
	assert.False(t, view.IsMyTurn())
}

// reconnectingStore hands out feeds that can simulate a transport that
// dropped and came back.
type reconnectingStore struct {
	*store.Memory

	mu    sync.Mutex
	hooks []func()
}

type reconnectingFeed struct {
	client.Subscription
	owner *reconnectingStore
}

func (f reconnectingFeed) OnReconnect(fn func()) {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	f.owner.hooks = append(f.owner.hooks, fn)
}

func (r *reconnectingStore) Subscribe(ctx context.Context, id string, onUpdate func(models.MatchRecord)) (client.Subscription, error) {
	sub, err := r.Memory.Subscribe(ctx, id, onUpdate)
	if err != nil {
		return nil, err
	}
	return reconnectingFeed{Subscription: sub, owner: r}, nil
}

func (r *reconnectingStore) reconnect() {
	r.mu.Lock()
	hooks := append([]func(){}, r.hooks...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func TestSynchronizer_ReconnectRefetches(t *testing.T) {
	h := newHarness(t)
	host := h.host(nil)
	feeds := &reconnectingStore{Memory: h.mem}

	guest, err := client.NewLobby(feeds, h.mem, "guest", h.config(nil)).JoinWithCode(h.ctx, host.MatchID())
	require.NoError(t, err)
	t.Cleanup(func() { _ = guest.Close() })
	h.waitStatus(host, models.StatusPlaying)
	h.waitStatus(guest, models.StatusPlaying)

	// Updates published while the transport is down are lost.
	h.mem.SetFeedPaused(true)
	require.NoError(t, host.SubmitMove(h.ctx, 4))
	assert.Never(t, func() bool { return guest.View().Board[4] != models.MarkNone }, 50*time.Millisecond, tick)
	h.mem.SetFeedPaused(false)

	feeds.reconnect()
	assert.Equal(t, models.MarkX, guest.View().Board[4])
	assert.True(t, guest.View().IsMyTurn())
}
