package client_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"tictactoe-sync/client"
	"tictactoe-sync/models"
	"tictactoe-sync/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) handle(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(typ models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ models.EventType) (models.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return models.Event{}, false
}

func (r *recorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *clockwork.FakeClock
	mem   *store.Memory
}

func newHarness(t *testing.T) *harness {
	clock := clockwork.NewFakeClock()
	return &harness{
		t:     t,
		ctx:   context.Background(),
		clock: clock,
		mem:   store.NewMemory(clock),
	}
}

func (h *harness) config(rec *recorder) client.Config {
	cfg := client.DefaultConfig()
	cfg.Clock = h.clock
	if rec != nil {
		cfg.OnEvent = rec.handle
	}
	return cfg
}

func (h *harness) lobby(identity string, rec *recorder) *client.Lobby {
	return client.NewLobby(h.mem, h.mem, identity, h.config(rec))
}

// host creates a match for "host" and returns its synchronizer.
func (h *harness) host(rec *recorder) *client.Synchronizer {
	h.t.Helper()
	s, err := h.lobby("host", rec).Host(h.ctx)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = s.Close() })
	return s
}

// pair hosts a match and joins it as "guest"; both see Playing.
func (h *harness) pair(hostRec, guestRec *recorder) (*client.Synchronizer, *client.Synchronizer) {
	h.t.Helper()
	host := h.host(hostRec)
	guest, err := h.lobby("guest", guestRec).JoinWithCode(h.ctx, host.MatchID())
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = guest.Close() })

	h.waitStatus(host, models.StatusPlaying)
	h.waitStatus(guest, models.StatusPlaying)
	return host, guest
}

func (h *harness) waitStatus(s *client.Synchronizer, status models.Status) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return s.View().Status == status
	}, waitFor, tick, "expected status %s, have %s", status, s.View().Status)
}

func (h *harness) waitTurn(s *client.Synchronizer, mark models.Mark) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return s.View().Turn == mark
	}, waitFor, tick, "expected turn %s", mark)
}

func (h *harness) stored(id string) models.MatchRecord {
	h.t.Helper()
	rec, err := h.mem.Fetch(h.ctx, id)
	require.NoError(h.t, err)
	return rec
}

// play submits the moves alternately, host first, waiting for each
// mover's turn.
func (h *harness) play(host, guest *client.Synchronizer, cells ...int) {
	h.t.Helper()
	players := []*client.Synchronizer{host, guest}
	for i, cell := range cells {
		mover := players[i%2]
		h.waitTurn(mover, mover.MyMark())
		require.NoError(h.t, mover.SubmitMove(h.ctx, cell), "move %d at cell %d", i, cell)
	}
}

// waitEvent waits for the most recent event of typ to satisfy match.
func waitEvent(t *testing.T, r *recorder, typ models.EventType, match func(models.Event) bool) models.Event {
	t.Helper()
	var found models.Event
	require.Eventually(t, func() bool {
		ev, ok := r.last(typ)
		if !ok || (match != nil && !match(ev)) {
			return false
		}
		found = ev
		return true
	}, waitFor, tick, "no %s event", typ)
	return found
}
