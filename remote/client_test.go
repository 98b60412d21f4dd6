package remote_test

import (
	"context"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tictactoe-sync/client"
	"tictactoe-sync/internal/auth"
	"tictactoe-sync/internal/db"
	"tictactoe-sync/internal/presence"
	"tictactoe-sync/internal/recordstore"
	"tictactoe-sync/internal/redis"
	"tictactoe-sync/internal/server"
	"tictactoe-sync/models"
	"tictactoe-sync/remote"
	"tictactoe-sync/store"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// trackingListener remembers accepted connections so a test can cut them
// from the server side, the way a gateway restart or network blip does.
type trackingListener struct {
	net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func (l *trackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, conn)
		l.mu.Unlock()
	}
	return conn, err
}

func (l *trackingListener) dropAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conn := range l.conns {
		conn.Close()
	}
	l.conns = nil
}

type gateway struct {
	url      string
	listener *trackingListener
	mem      *store.Memory
}

func startGateway(t *testing.T, records client.RecordStore, channel client.PresenceChannel) gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := server.New(server.Config{Environment: "test"}, server.Deps{
		Store:    records,
		Presence: channel,
		Auth:     auth.NewService("test-secret", time.Hour),
	})
	srv := httptest.NewUnstartedServer(s.Router())
	listener := &trackingListener{Listener: srv.Listener}
	srv.Listener = listener
	srv.Start()
	t.Cleanup(srv.Close)
	return gateway{url: srv.URL, listener: listener}
}

func memoryGateway(t *testing.T) gateway {
	mem := store.NewMemory(nil)
	gw := startGateway(t, mem, mem)
	gw.mem = mem
	return gw
}

// fullGateway runs the gateway on sqlite and miniredis, the way it is
// deployed.
func fullGateway(t *testing.T) gateway {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", LogLevel: "silent"})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	mr := miniredis.RunT(t)
	rdb, err := redis.New(redis.Config{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	hub := presence.NewHub(rdb, presence.DefaultTTL, nil)
	return startGateway(t, recordstore.New(database, rdb, nil), hub)
}

type player struct {
	identity string
	remote   *remote.Client
}

func newPlayer(t *testing.T, url string) player {
	t.Helper()
	identity, token, err := remote.Anonymous(context.Background(), url)
	require.NoError(t, err)
	require.NotEmpty(t, identity)
	c := remote.New(url, token)
	c.SetReconnectBackoff(10*time.Millisecond, 50*time.Millisecond)
	return player{identity: identity, remote: c}
}

func (p player) lobby() *client.Lobby {
	cfg := client.DefaultConfig()
	cfg.PresenceGrace = -1
	return client.NewLobby(p.remote, p.remote, p.identity, cfg)
}

func TestErrorMapping(t *testing.T) {
	url := memoryGateway(t).url
	ctx := context.Background()
	host := newPlayer(t, url)

	_, err := host.remote.Fetch(ctx, uuid.NewString())
	assert.ErrorIs(t, err, client.ErrNotFound)

	rec, err := host.remote.Insert(ctx, models.NewMatchRecord(uuid.NewString(), host.identity))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Revision)

	_, err = host.remote.Insert(ctx, models.NewMatchRecord(rec.ID, host.identity))
	assert.ErrorIs(t, err, client.ErrExists)

	board := models.Board{4: models.MarkX}
	_, err = host.remote.Update(ctx, rec.ID, models.Patch{Board: &board})
	require.NoError(t, err)
	_, err = host.remote.Update(ctx, rec.ID, models.Patch{Board: &board, IfRevision: rec.Revision})
	assert.ErrorIs(t, err, client.ErrConflict)

	_, err = remote.New(url, "bogus").Fetch(ctx, rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, err = host.remote.Subscribe(ctx, uuid.NewString(), func(models.MatchRecord) {})
	assert.ErrorIs(t, err, client.ErrNotFound)

	_, err = host.remote.Announce(ctx, "lobby", host.identity)
	assert.Error(t, err, "only match keys are served")
}

func TestSubscribeDeliversRemoteWrites(t *testing.T) {
	for name, start := range map[string]func(*testing.T) gateway{
		"memory": memoryGateway,
		"sqlite": fullGateway,
	} {
		t.Run(name, func(t *testing.T) {
			url := start(t).url
			ctx := context.Background()
			host := newPlayer(t, url)

			rec, err := host.remote.Insert(ctx, models.NewMatchRecord(uuid.NewString(), host.identity))
			require.NoError(t, err)

			var mu sync.Mutex
			var seen []uint64
			sub, err := host.remote.Subscribe(ctx, rec.ID, func(r models.MatchRecord) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, r.Revision)
			})
			require.NoError(t, err)
			defer sub.Close()

			board := models.Board{0: models.MarkX}
			_, err = host.remote.Update(ctx, rec.ID, models.Patch{Board: &board})
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(seen) == 1 && seen[0] == 2
			}, waitFor, tick)

			require.NoError(t, sub.Close())
			require.NoError(t, sub.Close())
		})
	}
}

func TestPresenceOverGateway(t *testing.T) {
	url := memoryGateway(t).url
	ctx := context.Background()
	host := newPlayer(t, url)
	guest := newPlayer(t, url)

	rec, err := host.remote.Insert(ctx, models.NewMatchRecord(uuid.NewString(), host.identity))
	require.NoError(t, err)
	key := client.PresenceKey(rec.ID)

	var mu sync.Mutex
	var last []string
	watch, err := host.remote.SubscribePresence(ctx, key, func(ids []string) {
		mu.Lock()
		defer mu.Unlock()
		last = ids
	})
	require.NoError(t, err)
	defer watch.Close()

	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return last
	}

	announced, err := guest.remote.Announce(ctx, key, guest.identity)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{guest.identity}, snapshot())
	}, waitFor, tick)

	require.NoError(t, announced.Close())
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{}, snapshot())
	}, waitFor, tick)
}

func TestMatchOverGateway(t *testing.T) {
	for name, start := range map[string]func(*testing.T) gateway{
		"memory": memoryGateway,
		"sqlite": fullGateway,
	} {
		t.Run(name, func(t *testing.T) {
			url := start(t).url
			ctx := context.Background()
			hostPlayer := newPlayer(t, url)
			guestPlayer := newPlayer(t, url)

			host, err := hostPlayer.lobby().Host(ctx)
			require.NoError(t, err)
			t.Cleanup(func() { host.Close() })
			assert.Equal(t, models.MarkX, host.MyMark())

			code := client.JoinLink("https://ttt.example.com", host.MatchID())
			guest, err := guestPlayer.lobby().JoinWithCode(ctx, code)
			require.NoError(t, err)
			t.Cleanup(func() { guest.Close() })
			assert.Equal(t, models.MarkO, guest.MyMark())

			waitStatus(t, host, models.StatusPlaying)
			waitStatus(t, guest, models.StatusPlaying)

			third := newPlayer(t, url)
			_, err = third.lobby().JoinWithCode(ctx, host.MatchID())
			assert.ErrorIs(t, err, client.ErrFull)

			// X takes the middle column.
			moves := []struct {
				s     *client.Synchronizer
				index int
			}{
				{host, 4}, {guest, 0}, {host, 1}, {guest, 8}, {host, 7},
			}
			for i, m := range moves {
				require.Eventually(t, func() bool { return m.s.View().IsMyTurn() }, waitFor, tick, "move %d", i)
				require.NoError(t, m.s.SubmitMove(ctx, m.index))
			}

			for _, s := range []*client.Synchronizer{host, guest} {
				require.Eventually(t, func() bool {
					v := s.View()
					return v.Winner == models.WinnerX && v.Status == models.StatusFinished
				}, waitFor, tick)
			}
			view := guest.View()
			require.NotNil(t, view.WinningLine)
			assert.Equal(t, models.Line{1, 4, 7}, *view.WinningLine)
			assert.Equal(t, 1, view.ScoreHost)

			stored, err := guestPlayer.remote.Fetch(ctx, host.MatchID())
			require.NoError(t, err)
			assert.Equal(t, models.WinnerX, stored.Winner)
			assert.Equal(t, guestPlayer.identity, stored.GuestID)
		})
	}
}

func waitStatus(t *testing.T, s *client.Synchronizer, status models.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.View().Status == status }, waitFor, tick,
		"status %s, want %s", s.View().Status, status)
}

func TestStreamsSurviveDroppedConnections(t *testing.T) {
	gw := memoryGateway(t)
	ctx := context.Background()
	host := newPlayer(t, gw.url)
	guest := newPlayer(t, gw.url)

	rec, err := host.remote.Insert(ctx, models.NewMatchRecord(uuid.NewString(), host.identity))
	require.NoError(t, err)
	key := client.PresenceKey(rec.ID)

	var mu sync.Mutex
	var revisions []uint64
	var present []string
	reconnects := 0
	feed, err := host.remote.Subscribe(ctx, rec.ID, func(r models.MatchRecord) {
		mu.Lock()
		defer mu.Unlock()
		revisions = append(revisions, r.Revision)
	})
	require.NoError(t, err)
	defer feed.Close()
	feed.(client.Reconnecting).OnReconnect(func() {
		mu.Lock()
		defer mu.Unlock()
		reconnects++
	})

	watch, err := host.remote.SubscribePresence(ctx, key, func(ids []string) {
		mu.Lock()
		defer mu.Unlock()
		present = ids
	})
	require.NoError(t, err)
	defer watch.Close()

	announced, err := guest.remote.Announce(ctx, key, guest.identity)
	require.NoError(t, err)
	defer announced.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual([]string{guest.identity}, present)
	}, waitFor, tick)

	gw.listener.dropAll()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnects == 1
	}, waitFor, tick, "record stream re-dialed")

	turn := models.MarkO
	_, err = host.remote.Update(ctx, rec.ID, models.Patch{Turn: &turn})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(revisions) > 0 && revisions[len(revisions)-1] == rec.Revision+1
	}, waitFor, tick, "delivery resumed after reconnect")

	// The guest's announcement came back with its socket.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual([]string{guest.identity}, present)
	}, waitFor, tick)
}

func TestMatchCatchesUpAfterDroppedFeed(t *testing.T) {
	gw := memoryGateway(t)
	ctx := context.Background()
	hostPlayer := newPlayer(t, gw.url)
	guestPlayer := newPlayer(t, gw.url)

	host, err := hostPlayer.lobby().Host(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { host.Close() })
	guest, err := guestPlayer.lobby().JoinWithCode(ctx, host.MatchID())
	require.NoError(t, err)
	t.Cleanup(func() { guest.Close() })
	waitStatus(t, host, models.StatusPlaying)
	waitStatus(t, guest, models.StatusPlaying)

	// The move lands while both feeds are down and its notice is lost, so
	// only the refresh after reconnecting can bring it in.
	gw.mem.SetFeedPaused(true)
	gw.listener.dropAll()
	board := models.Board{4: models.MarkX}
	turn := models.MarkO
	_, err = gw.mem.Update(ctx, host.MatchID(), models.Patch{Board: &board, Turn: &turn})
	require.NoError(t, err)
	gw.mem.SetFeedPaused(false)

	for _, s := range []*client.Synchronizer{host, guest} {
		require.Eventually(t, func() bool { return s.View().Board[4] == models.MarkX }, waitFor, tick)
	}
	assert.True(t, guest.View().IsMyTurn())
}
