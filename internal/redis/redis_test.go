package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := New(Config{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(Config{Host: "127.0.0.1", Port: "1"})
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	client := newTestClient(t)
	assert.NoError(t, client.HealthCheck(context.Background()))
}

func TestListenAndPublishJSON(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	ps, err := client.Listen(ctx, MatchChannel("abc"))
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, client.PublishJSON(ctx, MatchChannel("abc"), map[string]int{"revision": 7}))

	select {
	case msg := <-ps.Channel():
		assert.JSONEq(t, `{"revision":7}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("published message not received")
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "ttt:match:abc:records", MatchChannel("abc"))
	assert.Equal(t, "ttt:presence:match:abc", PresenceSet("match:abc"))
	assert.Equal(t, "ttt:presence:match:abc:changed", PresenceChannel("match:abc"))
}
