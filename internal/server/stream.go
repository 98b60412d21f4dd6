package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tictactoe-sync/client"
	"tictactoe-sync/models"
)

// Stream kinds selectable with ?stream=.
const (
	StreamRecords  = "records"
	StreamPresence = "presence"
)

// Message types pushed to stream clients. Ready is sent once, after the
// subscriptions behind the stream are in place.
const (
	MessageReady    = "ready"
	MessageRecord   = "record"
	MessagePresence = "presence"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamMessage is one frame on a match stream.
type StreamMessage struct {
	Type     string              `json:"type"`
	Record   *models.MatchRecord `json:"record,omitempty"`
	Presence []string            `json:"presence,omitempty"`
}

// streamClient is one websocket connection. Sends never block: a full
// buffer drops the frame, matching the best-effort feed contract.
type streamClient struct {
	identity string
	matchID  string
	conn     *websocket.Conn
	send     chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *streamClient) push(msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] match %s: encode %s frame: %v", c.matchID, msg.Type, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("[WS] match %s: %s buffer full, dropped %s frame", c.matchID, c.identity, msg.Type)
	}
}

func (c *streamClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump discards client frames and returns when the peer goes away.
func (c *streamClient) readPump() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleStream upgrades to a websocket carrying the match's record feed or
// presence snapshots. announce=1 keeps the caller announced on the match's
// presence key for as long as the socket is open. Browsers cannot set
// headers on a websocket, so the token comes as a query parameter.
func (s *Server) handleStream(c *gin.Context) {
	identity, err := s.deps.Auth.ValidateToken(c.Query("token"))
	if err != nil {
		abort(c, http.StatusUnauthorized, CodeForbidden, "Unauthorized")
		return
	}
	id, ok := matchID(c)
	if !ok {
		return
	}
	stream := c.Query("stream")
	switch stream {
	case "", StreamRecords, StreamPresence:
	default:
		abort(c, http.StatusBadRequest, CodeInvalid, "Unknown stream")
		return
	}
	announce := c.Query("announce") == "1"
	if stream == "" && !announce {
		abort(c, http.StatusBadRequest, CodeInvalid, "Nothing to stream")
		return
	}
	if _, err := s.deps.Store.Fetch(c.Request.Context(), id); err != nil {
		abortStoreError(c, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] upgrade error: %v", err)
		return
	}

	sc := &streamClient{
		identity: identity,
		matchID:  id,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
	go sc.writePump()

	// The request context ends with the handler; the stream outlives it.
	ctx, cancel := context.WithCancel(context.Background())
	subs, err := s.openStream(ctx, sc, stream, announce)
	if err != nil {
		log.Printf("[WS] match %s: opening %s stream for %s: %v", id, stream, identity, err)
		cancel()
		sc.shutdown()
		return
	}

	label := stream
	if label == "" {
		label = "announce"
	}
	s.metrics.streamsOpen.WithLabelValues(label).Inc()
	log.Printf("[WS] match %s: %s opened %s stream", id, identity, label)
	sc.push(StreamMessage{Type: MessageReady})

	go func() {
		sc.readPump()
		for _, sub := range subs {
			if err := sub.Close(); err != nil {
				log.Printf("[WS] match %s: closing subscription: %v", id, err)
			}
		}
		cancel()
		sc.shutdown()
		s.metrics.streamsOpen.WithLabelValues(label).Dec()
		log.Printf("[WS] match %s: %s closed %s stream", id, identity, label)
	}()
}

func (s *Server) openStream(ctx context.Context, sc *streamClient, stream string, announce bool) ([]client.Subscription, error) {
	var subs []client.Subscription
	fail := func(err error) ([]client.Subscription, error) {
		for _, sub := range subs {
			sub.Close()
		}
		return nil, err
	}

	key := client.PresenceKey(sc.matchID)
	switch stream {
	case StreamRecords:
		sub, err := s.deps.Store.Subscribe(ctx, sc.matchID, func(rec models.MatchRecord) {
			sc.push(StreamMessage{Type: MessageRecord, Record: &rec})
		})
		if err != nil {
			return fail(err)
		}
		subs = append(subs, sub)
	case StreamPresence:
		sub, err := s.deps.Presence.SubscribePresence(ctx, key, func(ids []string) {
			sc.push(StreamMessage{Type: MessagePresence, Presence: ids})
		})
		if err != nil {
			return fail(err)
		}
		subs = append(subs, sub)
	}

	if announce {
		sub, err := s.deps.Presence.Announce(ctx, key, sc.identity)
		if err != nil {
			return fail(err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
