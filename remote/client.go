// Package remote connects the client library to a hosted gateway: record
// reads and writes go over HTTP, the change feed and presence over
// websockets.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tictactoe-sync/client"
	"tictactoe-sync/models"
)

const (
	readyTimeout = 5 * time.Second

	defaultBackoffMin = 500 * time.Millisecond
	defaultBackoffMax = 10 * time.Second
)

var (
	_ client.RecordStore     = (*Client)(nil)
	_ client.PresenceChannel = (*Client)(nil)
	_ client.Reconnecting    = (*stream)(nil)
)

// ErrStreamNotReady is returned when the gateway accepted a websocket but
// never confirmed the subscription.
var ErrStreamNotReady = errors.New("stream not confirmed by gateway")

// Client talks to one gateway with one identity token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *websocket.Dialer

	backoffMin time.Duration
	backoffMax time.Duration
}

// New creates a client for baseURL (http or https) authenticating with
// token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},

		backoffMin: defaultBackoffMin,
		backoffMax: defaultBackoffMax,
	}
}

// SetReconnectBackoff bounds the wait between re-dials of a dropped
// stream. The wait doubles from min up to max.
func (c *Client) SetReconnectBackoff(min, max time.Duration) {
	if min <= 0 {
		min = defaultBackoffMin
	}
	if max < min {
		max = min
	}
	c.backoffMin, c.backoffMax = min, max
}

type anonymousResponse struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

// Anonymous asks the gateway for a fresh identity.
func Anonymous(ctx context.Context, baseURL string) (identity, token string, err error) {
	c := New(baseURL, "")
	var resp anonymousResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/anonymous", nil, &resp); err != nil {
		return "", "", fmt.Errorf("anonymous identity: %w", err)
	}
	return resp.Identity, resp.Token, nil
}

func (c *Client) Fetch(ctx context.Context, id string) (models.MatchRecord, error) {
	var rec models.MatchRecord
	err := c.do(ctx, http.MethodGet, "/api/matches/"+url.PathEscape(id), nil, &rec)
	return rec, err
}

func (c *Client) Insert(ctx context.Context, rec models.MatchRecord) (models.MatchRecord, error) {
	var stored models.MatchRecord
	err := c.do(ctx, http.MethodPost, "/api/matches", rec, &stored)
	return stored, err
}

func (c *Client) Update(ctx context.Context, id string, patch models.Patch) (models.MatchRecord, error) {
	var rec models.MatchRecord
	err := c.do(ctx, http.MethodPatch, "/api/matches/"+url.PathEscape(id), patch, &rec)
	return rec, err
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// do sends a JSON request and decodes a JSON reply into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeError maps gateway error codes back onto the store errors.
func decodeError(resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch body.Code {
	case "not_found":
		return fmt.Errorf("%w: %s", client.ErrNotFound, body.Error)
	case "conflict":
		return fmt.Errorf("%w: %s", client.ErrConflict, body.Error)
	case "exists":
		return fmt.Errorf("%w: %s", client.ErrExists, body.Error)
	}
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, body.Error)
}

type frame struct {
	Type     string              `json:"type"`
	Record   *models.MatchRecord `json:"record,omitempty"`
	Presence []string            `json:"presence,omitempty"`
}

// Subscribe opens the match's record stream.
func (c *Client) Subscribe(ctx context.Context, id string, onUpdate func(models.MatchRecord)) (client.Subscription, error) {
	return c.openStream(ctx, id, url.Values{"stream": {"records"}}, func(f frame) {
		if f.Type == "record" && f.Record != nil {
			onUpdate(*f.Record)
		}
	})
}

// Announce keeps a socket open that holds the identity's presence on key.
// A dropped socket is re-dialed, which announces the identity again. Keys
// other than a match key are not served by the gateway.
func (c *Client) Announce(ctx context.Context, key, identity string) (client.Subscription, error) {
	id, err := matchFromKey(key)
	if err != nil {
		return nil, err
	}
	return c.openStream(ctx, id, url.Values{"announce": {"1"}}, func(frame) {})
}

// SubscribePresence opens the match's presence stream.
func (c *Client) SubscribePresence(ctx context.Context, key string, onSnapshot func([]string)) (client.Subscription, error) {
	id, err := matchFromKey(key)
	if err != nil {
		return nil, err
	}
	return c.openStream(ctx, id, url.Values{"stream": {"presence"}}, func(f frame) {
		if f.Type == "presence" {
			ids := f.Presence
			if ids == nil {
				ids = []string{}
			}
			onSnapshot(ids)
		}
	})
}

func matchFromKey(key string) (string, error) {
	id := strings.TrimPrefix(key, client.PresenceKey(""))
	if id == key || id == "" {
		return "", fmt.Errorf("unsupported presence key %q", key)
	}
	return id, nil
}

func (c *Client) streamURL(matchID string, query url.Values) (string, error) {
	u, err := url.Parse(c.baseURL + "/ws/matches/" + url.PathEscape(matchID))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	query.Set("token", c.token)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// openStream dials a stream and waits for the gateway's ready frame, so
// the subscription is live when openStream returns. A stream that drops
// later is re-dialed with backoff until it is closed.
func (c *Client) openStream(ctx context.Context, matchID string, query url.Values, onFrame func(frame)) (client.Subscription, error) {
	target, err := c.streamURL(matchID, query)
	if err != nil {
		return nil, err
	}

	s := &stream{
		client:  c,
		matchID: matchID,
		target:  target,
		onFrame: onFrame,
		done:    make(chan struct{}),
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	go s.run(conn)

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// errPermanent marks handshake rejections that a re-dial cannot fix.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

type stream struct {
	client  *Client
	matchID string
	target  string
	onFrame func(frame)

	mu          sync.Mutex
	conn        *websocket.Conn
	onReconnect func()

	once sync.Once
	done chan struct{}
}

// OnReconnect registers fn to run after every successful re-dial.
func (s *stream) OnReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnect = fn
}

// dial opens the socket and consumes frames up to the ready frame.
func (s *stream) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.client.dialer.DialContext(ctx, s.target, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			err = decodeError(resp)
			if resp.StatusCode < http.StatusInternalServerError {
				return nil, errPermanent{err}
			}
			return nil, err
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readyTimeout))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrStreamNotReady, err)
		}
		if f.Type == "ready" {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// run reads from conn and re-dials whenever the socket drops.
func (s *stream) run(conn *websocket.Conn) {
	defer s.Close()
	for {
		err := s.read(conn)
		if s.closed() {
			return
		}
		log.Printf("[REMOTE] match %s: stream dropped: %v", s.matchID, err)

		if conn = s.redial(); conn == nil {
			return
		}
		log.Printf("[REMOTE] match %s: stream reconnected", s.matchID)

		s.mu.Lock()
		hook := s.onReconnect
		s.mu.Unlock()
		if hook != nil {
			hook()
		}
	}
}

func (s *stream) read(conn *websocket.Conn) error {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Type == "ready" {
			continue
		}
		s.onFrame(f)
	}
}

// redial retries until a socket is up or the stream is closed. It returns
// nil when the stream is closed or the gateway rejects it for good.
func (s *stream) redial() *websocket.Conn {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 0; ; attempt++ {
		timer := time.NewTimer(s.client.backoff(attempt))
		select {
		case <-s.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := s.dial(ctx)
		if err != nil {
			var permanent errPermanent
			if errors.As(err, &permanent) {
				log.Printf("[REMOTE] match %s: giving up on stream: %v", s.matchID, err)
				return nil
			}
			if !s.closed() {
				log.Printf("[REMOTE] match %s: re-dial attempt %d failed: %v", s.matchID, attempt+1, err)
			}
			continue
		}

		s.mu.Lock()
		if s.closed() {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conn = conn
		s.mu.Unlock()
		return conn
	}
}

// backoff doubles from backoffMin per attempt, capped at backoffMax.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.backoffMin
	for i := 0; i < attempt && d < c.backoffMax; i++ {
		d *= 2
	}
	if d > c.backoffMax {
		d = c.backoffMax
	}
	return d
}

func (s *stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
