package client

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"tictactoe-sync/internal/validation"
	"tictactoe-sync/models"
)

// Lobby hosts and joins matches and hands each one to a Synchronizer.
type Lobby struct {
	store    RecordStore
	presence PresenceChannel
	identity string
	cfg      Config
}

func NewLobby(store RecordStore, presence PresenceChannel, identity string, cfg Config) *Lobby {
	return &Lobby{
		store:    store,
		presence: presence,
		identity: identity,
		cfg:      cfg,
	}
}

// Host inserts a new Waiting match with the local identity as X and joins
// it.
func (l *Lobby) Host(ctx context.Context) (*Synchronizer, error) {
	rec, err := l.store.Insert(ctx, models.NewMatchRecord(uuid.NewString(), l.identity))
	if err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}
	log.Printf("[LOBBY] %s hosting match %s", l.identity, rec.ID)
	return l.open(ctx, rec.ID, joinAnyRole)
}

// JoinWithCode parses a shared join code and takes the guest seat. A host
// scanning its own code gets ErrSelfJoin; use Rejoin to return to a match
// as host.
func (l *Lobby) JoinWithCode(ctx context.Context, code string) (*Synchronizer, error) {
	matchID, err := ParseJoinCode(code)
	if err != nil {
		return nil, err
	}
	return l.open(ctx, matchID, joinAsGuest)
}

// Rejoin returns to a match the identity already plays in, in either seat.
func (l *Lobby) Rejoin(ctx context.Context, matchID string) (*Synchronizer, error) {
	if err := validation.ValidateUUID(matchID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJoinCode, err)
	}
	return l.open(ctx, strings.ToLower(matchID), joinAnyRole)
}

func (l *Lobby) open(ctx context.Context, matchID string, mode joinMode) (*Synchronizer, error) {
	s := NewSynchronizer(l.store, l.presence, l.identity, l.cfg)
	if _, err := s.join(ctx, matchID, mode); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

const (
	queryMarker = "gameId="
	pathMarker  = "/game/"
)

// ParseJoinCode extracts a match id from a bare id, a link carrying
// gameId=<id>, or a path containing /game/<id>. The id is validated before
// any fetch and returned in lowercase canonical form.
func ParseJoinCode(code string) (string, error) {
	candidate := strings.TrimSpace(code)
	if i := strings.Index(candidate, queryMarker); i >= 0 {
		candidate = cutAt(candidate[i+len(queryMarker):], "&#")
	} else if i := strings.Index(candidate, pathMarker); i >= 0 {
		candidate = cutAt(candidate[i+len(pathMarker):], "/?#&")
	}

	if err := validation.ValidateUUID(candidate); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidJoinCode, code)
	}
	id, err := uuid.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidJoinCode, code)
	}
	return id.String(), nil
}

// JoinLink renders the shareable form of a match id.
func JoinLink(base, matchID string) string {
	return strings.TrimRight(base, "/") + pathMarker + matchID
}

func cutAt(s, separators string) string {
	if i := strings.IndexAny(s, separators); i >= 0 {
		return s[:i]
	}
	return s
}
