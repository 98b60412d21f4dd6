package client

import (
	"context"

	"tictactoe-sync/models"
)

// Subscription is a live feed or presence announcement. Close stops
// delivery; it never blocks on an in-progress callback.
type Subscription interface {
	Close() error
}

// Reconnecting is implemented by subscriptions that re-establish a dropped
// transport on their own. Updates published while the transport was down
// are lost, so fn should re-fetch.
type Reconnecting interface {
	OnReconnect(fn func())
}

// RecordStore is the hosted persistence and change feed the synchronizer
// works against. Update bumps the record revision and returns the stored
// record; a patch with IfRevision set fails with ErrConflict when the
// stored revision differs. Fetch and Update return ErrNotFound for an
// unknown id.
//
// Subscribe delivery is best-effort: updates may be dropped, which is why
// the synchronizer also polls.
type RecordStore interface {
	Fetch(ctx context.Context, id string) (models.MatchRecord, error)
	Insert(ctx context.Context, rec models.MatchRecord) (models.MatchRecord, error)
	Update(ctx context.Context, id string, patch models.Patch) (models.MatchRecord, error)
	Subscribe(ctx context.Context, id string, onUpdate func(models.MatchRecord)) (Subscription, error)
}

// PresenceChannel tracks which identities are announced on a key. A
// snapshot is the full set of distinct identities, delivered on every
// change and once right after subscribing.
type PresenceChannel interface {
	Announce(ctx context.Context, key, identity string) (Subscription, error)
	SubscribePresence(ctx context.Context, key string, onSnapshot func([]string)) (Subscription, error)
}

// PresenceKey is the channel key for a match.
func PresenceKey(matchID string) string {
	return "match:" + matchID
}
