package client

import (
	"context"
	"log"
	"sync"

	"tictactoe-sync/engine"
	"tictactoe-sync/models"
)

// RematchNegotiator runs the play-again handshake on the match record.
// An offer from the opponent is raised as EventRematchOffered once per
// occurrence of the status, however many redundant updates carry it.
type RematchNegotiator struct {
	owner *Synchronizer

	mu      sync.Mutex
	offered bool
	offer   models.Status
}

// Request offers a new round. Requesting twice is a no-op; requesting
// while the opponent's offer is pending accepts it.
func (r *RematchNegotiator) Request(ctx context.Context) error {
	return r.owner.mutate(ctx, "rematch request", engine.RequestRematch)
}

// Accept takes the opponent's offer and starts a new round.
func (r *RematchNegotiator) Accept(ctx context.Context) error {
	return r.owner.mutate(ctx, "rematch accept", engine.AcceptRematch)
}

// Reject declines the opponent's offer, which ends the match.
func (r *RematchNegotiator) Reject(ctx context.Context) error {
	return r.owner.mutate(ctx, "rematch reject", engine.RejectRematch)
}

// Cancel withdraws our own pending offer.
func (r *RematchNegotiator) Cancel(ctx context.Context) error {
	return r.owner.mutate(ctx, "rematch cancel", engine.CancelRematch)
}

// Pending reports whether an opponent offer is waiting for an answer.
func (r *RematchNegotiator) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offered
}

func (r *RematchNegotiator) observe(matchID string, status models.Status, myMark models.Mark) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if status.Kind != models.KindRematchRequested || status.By == myMark {
		r.offered = false
		return nil
	}
	if r.offered && r.offer == status {
		return nil
	}
	r.offered = true
	r.offer = status

	log.Printf("[REMATCH] match %s: offer from %s", matchID, status.By)
	return []models.Event{{
		Type:    models.EventRematchOffered,
		MatchID: matchID,
		Data:    models.RematchEvent{By: status.By},
	}}
}
