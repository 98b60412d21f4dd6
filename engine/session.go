package engine

import (
	"fmt"

	"tictactoe-sync/models"
)

// MatchSession is the local state of one participant in one match. Every
// reducer below takes a session by value and returns the next one, the
// patch that persists the change and the events it raises. Nothing here
// performs I/O.
type MatchSession struct {
	MatchID  string
	Identity string
	MyMark   models.Mark
	Record   models.MatchRecord
}

// Transition is the outcome of a reducer.
type Transition struct {
	Session MatchSession
	Patch   models.Patch
	Events  []models.Event
}

// Changed reports whether the transition has anything to persist.
func (t Transition) Changed() bool {
	return !t.Patch.IsEmpty()
}

// NewSession derives the local mark from the record once.
func NewSession(identity string, rec models.MatchRecord) (MatchSession, error) {
	mark := rec.MarkOf(identity)
	if mark == models.MarkNone {
		return MatchSession{}, fmt.Errorf("%w: %s in match %s", ErrNoMark, identity, rec.ID)
	}
	return MatchSession{
		MatchID:  rec.ID,
		Identity: identity,
		MyMark:   mark,
		Record:   rec.Clone(),
	}, nil
}

// OpponentID returns the identity holding the other mark, if known.
func (s MatchSession) OpponentID() string {
	return s.Record.PlayerFor(s.MyMark.Opponent())
}

// ValidateMove checks a move against the local view only.
func (s MatchSession) ValidateMove(index int) error {
	rec := s.Record
	if !IsValidCell(index) {
		return ErrInvalidCell
	}
	if rec.Winner != models.WinnerNone {
		return ErrGameOver
	}
	switch rec.Status.Kind {
	case models.KindPlaying:
	case models.KindWaiting:
		return ErrNotPlaying
	default:
		return ErrGameOver
	}
	if rec.Turn != s.MyMark {
		return ErrNotMyTurn
	}
	if rec.Board[index] != models.MarkNone {
		return ErrCellOccupied
	}
	return nil
}

// ApplyLocalMove places the local mark and computes the resulting turn,
// winner and status. The turn is frozen once the round is decided.
func ApplyLocalMove(s MatchSession, index int) (Transition, error) {
	if err := s.ValidateMove(index); err != nil {
		return Transition{Session: s}, err
	}

	next := s.Record.Clone()
	next.Board[index] = s.MyMark
	next.Winner = CheckWinner(next.Board)
	next.WinningLine = nil

	patch := models.Patch{Board: &next.Board, Winner: &next.Winner}
	if next.Winner == models.WinnerNone {
		next.Turn = s.MyMark.Opponent()
		next.Status = models.StatusPlaying
	} else {
		next.Status = models.StatusFinished
		if line, ok := WinningLine(next.Board); ok {
			next.WinningLine = &line
			patch.WinningLine = &line
		}
		switch next.Winner {
		case models.WinnerX:
			next.ScoreHost++
			patch.ScoreHost = &next.ScoreHost
		case models.WinnerO:
			next.ScoreGuest++
			patch.ScoreGuest = &next.ScoreGuest
		}
	}
	patch.Turn = &next.Turn
	patch.Status = &next.Status

	events := transitionEvents(s.MatchID, s.Record, next)
	s.Record = next
	return Transition{Session: s, Patch: patch, Events: events}, nil
}

// ApplyRemote replaces the local view with an authoritative record. A
// record older than the one already confirmed is ignored.
func ApplyRemote(s MatchSession, rec models.MatchRecord) (Transition, bool) {
	if rec.Revision != 0 && rec.Revision < s.Record.Revision {
		return Transition{Session: s}, false
	}
	prev := s.Record
	s.Record = rec.Clone()
	return Transition{Session: s, Events: transitionEvents(s.MatchID, prev, s.Record)}, true
}

// SelfHeal repairs a record that has a guest but was never flipped to
// Playing, which happens when the guest's status write is lost.
func SelfHeal(s MatchSession) (Transition, bool) {
	rec := s.Record
	if rec.Status.Kind != models.KindWaiting || rec.GuestID == "" {
		return Transition{Session: s}, false
	}
	next := rec.Clone()
	next.Status = models.StatusPlaying
	status := models.StatusPlaying
	events := transitionEvents(s.MatchID, rec, next)
	s.Record = next
	return Transition{Session: s, Patch: models.Patch{Status: &status}, Events: events}, true
}

// RequestRematch offers a new round. Asking again is a no-op; asking while
// the opponent's offer is pending accepts that offer.
func RequestRematch(s MatchSession) (Transition, error) {
	status := s.Record.Status
	switch {
	case status.IsRematchRequestedBy(s.MyMark):
		return Transition{Session: s}, nil
	case status.IsRematchRequestedBy(s.MyMark.Opponent()):
		return AcceptRematch(s)
	case status.Kind == models.KindFinished:
		return setStatus(s, models.RematchRequested(s.MyMark)), nil
	case status.IsTerminal():
		return Transition{Session: s}, ErrMatchOver
	}
	return Transition{Session: s}, ErrRematchUnavailable
}

// AcceptRematch resets the board for a new round. The previous loser
// moves first.
func AcceptRematch(s MatchSession) (Transition, error) {
	if !s.Record.Status.IsRematchRequestedBy(s.MyMark.Opponent()) {
		return Transition{Session: s}, ErrNoRematchOffer
	}
	prev := s.Record
	next := prev.Clone()
	next.Board = models.Board{}
	next.Winner = models.WinnerNone
	next.WinningLine = nil
	next.Turn = NextStarter(prev.Board, prev.Winner)
	next.Status = models.StatusPlaying

	patch := models.Patch{
		Board:  &next.Board,
		Turn:   &next.Turn,
		Winner: &next.Winner,
		Status: &next.Status,
	}
	events := transitionEvents(s.MatchID, prev, next)
	s.Record = next
	return Transition{Session: s, Patch: patch, Events: events}, nil
}

// RejectRematch declines the opponent's offer. The match ends for both.
func RejectRematch(s MatchSession) (Transition, error) {
	if !s.Record.Status.IsRematchRequestedBy(s.MyMark.Opponent()) {
		return Transition{Session: s}, ErrNoRematchOffer
	}
	return setStatus(s, models.StatusRematchRejected), nil
}

// CancelRematch withdraws our own pending offer.
func CancelRematch(s MatchSession) (Transition, error) {
	if !s.Record.Status.IsRematchRequestedBy(s.MyMark) {
		return Transition{Session: s}, ErrNoOwnRequest
	}
	return setStatus(s, models.StatusFinished), nil
}

// Leave records that the local player walked away. A match in progress
// becomes Abandoned, a decided one OpponentLeft. Terminal records are not
// rewritten.
func Leave(s MatchSession) Transition {
	switch s.Record.Status.Kind {
	case models.KindWaiting, models.KindPlaying:
		return setStatus(s, models.StatusAbandoned)
	case models.KindFinished, models.KindRematchRequested:
		return setStatus(s, models.StatusOpponentLeft)
	}
	return Transition{Session: s}
}

// Abandon ends a non-terminal match outright.
func Abandon(s MatchSession) Transition {
	if s.Record.Status.IsTerminal() {
		return Transition{Session: s}
	}
	return setStatus(s, models.StatusAbandoned)
}

// setStatus writes a new status locally. Events for our own writes are
// not raised; the opponent sees them through its feed.
func setStatus(s MatchSession, status models.Status) Transition {
	s.Record = s.Record.Clone()
	s.Record.Status = status
	return Transition{Session: s, Patch: models.Patch{Status: &status}}
}

// transitionEvents derives the events raised by moving from prev to next.
func transitionEvents(matchID string, prev, next models.MatchRecord) []models.Event {
	from, to := prev.Status, next.Status
	if from == to {
		return nil
	}
	ev := func(t models.EventType, data interface{}) models.Event {
		return models.Event{Type: t, MatchID: matchID, Data: data}
	}

	var events []models.Event
	// A decided round is reported even when the Finished status itself
	// was skipped by a missed update.
	if from.Kind == models.KindPlaying && to.Kind != models.KindPlaying && next.Winner != models.WinnerNone {
		events = append(events, ev(models.EventGameFinished, models.GameFinishedEvent{
			Winner:      next.Winner,
			WinningLine: next.WinningLine,
		}))
	}

	switch to.Kind {
	case models.KindPlaying:
		switch from.Kind {
		case models.KindWaiting:
			events = append(events, ev(models.EventOpponentJoined, nil))
		case models.KindRematchRequested:
			events = append(events, ev(models.EventRematchAccepted, models.RematchEvent{By: from.By}))
		}
	case models.KindFinished:
		if from.Kind == models.KindRematchRequested {
			events = append(events, ev(models.EventRematchCancelled, models.RematchEvent{By: from.By}))
		}
	case models.KindAbandoned:
		events = append(events, ev(models.EventMatchAbandoned, nil))
	case models.KindOpponentLeft:
		events = append(events, ev(models.EventOpponentLeft, nil))
	case models.KindRematchRequested:
		events = append(events, ev(models.EventRematchRequested, models.RematchEvent{By: to.By}))
	case models.KindRematchRejected:
		events = append(events, ev(models.EventRematchRejected, nil))
	}
	return events
}
