package models

import (
	"strings"
	"time"
)

type Mark string

const (
	MarkNone Mark = ""
	MarkX    Mark = "X"
	MarkO    Mark = "O"
)

// Opponent returns the other mark. MarkNone maps to itself.
func (m Mark) Opponent() Mark {
	switch m {
	case MarkX:
		return MarkO
	case MarkO:
		return MarkX
	}
	return MarkNone
}

type Winner string

const (
	WinnerNone Winner = ""
	WinnerX    Winner = "X"
	WinnerO    Winner = "O"
	WinnerDraw Winner = "draw"
)

// WinnerFor converts a winning mark into a Winner.
func WinnerFor(m Mark) Winner {
	switch m {
	case MarkX:
		return WinnerX
	case MarkO:
		return WinnerO
	}
	return WinnerNone
}

// Mark returns the winning mark, or MarkNone for draws and open games.
func (w Winner) Mark() Mark {
	switch w {
	case WinnerX:
		return MarkX
	case WinnerO:
		return MarkO
	}
	return MarkNone
}

const BoardSize = 9

// Board holds the nine cells row-major, index 0 is top-left.
type Board [BoardSize]Mark

// Line is a winning triple of cell indexes.
type Line [3]int

func (b Board) String() string {
	var sb strings.Builder
	for _, cell := range b {
		if cell == MarkNone {
			sb.WriteByte('-')
			continue
		}
		sb.WriteString(string(cell))
	}
	return sb.String()
}

// Count returns how many cells hold mark.
func (b Board) Count(mark Mark) int {
	n := 0
	for _, cell := range b {
		if cell == mark {
			n++
		}
	}
	return n
}

// Reaction is the advisory emoji side field of a record.
type Reaction struct {
	Mark  Mark   `json:"mark"`
	Emoji string `json:"emoji"`
	At    int64  `json:"timestamp"` // unix milliseconds
}

// Time converts At into a time.Time.
func (r Reaction) Time() time.Time {
	return time.UnixMilli(r.At)
}

// ReactionEmojis is the set of emojis a player may broadcast.
var ReactionEmojis = []string{"👍", "😂", "😮", "😢", "😡", "🔥", "🎉", "🤝"}

// MatchRecord is the shared, server-persisted state of one match.
type MatchRecord struct {
	ID           string    `json:"id"`
	HostID       string    `json:"hostId"`
	GuestID      string    `json:"guestId,omitempty"`
	Board        Board     `json:"board"`
	Turn         Mark      `json:"turn"`
	Winner       Winner    `json:"winner"`
	WinningLine  *Line     `json:"winningLine,omitempty"`
	Status       Status    `json:"status"`
	ScoreHost    int       `json:"scoreHost"`
	ScoreGuest   int       `json:"scoreGuest"`
	LastReaction *Reaction `json:"lastReaction,omitempty"`
	Revision     uint64    `json:"revision"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NewMatchRecord returns the initial record a host inserts.
func NewMatchRecord(id, hostID string) MatchRecord {
	return MatchRecord{
		ID:     id,
		HostID: hostID,
		Turn:   MarkX,
		Winner: WinnerNone,
		Status: StatusWaiting,
	}
}

// MarkOf returns the mark identity plays in this record, if any.
func (r MatchRecord) MarkOf(identity string) Mark {
	switch {
	case identity == "":
		return MarkNone
	case identity == r.HostID:
		return MarkX
	case identity == r.GuestID:
		return MarkO
	}
	return MarkNone
}

// PlayerFor returns the identity playing mark.
func (r MatchRecord) PlayerFor(mark Mark) string {
	switch mark {
	case MarkX:
		return r.HostID
	case MarkO:
		return r.GuestID
	}
	return ""
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r MatchRecord) Clone() MatchRecord {
	out := r
	if r.WinningLine != nil {
		line := *r.WinningLine
		out.WinningLine = &line
	}
	if r.LastReaction != nil {
		reaction := *r.LastReaction
		out.LastReaction = &reaction
	}
	return out
}

type PresenceState int

const (
	PresenceConnected PresenceState = iota
	PresencePendingDisconnect
	PresenceDisconnected
)

func (p PresenceState) String() string {
	switch p {
	case PresenceConnected:
		return "connected"
	case PresencePendingDisconnect:
		return "pending_disconnect"
	case PresenceDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// LocalMatchView is what the presentation layer renders. It may be ahead
// of the persisted record while an optimistic write is in flight.
type LocalMatchView struct {
	MatchID          string        `json:"matchId"`
	MyMark           Mark          `json:"myMark"`
	HostID           string        `json:"hostId"`
	GuestID          string        `json:"guestId,omitempty"`
	Board            Board         `json:"board"`
	Turn             Mark          `json:"turn"`
	Winner           Winner        `json:"winner"`
	WinningLine      *Line         `json:"winningLine,omitempty"`
	Status           Status        `json:"status"`
	ScoreHost        int           `json:"scoreHost"`
	ScoreGuest       int           `json:"scoreGuest"`
	Revision         uint64        `json:"revision"`
	OpponentPresence PresenceState `json:"opponentPresence"`
	InGracePeriod    bool          `json:"inGracePeriod"`
}

// IsMyTurn reports whether the local player may move right now.
func (v LocalMatchView) IsMyTurn() bool {
	return v.Status.Kind == KindPlaying && v.Winner == WinnerNone && v.Turn == v.MyMark
}
