package models

// Patch is a partial update of a match record. Nil fields are left
// untouched. WinningLine is written whenever Winner is written, so a nil
// WinningLine next to a non-nil Winner clears the line.
type Patch struct {
	GuestID     *string   `json:"guestId,omitempty"`
	Board       *Board    `json:"board,omitempty"`
	Turn        *Mark     `json:"turn,omitempty"`
	Winner      *Winner   `json:"winner,omitempty"`
	WinningLine *Line     `json:"winningLine,omitempty"`
	Status      *Status   `json:"status,omitempty"`
	ScoreHost   *int      `json:"scoreHost,omitempty"`
	ScoreGuest  *int      `json:"scoreGuest,omitempty"`
	Reaction    *Reaction `json:"lastReaction,omitempty"`

	// IfRevision makes the write conditional on the stored revision.
	// Zero means last-write-wins.
	IfRevision uint64 `json:"ifRevision,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.GuestID == nil && p.Board == nil && p.Turn == nil && p.Winner == nil &&
		p.Status == nil && p.ScoreHost == nil && p.ScoreGuest == nil && p.Reaction == nil
}

// Apply returns rec with the patch fields written over it. The revision
// is not touched; stores bump it.
func (p Patch) Apply(rec MatchRecord) MatchRecord {
	out := rec.Clone()
	if p.GuestID != nil {
		out.GuestID = *p.GuestID
	}
	if p.Board != nil {
		out.Board = *p.Board
	}
	if p.Turn != nil {
		out.Turn = *p.Turn
	}
	if p.Winner != nil {
		out.Winner = *p.Winner
		out.WinningLine = nil
		if p.WinningLine != nil {
			line := *p.WinningLine
			out.WinningLine = &line
		}
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.ScoreHost != nil {
		out.ScoreHost = *p.ScoreHost
	}
	if p.ScoreGuest != nil {
		out.ScoreGuest = *p.ScoreGuest
	}
	if p.Reaction != nil {
		reaction := *p.Reaction
		out.LastReaction = &reaction
	}
	return out
}
