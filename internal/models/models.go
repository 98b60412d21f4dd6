package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	gameModels "tictactoe-sync/models"
)

// Game is the persisted row of a match record
type Game struct {
	ID            string            `gorm:"column:id;type:varchar(36);primaryKey"`
	HostID        string            `gorm:"column:host_id;type:varchar(64);not null"`
	GuestID       string            `gorm:"column:guest_id;type:varchar(64);not null;default:''"`
	Board         string            `gorm:"column:board;type:char(9);not null"`
	Turn          string            `gorm:"column:turn;type:char(1);not null"`
	Winner        string            `gorm:"column:winner;type:varchar(8);not null;default:''"`
	WinningLine   *string           `gorm:"column:winning_line;type:varchar(8)"`
	Status        gameModels.Status `gorm:"column:status;type:varchar(32);not null"`
	ScoreHost     int               `gorm:"column:score_host;not null"`
	ScoreGuest    int               `gorm:"column:score_guest;not null"`
	ReactionMark  *string           `gorm:"column:reaction_mark;type:char(1)"`
	ReactionEmoji *string           `gorm:"column:reaction_emoji;type:varchar(16)"`
	ReactionAt    *int64            `gorm:"column:reaction_at"`
	Revision      uint64            `gorm:"column:revision;not null"`
	CreatedAt     time.Time         `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt     time.Time         `gorm:"column:updated_at;autoUpdateTime:false"`
}

// TableName specifies the table name for Game model
func (Game) TableName() string {
	return "games"
}

// GameFromRecord flattens a record into its row.
func GameFromRecord(rec gameModels.MatchRecord) Game {
	g := Game{
		ID:         rec.ID,
		HostID:     rec.HostID,
		GuestID:    rec.GuestID,
		Board:      rec.Board.String(),
		Turn:       string(rec.Turn),
		Winner:     string(rec.Winner),
		Status:     rec.Status,
		ScoreHost:  rec.ScoreHost,
		ScoreGuest: rec.ScoreGuest,
		Revision:   rec.Revision,
		CreatedAt:  rec.CreatedAt.UTC(),
		UpdatedAt:  rec.UpdatedAt.UTC(),
	}
	if rec.WinningLine != nil {
		line := formatLine(*rec.WinningLine)
		g.WinningLine = &line
	}
	if r := rec.LastReaction; r != nil {
		mark, emoji, at := string(r.Mark), r.Emoji, r.At
		g.ReactionMark, g.ReactionEmoji, g.ReactionAt = &mark, &emoji, &at
	}
	return g
}

// Record converts the row back into a match record.
func (g Game) Record() (gameModels.MatchRecord, error) {
	board, err := parseBoard(g.Board)
	if err != nil {
		return gameModels.MatchRecord{}, fmt.Errorf("game %s: %w", g.ID, err)
	}

	rec := gameModels.MatchRecord{
		ID:         g.ID,
		HostID:     g.HostID,
		GuestID:    g.GuestID,
		Board:      board,
		Turn:       gameModels.Mark(g.Turn),
		Winner:     gameModels.Winner(g.Winner),
		Status:     g.Status,
		ScoreHost:  g.ScoreHost,
		ScoreGuest: g.ScoreGuest,
		Revision:   g.Revision,
		CreatedAt:  g.CreatedAt.UTC(),
		UpdatedAt:  g.UpdatedAt.UTC(),
	}
	if g.WinningLine != nil {
		line, err := parseLine(*g.WinningLine)
		if err != nil {
			return gameModels.MatchRecord{}, fmt.Errorf("game %s: %w", g.ID, err)
		}
		rec.WinningLine = &line
	}
	if g.ReactionMark != nil && g.ReactionEmoji != nil && g.ReactionAt != nil {
		rec.LastReaction = &gameModels.Reaction{
			Mark:  gameModels.Mark(*g.ReactionMark),
			Emoji: *g.ReactionEmoji,
			At:    *g.ReactionAt,
		}
	}
	return rec, nil
}

func parseBoard(raw string) (gameModels.Board, error) {
	var board gameModels.Board
	if len(raw) != gameModels.BoardSize {
		return board, fmt.Errorf("board %q: want %d cells", raw, gameModels.BoardSize)
	}
	for i, c := range raw {
		switch c {
		case '-':
		case 'X':
			board[i] = gameModels.MarkX
		case 'O':
			board[i] = gameModels.MarkO
		default:
			return board, fmt.Errorf("board %q: bad cell %q", raw, c)
		}
	}
	return board, nil
}

func formatLine(line gameModels.Line) string {
	return fmt.Sprintf("%d,%d,%d", line[0], line[1], line[2])
}

func parseLine(raw string) (gameModels.Line, error) {
	var line gameModels.Line
	parts := strings.Split(raw, ",")
	if len(parts) != len(line) {
		return line, fmt.Errorf("winning line %q", raw)
	}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n >= gameModels.BoardSize {
			return line, fmt.Errorf("winning line %q", raw)
		}
		line[i] = n
	}
	return line, nil
}

// UpdateColumns lists every column a record update rewrites. The id and
// creation time never change.
func (g Game) UpdateColumns() map[string]interface{} {
	return map[string]interface{}{
		"guest_id":       g.GuestID,
		"board":          g.Board,
		"turn":           g.Turn,
		"winner":         g.Winner,
		"winning_line":   g.WinningLine,
		"status":         g.Status,
		"score_host":     g.ScoreHost,
		"score_guest":    g.ScoreGuest,
		"reaction_mark":  g.ReactionMark,
		"reaction_emoji": g.ReactionEmoji,
		"reaction_at":    g.ReactionAt,
		"revision":       g.Revision,
		"updated_at":     g.UpdatedAt,
	}
}
