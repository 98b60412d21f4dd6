package engine

import "tictactoe-sync/models"

var winningLines = [8]models.Line{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

var (
	cornerCells = []int{0, 2, 6, 8}
	sideCells   = []int{1, 3, 5, 7}
)

const centerCell = 4

// CheckWinner returns X or O when three identical marks occupy a line,
// Draw when the board is full without one, and None otherwise.
func CheckWinner(board models.Board) models.Winner {
	if line, ok := WinningLine(board); ok {
		return models.WinnerFor(board[line[0]])
	}
	if IsBoardFull(board) {
		return models.WinnerDraw
	}
	return models.WinnerNone
}

// WinningLine returns the first completed line on the board.
func WinningLine(board models.Board) (models.Line, bool) {
	for _, line := range winningLines {
		a := board[line[0]]
		if a != models.MarkNone && a == board[line[1]] && a == board[line[2]] {
			return line, true
		}
	}
	return models.Line{}, false
}

// IsBoardFull checks if all cells on the board are filled
func IsBoardFull(board models.Board) bool {
	for _, cell := range board {
		if cell == models.MarkNone {
			return false
		}
	}
	return true
}

// IsValidCell reports whether index addresses a cell.
func IsValidCell(index int) bool {
	return index >= 0 && index < models.BoardSize
}

// NextStarter picks who opens the next round: the loser of a decided
// round, or on a draw the mark that did not open the finished round.
func NextStarter(board models.Board, winner models.Winner) models.Mark {
	if mark := winner.Mark(); mark != models.MarkNone {
		return mark.Opponent()
	}
	// The opener always holds at least as many cells as the other mark.
	if board.Count(models.MarkO) > board.Count(models.MarkX) {
		return models.MarkX
	}
	return models.MarkO
}

// BotMove picks a cell for mark: complete a line, block the opponent,
// then centre, corners and sides. ok is false on a full board.
func BotMove(board models.Board, mark models.Mark) (index int, ok bool) {
	if idx, found := completingCell(board, mark); found {
		return idx, true
	}
	if idx, found := completingCell(board, mark.Opponent()); found {
		return idx, true
	}
	if board[centerCell] == models.MarkNone {
		return centerCell, true
	}
	for _, group := range [][]int{cornerCells, sideCells} {
		for _, idx := range group {
			if board[idx] == models.MarkNone {
				return idx, true
			}
		}
	}
	return -1, false
}

// completingCell finds an empty cell that gives mark three in a line.
func completingCell(board models.Board, mark models.Mark) (int, bool) {
	for _, line := range winningLines {
		count, empty := 0, -1
		for _, idx := range line {
			switch board[idx] {
			case mark:
				count++
			case models.MarkNone:
				empty = idx
			}
		}
		if count == 2 && empty >= 0 {
			return empty, true
		}
	}
	return -1, false
}
