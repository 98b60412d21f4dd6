package engine

import "errors"

// Move and transition errors. All of them are raised before anything is
// written, locally or remotely.
var (
	// Move validation errors
	ErrInvalidCell  = errors.New("cell index out of range")
	ErrNotPlaying   = errors.New("match is not in play")
	ErrNotMyTurn    = errors.New("not your turn")
	ErrCellOccupied = errors.New("cell already occupied")
	ErrGameOver     = errors.New("game is already over")
	ErrNoMark       = errors.New("identity has no mark in this match")

	// Rematch errors
	ErrRematchUnavailable = errors.New("rematch is only possible after a finished round")
	ErrNoRematchOffer     = errors.New("no rematch offer from the opponent")
	ErrNoOwnRequest       = errors.New("no pending rematch request of ours")

	// Lifecycle errors
	ErrMatchOver = errors.New("match has ended")
)
