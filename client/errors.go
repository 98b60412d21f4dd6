package client

import "errors"

var (
	// Store errors, returned by RecordStore implementations
	ErrNotFound = errors.New("match not found")
	ErrExists   = errors.New("match already exists")
	ErrConflict = errors.New("match was modified concurrently")

	// Join errors
	ErrFull            = errors.New("match already has two players")
	ErrSelfJoin        = errors.New("cannot join your own match as guest")
	ErrInvalidJoinCode = errors.New("invalid join code")
	ErrMatchClosed     = errors.New("match has already ended")
	ErrAlreadyJoined   = errors.New("synchronizer already joined a match")

	// Session errors
	ErrNotJoined         = errors.New("no match joined")
	ErrClosed            = errors.New("match session closed")
	ErrUnknownEmoji      = errors.New("unknown reaction emoji")
	ErrNoReconnectPrompt = errors.New("no reconnect decision pending")
)

// ErrAlreadyHost is the name the join contract uses for a host trying to
// take the guest slot of its own match.
var ErrAlreadyHost = ErrSelfJoin
