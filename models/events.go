package models

type EventType string

const (
	// EventStateChanged carries a LocalMatchView after every local or
	// remote change of the board, turn, winner or status.
	EventStateChanged EventType = "stateChanged"

	EventOpponentJoined   EventType = "opponentJoined"
	EventGameFinished     EventType = "gameFinished"
	EventMatchAbandoned   EventType = "matchAbandoned"
	EventOpponentLeft     EventType = "opponentLeft"
	EventRematchRequested EventType = "rematchRequested"
	EventRematchOffered   EventType = "rematchOffered"
	EventRematchAccepted  EventType = "rematchAccepted"
	EventRematchRejected  EventType = "rematchRejected"
	EventRematchCancelled EventType = "rematchCancelled"

	EventOpponentMissing     EventType = "opponentMissing"
	EventOpponentReconnected EventType = "opponentReconnected"
	EventReconnectPrompt     EventType = "reconnectPrompt"

	EventReaction        EventType = "reaction"
	EventReactionCleared EventType = "reactionCleared"

	// EventTransientError reports a failed read or write that the session
	// survived. Nothing is retried automatically.
	EventTransientError EventType = "transientError"

	// EventSessionClosed is the last event of a synchronizer.
	EventSessionClosed EventType = "sessionClosed"
)

type Event struct {
	Type    EventType   `json:"type"`
	MatchID string      `json:"matchId"`
	Data    interface{} `json:"data,omitempty"`
}

type GameFinishedEvent struct {
	Winner      Winner `json:"winner"`
	WinningLine *Line  `json:"winningLine,omitempty"`
}

type RematchEvent struct {
	By Mark `json:"by"`
}

type ReactionEvent struct {
	Reaction Reaction `json:"reaction"`
}

type TransientErrorEvent struct {
	Op  string `json:"op"`
	Err error  `json:"-"`
}

type SessionClosedEvent struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

type PresenceEvent struct {
	OpponentID string `json:"opponentId"`
}
