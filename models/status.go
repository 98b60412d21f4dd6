package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

type StatusKind int

const (
	KindWaiting StatusKind = iota
	KindPlaying
	KindFinished
	KindAbandoned
	KindOpponentLeft
	KindRematchRequested
	KindRematchRejected
)

// Status is the lifecycle state of a match record. By is only set for
// KindRematchRequested and names the mark that asked for the rematch.
type Status struct {
	Kind StatusKind
	By   Mark
}

var (
	StatusWaiting         = Status{Kind: KindWaiting}
	StatusPlaying         = Status{Kind: KindPlaying}
	StatusFinished        = Status{Kind: KindFinished}
	StatusAbandoned       = Status{Kind: KindAbandoned}
	StatusOpponentLeft    = Status{Kind: KindOpponentLeft}
	StatusRematchRejected = Status{Kind: KindRematchRejected}
)

const rematchRequestedPrefix = "rematch_requested_"

// RematchRequested builds the status for a pending rematch offer by mark.
func RematchRequested(by Mark) Status {
	return Status{Kind: KindRematchRequested, By: by}
}

func (s Status) String() string {
	switch s.Kind {
	case KindWaiting:
		return "waiting"
	case KindPlaying:
		return "playing"
	case KindFinished:
		return "finished"
	case KindAbandoned:
		return "abandoned"
	case KindOpponentLeft:
		return "opponent_left"
	case KindRematchRequested:
		return rematchRequestedPrefix + string(s.By)
	case KindRematchRejected:
		return "rematch_rejected"
	}
	return fmt.Sprintf("status(%d)", int(s.Kind))
}

// IsTerminal reports whether the core stops mutating the record.
func (s Status) IsTerminal() bool {
	switch s.Kind {
	case KindAbandoned, KindOpponentLeft, KindRematchRejected:
		return true
	}
	return false
}

// IsRematchRequestedBy reports whether s is a pending offer made by mark.
func (s Status) IsRematchRequestedBy(mark Mark) bool {
	return s.Kind == KindRematchRequested && s.By == mark
}

// ParseStatus decodes the wire/storage form produced by String.
func ParseStatus(raw string) (Status, error) {
	switch raw {
	case "waiting":
		return StatusWaiting, nil
	case "playing":
		return StatusPlaying, nil
	case "finished":
		return StatusFinished, nil
	case "abandoned":
		return StatusAbandoned, nil
	case "opponent_left":
		return StatusOpponentLeft, nil
	case "rematch_rejected":
		return StatusRematchRejected, nil
	}
	if strings.HasPrefix(raw, rematchRequestedPrefix) {
		mark := Mark(strings.TrimPrefix(raw, rematchRequestedPrefix))
		if mark == MarkX || mark == MarkO {
			return RematchRequested(mark), nil
		}
	}
	return Status{}, fmt.Errorf("unknown match status %q", raw)
}

func (s Status) MarshalText() ([]byte, error) {
	if s.Kind == KindRematchRequested && s.By != MarkX && s.By != MarkO {
		return nil, fmt.Errorf("rematch status without requesting mark")
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value stores the status as its text form.
func (s Status) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan reads the text form back from the database.
func (s *Status) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	case nil:
		*s = StatusWaiting
		return nil
	}
	return fmt.Errorf("cannot scan %T into Status", value)
}
