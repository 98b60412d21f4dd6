package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"tictactoe-sync/models"
)

// Common validation errors
var (
	ErrInvalidUUID  = errors.New("invalid UUID format")
	ErrInvalidRange = errors.New("value out of valid range")
	ErrInvalidEnum  = errors.New("invalid enum value")
	ErrInvalidPatch = errors.New("invalid match update")
)

// Regex patterns for validation
var (
	uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)
)

// ValidateUUID validates UUID format
func ValidateUUID(uuid string) error {
	if uuid == "" {
		return errors.New("UUID is required")
	}
	if !uuidRegex.MatchString(uuid) {
		return ErrInvalidUUID
	}
	return nil
}

// ValidateIntRange validates integer is within range
func ValidateIntRange(value, min, max int, fieldName string) error {
	if value < min || value > max {
		return fmt.Errorf("%w: %s must be between %d and %d", ErrInvalidRange, fieldName, min, max)
	}
	return nil
}

// ValidateNonNegativeInt validates integer is non-negative
func ValidateNonNegativeInt(value int, fieldName string) error {
	if value < 0 {
		return fmt.Errorf("%w: %s must be non-negative", ErrInvalidRange, fieldName)
	}
	return nil
}

// ValidateEnum validates value is in allowed list
func ValidateEnum(value string, allowed []string, fieldName string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be one of %v", ErrInvalidEnum, fieldName, allowed)
}


// SanitizeString strips null bytes and surrounding whitespace
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}


// ValidateCellIndex validates a board index
func ValidateCellIndex(index int) error {
	return ValidateIntRange(index, 0, models.BoardSize-1, "cell")
}

// ValidateMark validates a board mark; empty is allowed for cells only
func ValidateMark(mark models.Mark, allowEmpty bool, fieldName string) error {
	switch mark {
	case models.MarkX, models.MarkO:
		return nil
	case models.MarkNone:
		if allowEmpty {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be X or O", ErrInvalidEnum, fieldName)
}

// ValidateEmoji validates a reaction emoji
func ValidateEmoji(emoji string) error {
	return ValidateEnum(emoji, models.ReactionEmojis, "emoji")
}

// ValidatePatch checks that every field of an incoming update is well
// formed. It does not judge whether the transition is legal; peers are
// trusted with that, as with any shared record.
func ValidatePatch(p models.Patch) error {
	if p.IsEmpty() {
		return fmt.Errorf("%w: no fields", ErrInvalidPatch)
	}
	if p.GuestID != nil && SanitizeString(*p.GuestID) == "" {
		return fmt.Errorf("%w: guestId is empty", ErrInvalidPatch)
	}
	if p.Board != nil {
		for i, cell := range p.Board {
			if err := ValidateMark(cell, true, fmt.Sprintf("board[%d]", i)); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
			}
		}
	}
	if p.Turn != nil {
		if err := ValidateMark(*p.Turn, false, "turn"); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
	}
	if p.Winner != nil {
		switch *p.Winner {
		case models.WinnerNone, models.WinnerX, models.WinnerO, models.WinnerDraw:
		default:
			return fmt.Errorf("%w: unknown winner %q", ErrInvalidPatch, *p.Winner)
		}
	}
	if p.WinningLine != nil {
		if p.Winner == nil || p.Winner.Mark() == models.MarkNone {
			return fmt.Errorf("%w: winningLine requires an X or O winner", ErrInvalidPatch)
		}
		for _, idx := range p.WinningLine {
			if err := ValidateCellIndex(idx); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
			}
		}
	}
	for name, score := range map[string]*int{"scoreHost": p.ScoreHost, "scoreGuest": p.ScoreGuest} {
		if score != nil {
			if err := ValidateNonNegativeInt(*score, name); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
			}
		}
	}
	if p.Reaction != nil {
		if err := ValidateMark(p.Reaction.Mark, false, "reaction mark"); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		if err := ValidateEmoji(p.Reaction.Emoji); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
	}
	return nil
}
