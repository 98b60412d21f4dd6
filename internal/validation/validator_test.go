package validation

import (
	"errors"
	"testing"

	"tictactoe-sync/models"
)

func TestValidateUUID(t *testing.T) {
	tests := []struct {
		name    string
		uuid    string
		wantErr bool
	}{
		{"Valid UUID", "550e8400-e29b-41d4-a716-446655440000", false},
		{"Valid UUID uppercase", "550E8400-E29B-41D4-A716-446655440000", false},
		{"Invalid format", "not-a-uuid", true},
		{"Missing hyphens", "550e8400e29b41d4a716446655440000", true},
		{"Too short", "550e8400-e29b-41d4-a716", true},
		{"Empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUUID(tt.uuid)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUUID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateIntRange(t *testing.T) {
	tests := []struct {
		name      string
		value     int
		min       int
		max       int
		fieldName string
		wantErr   bool
	}{
		{"Within range", 5, 1, 10, "test", false},
		{"At minimum", 1, 1, 10, "test", false},
		{"At maximum", 10, 1, 10, "test", false},
		{"Below minimum", 0, 1, 10, "test", true},
		{"Above maximum", 11, 1, 10, "test", true},
		{"Negative in positive range", -5, 0, 10, "test", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIntRange(tt.value, tt.min, tt.max, tt.fieldName)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIntRange() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCellIndex(t *testing.T) {
	for i := 0; i < models.BoardSize; i++ {
		if err := ValidateCellIndex(i); err != nil {
			t.Errorf("ValidateCellIndex(%d) error = %v", i, err)
		}
	}
	for _, i := range []int{-1, 9, 100} {
		if err := ValidateCellIndex(i); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("ValidateCellIndex(%d) error = %v, want ErrInvalidRange", i, err)
		}
	}
}

func TestValidateEmoji(t *testing.T) {
	if err := ValidateEmoji(models.ReactionEmojis[0]); err != nil {
		t.Errorf("ValidateEmoji() error = %v", err)
	}
	if err := ValidateEmoji("💩"); !errors.Is(err, ErrInvalidEnum) {
		t.Errorf("ValidateEmoji() error = %v, want ErrInvalidEnum", err)
	}
}

func TestValidatePatch(t *testing.T) {
	x, o := models.MarkX, models.MarkO
	empty := ""
	blank := " \x00 "
	winX := models.WinnerX
	draw := models.WinnerDraw
	bogusWinner := models.Winner("Z")
	line := models.Line{0, 4, 8}
	badLine := models.Line{0, 4, 9}
	negative := -1
	badBoard := models.Board{"Q"}
	reaction := models.Reaction{Mark: o, Emoji: models.ReactionEmojis[1], At: 1}
	badReaction := models.Reaction{Mark: o, Emoji: "nope", At: 1}

	tests := []struct {
		name    string
		patch   models.Patch
		wantErr bool
	}{
		{"Move", models.Patch{Board: &models.Board{x}, Turn: &o}, false},
		{"Win with line", models.Patch{Winner: &winX, WinningLine: &line}, false},
		{"Reaction", models.Patch{Reaction: &reaction}, false},
		{"Empty patch", models.Patch{}, true},
		{"Empty guest", models.Patch{GuestID: &empty}, true},
		{"Blank guest", models.Patch{GuestID: &blank}, true},
		{"Bad cell", models.Patch{Board: &badBoard}, true},
		{"Turn must be a mark", models.Patch{Turn: new(models.Mark)}, true},
		{"Unknown winner", models.Patch{Winner: &bogusWinner}, true},
		{"Line without winner", models.Patch{WinningLine: &line}, true},
		{"Line on a draw", models.Patch{Winner: &draw, WinningLine: &line}, true},
		{"Line out of range", models.Patch{Winner: &winX, WinningLine: &badLine}, true},
		{"Negative score", models.Patch{ScoreGuest: &negative}, true},
		{"Unknown emoji", models.Patch{Reaction: &badReaction}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePatch(tt.patch)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePatch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPatch) {
				t.Errorf("ValidatePatch() error = %v, want ErrInvalidPatch", err)
			}
		})
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Clean string", "hello", "hello"},
		{"With whitespace", "  hello  ", "hello"},
		{"With null byte", "hello\x00world", "helloworld"},
		{"Multiple spaces", "hello    world", "hello    world"}, // Only trims edges
		{"Empty", "", ""},
		{"Only whitespace", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeString(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeString() = %q, want %q", result, tt.expected)
			}
		})
	}
}
