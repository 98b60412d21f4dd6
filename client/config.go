package client

import (
	"time"

	"github.com/jonboulle/clockwork"

	"tictactoe-sync/models"
)

// Config holds the timing and behaviour knobs of a match session.
type Config struct {
	// PollInterval is the re-fetch interval while the match is Waiting.
	PollInterval time.Duration

	// PresenceGrace is the warm-up window after joining during which an
	// absent opponent is not reported. Negative disables the window.
	PresenceGrace time.Duration

	// PresenceDebounce is how long the opponent must stay absent before
	// a disconnect is reported.
	PresenceDebounce time.Duration

	// ReactionTTL bounds both reaction staleness and display time.
	ReactionTTL time.Duration

	// OptimisticConcurrency makes moves and rematch writes conditional on
	// the last confirmed revision. Off means last-write-wins.
	OptimisticConcurrency bool

	// JoinClaimAttempts bounds the retries of a conflicting guest claim.
	JoinClaimAttempts int

	Clock clockwork.Clock

	// OnEvent receives every event in order, never concurrently.
	OnEvent func(models.Event)
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:      3 * time.Second,
		PresenceGrace:     5 * time.Second,
		PresenceDebounce:  3 * time.Second,
		ReactionTTL:       3 * time.Second,
		JoinClaimAttempts: 3,
		Clock:             clockwork.NewRealClock(),
	}
}

// withDefaults fills zero fields from DefaultConfig. A negative
// PresenceGrace is kept as an explicit "no grace" and stored as zero.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	switch {
	case c.PresenceGrace == 0:
		c.PresenceGrace = def.PresenceGrace
	case c.PresenceGrace < 0:
		c.PresenceGrace = 0
	}
	if c.PresenceDebounce <= 0 {
		c.PresenceDebounce = def.PresenceDebounce
	}
	if c.ReactionTTL <= 0 {
		c.ReactionTTL = def.ReactionTTL
	}
	if c.JoinClaimAttempts <= 0 {
		c.JoinClaimAttempts = def.JoinClaimAttempts
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	return c
}
