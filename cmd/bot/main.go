// Command bot plays tic-tac-toe against a human through a gateway. Without
// JOIN_CODE it hosts and prints the join link; with one it takes the guest
// seat.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tictactoe-sync/client"
	"tictactoe-sync/engine"
	"tictactoe-sync/models"
	"tictactoe-sync/remote"
)

func main() {
	godotenv.Load()

	serverURL := getEnv("SERVER_URL", "http://localhost:8080")
	joinBase := getEnv("JOIN_BASE_URL", "tictactoe://join")
	delay, err := time.ParseDuration(getEnv("BOT_MOVE_DELAY", "700ms"))
	if err != nil {
		log.Fatal("Invalid BOT_MOVE_DELAY:", err)
	}
	rounds, err := strconv.Atoi(getEnv("BOT_ROUNDS", "3"))
	if err != nil {
		log.Fatal("Invalid BOT_ROUNDS:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, token, err := remote.Anonymous(ctx, serverURL)
	if err != nil {
		log.Fatal("Could not get an identity:", err)
	}
	gateway := remote.New(serverURL, token)

	wake := make(chan struct{}, 1)
	cfg := client.DefaultConfig()
	cfg.OnEvent = func(ev models.Event) {
		logEvent(ev)
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	lobby := client.NewLobby(gateway, gateway, identity, cfg)

	var s *client.Synchronizer
	if code := os.Getenv("JOIN_CODE"); code != "" {
		s, err = lobby.JoinWithCode(ctx, code)
	} else {
		s, err = lobby.Host(ctx)
		if err == nil {
			log.Printf("Hosting match, join with: %s", client.JoinLink(joinBase, s.MatchID()))
		}
	}
	if err != nil {
		log.Fatal("Could not open match:", err)
	}
	defer s.Close()

	b := &bot{s: s, delay: delay, rounds: rounds}
	for {
		select {
		case <-ctx.Done():
			if err := s.Leave(context.Background()); err != nil {
				log.Printf("Leave failed: %v", err)
			}
			return
		case <-s.Done():
			log.Printf("Session over after %d rounds", b.played)
			return
		case <-wake:
			b.act(ctx)
		}
	}
}

type bot struct {
	s      *client.Synchronizer
	delay  time.Duration
	rounds int
	played int

	// counted is set once the finished round has been scored.
	counted bool
}

func (b *bot) act(ctx context.Context) {
	view := b.s.View()
	if view.Status == models.StatusPlaying {
		b.counted = false
	}
	switch {
	case view.IsMyTurn():
		time.Sleep(b.delay)
		index, ok := engine.BotMove(view.Board, view.MyMark)
		if !ok {
			return
		}
		if err := b.s.SubmitMove(ctx, index); err != nil {
			log.Printf("Move %d rejected: %v", index, err)
		}
	case view.Status.IsRematchRequestedBy(view.MyMark.Opponent()):
		if b.played >= b.rounds {
			if err := b.s.Rematch().Reject(ctx); err != nil {
				log.Printf("Rejecting rematch: %v", err)
			}
			return
		}
		if err := b.s.Rematch().Accept(ctx); err != nil {
			log.Printf("Accepting rematch: %v", err)
		}
	case view.Status == models.StatusFinished && !b.counted:
		b.counted = true
		b.played++
		if err := b.s.Reactions().Send(ctx, reactionFor(view)); err != nil {
			log.Printf("Reaction not sent: %v", err)
		}
		if b.played < b.rounds {
			if err := b.s.Rematch().Request(ctx); err != nil {
				log.Printf("Requesting rematch: %v", err)
			}
		}
	}
}

func reactionFor(view models.LocalMatchView) string {
	switch view.Winner {
	case models.WinnerFor(view.MyMark):
		return "🎉"
	case models.WinnerDraw:
		return "🤝"
	}
	return "😢"
}

func logEvent(ev models.Event) {
	switch data := ev.Data.(type) {
	case models.LocalMatchView:
		log.Printf("[%s] %s turn=%s status=%s score=%d:%d", ev.Type, data.Board, data.Turn, data.Status, data.ScoreHost, data.ScoreGuest)
	case models.GameFinishedEvent:
		log.Printf("[%s] winner=%s", ev.Type, data.Winner)
	case models.ReactionEvent:
		log.Printf("[%s] %s sent %s", ev.Type, data.Reaction.Mark, data.Reaction.Emoji)
	case models.TransientErrorEvent:
		log.Printf("[%s] %s: %v", ev.Type, data.Op, data.Err)
	default:
		log.Printf("[%s]", ev.Type)
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
