package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"

	"tictactoe-sync/internal/auth"
	"tictactoe-sync/internal/db"
	"tictactoe-sync/internal/locks"
	"tictactoe-sync/internal/middleware"
	"tictactoe-sync/internal/presence"
	"tictactoe-sync/internal/recordstore"
	"tictactoe-sync/internal/redis"
	"tictactoe-sync/internal/server"
)

func main() {
	cfg := LoadConfig()

	database, err := db.New(cfg.DBConfig)
	if err != nil {
		log.Fatal("Database connection failed:", err)
	}
	defer database.Close()

	rdb, err := redis.New(cfg.RedisConfig)
	if err != nil {
		log.Fatal("Redis connection failed:", err)
	}
	defer rdb.Close()

	records := recordstore.New(database, rdb, nil)
	hub := presence.NewHub(rdb, cfg.PresenceTTL, nil)
	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	defer limiter.Stop()

	sched, err := startReaper(records, locks.NewManager(rdb, nil), cfg.MatchIdleTimeout, cfg.ReapInterval)
	if err != nil {
		log.Fatal("Failed to start match reaper:", err)
	}
	defer sched.Shutdown()

	srv := server.New(server.Config{
		Environment:    cfg.Environment,
		AllowedOrigins: cfg.AllowedOrigins,
	}, server.Deps{
		Store:    records,
		Presence: hub,
		Auth:     auth.NewService(cfg.JWTSecret, cfg.TokenTTL),
		Limiter:  limiter,
		Health: map[string]server.HealthCheck{
			"database": func(ctx context.Context) error {
				sqlDB, err := database.DB.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": rdb.HealthCheck,
		},
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s (%s)", cfg.ServerPort, cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
}

// startReaper abandons Waiting matches nobody joined within idle. Every
// instance schedules it; the lease outlives the sweep and expires just
// before the sweeper's next tick, so the instances ticking in between skip.
func startReaper(records *recordstore.Store, lockManager *locks.Manager, idle, every time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), every)
			defer cancel()
			err := lockManager.Lease(ctx, "reaper", every-every/10, func(ctx context.Context) error {
				_, err := records.ReapStale(ctx, idle)
				return err
			})
			switch {
			case errors.Is(err, locks.ErrLockAlreadyHeld):
				if holder, herr := lockManager.Holder(ctx, "reaper"); herr == nil && holder != "" {
					log.Printf("[REAPER] skipped, lease held by %s", holder)
				}
			case err != nil:
				log.Printf("[REAPER] %v", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, err
	}
	sched.Start()
	log.Printf("[REAPER] scheduled every %v as instance %s", every, lockManager.InstanceID())
	return sched, nil
}
