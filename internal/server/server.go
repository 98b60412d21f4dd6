// Package server is the HTTP and websocket gateway in front of the record
// store and presence hub. It exposes the same contract the client library
// consumes, so remote players can share a match.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"tictactoe-sync/client"
	"tictactoe-sync/internal/auth"
	"tictactoe-sync/internal/middleware"
)

// HealthCheck probes one backing service.
type HealthCheck func(ctx context.Context) error

// Config holds gateway settings.
type Config struct {
	Environment    string
	AllowedOrigins []string
}

// Deps are the services the gateway routes to. Limiter, Metrics and
// Health are optional.
type Deps struct {
	Store    client.RecordStore
	Presence client.PresenceChannel
	Auth     *auth.Service
	Limiter  *middleware.RateLimiter
	Metrics  *Metrics
	Health   map[string]HealthCheck
}

type Server struct {
	config  Config
	deps    Deps
	metrics *Metrics
}

func New(config Config, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = DefaultOrigins
	}
	return &Server{config: config, deps: deps, metrics: deps.Metrics}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	if s.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), s.metrics.middleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api")
	api.POST("/auth/anonymous", s.handleAnonymous)

	matches := api.Group("/matches", s.authMiddleware())
	if s.deps.Limiter != nil {
		matches.Use(s.deps.Limiter.Middleware(func(c *gin.Context) string {
			return c.GetString(identityKey)
		}))
	}
	matches.POST("", s.handleCreateMatch)
	matches.GET("/:id", s.handleGetMatch)
	matches.PATCH("/:id", s.handlePatchMatch)

	r.GET("/ws/matches/:id", s.handleStream)
	return r
}

// DefaultOrigins are allowed when no ALLOWED_ORIGINS are configured.
var DefaultOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

// ParseOrigins splits a comma separated origin list, dropping blanks.
func ParseOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// checkOrigin allows non-browser clients, which send no Origin header, and
// browsers from an allowed origin. Matching is exact.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
