package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the gateway's prometheus collectors. Each server gets its
// own registry so tests can build many.
type Metrics struct {
	registry *prometheus.Registry

	matchesCreated  prometheus.Counter
	writes          *prometheus.CounterVec
	gamesFinished   *prometheus.CounterVec
	streamsOpen     *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		matchesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "tictactoe_matches_created_total", Help: "Matches hosted"},
		),
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tictactoe_match_writes_total", Help: "Match record updates by result"},
			[]string{"result"},
		),
		gamesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tictactoe_games_finished_total", Help: "Rounds finished by winner"},
			[]string{"winner"},
		),
		streamsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "tictactoe_streams_open", Help: "Open websocket streams"},
			[]string{"stream"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests"},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "route"},
		),
	}
	m.registry.MustRegister(
		m.matchesCreated, m.writes, m.gamesFinished, m.streamsOpen,
		m.requests, m.requestDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the collectors for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
