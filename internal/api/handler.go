// Package api is the operator HTTP surface: status, manual breaker reset,
// signal submission and a live event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatekeeper/internal/engine"
	"gatekeeper/internal/events"
	"gatekeeper/internal/monitor"
	"gatekeeper/internal/order"
	"gatekeeper/pkg/db"
)

// History is the read side of persistence used by the listing endpoints.
type History interface {
	RecentTrades(ctx context.Context, limit int) ([]order.Trade, error)
	RecentBreakerEvents(ctx context.Context, limit int) ([]db.BreakerEvent, error)
	RecentRiskEvents(ctx context.Context, eventType string, limit int) ([]db.RiskEvent, error)
}

// Options tune the middleware stack.
type Options struct {
	RateLimit      float64 // requests per second per client IP
	Burst          int
	RequestTimeout time.Duration
}

// DefaultOptions matches the configuration defaults.
func DefaultOptions() Options {
	return Options{RateLimit: 10, Burst: 20, RequestTimeout: 30 * time.Second}
}

// Server wires HTTP endpoints around the engine and the event bus.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	History   History
	Metrics   *monitor.Metrics
	JWTSecret string
	Meta      SystemMeta

	limiter *ipLimiter
}

// SystemMeta describes the runtime exposed on /api/status.
type SystemMeta struct {
	Venue       string   `json:"venue"`
	Symbols     []string `json:"symbols"`
	UseMockFeed bool     `json:"use_mock_feed"`
	Version     string   `json:"version"`
}

// NewServer builds the router. history and metrics may be nil.
func NewServer(svc engine.Service, bus *events.Bus, history History, metrics *monitor.Metrics, meta SystemMeta, jwtSecret string, opts Options) *Server {
	r := gin.New()

	s := &Server{
		Router:    r,
		Engine:    svc,
		Bus:       bus,
		History:   history,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Meta:      meta,
		limiter:   newIPLimiter(opts.RateLimit, opts.Burst),
	}

	// Middleware stack (order matters)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(CORSMiddleware())

	s.routes(opts)
	return s
}

func (s *Server) routes(opts Options) {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	api.Use(RateLimitMiddleware(s.limiter))
	if opts.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(opts.RequestTimeout))
	}
	{
		api.GET("/status", s.getStatus)
		api.GET("/portfolio", s.getPortfolio)
		api.GET("/breaker", s.getBreaker)
		api.GET("/settings", s.getSettings)
		api.GET("/trades", s.getTrades)
		api.GET("/breaker/events", s.getBreakerEvents)
		api.GET("/events", s.getRiskEvents)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/breaker/reset", s.resetBreaker)
			protected.POST("/signals", s.submitSignal)
			protected.POST("/trades/:id/close", s.closeTrade)
		}
	}
}

// health always answers 200 so the process is considered alive; a tripped
// breaker is reported as "halted".
func (s *Server) health(c *gin.Context) {
	st := s.Engine.Status(c.Request.Context())
	status := "ok"
	if st.Breaker.Tripped {
		status = "halted"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"breaker_tripped": st.Breaker.Tripped,
		"open_trades":     len(st.Portfolio.Positions),
		"time":            st.Time,
	})
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
