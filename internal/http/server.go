package http

import (
	"context"
	"net/http"

	"github.com/jmehdipour/outbox-engine/internal/http/middleware"
	"github.com/jmehdipour/outbox-engine/internal/metrics"
	"github.com/jmehdipour/outbox-engine/internal/repository"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Runner reports whether the embedded dispatcher is polling.
type Runner interface {
	Running() bool
}

// Introspector lists registered handlers.
type Introspector interface {
	EventNames() []string
	HandlerCount(eventName string) int
}

type Deps struct {
	Store      repository.OutboxRepository
	Audit      repository.AuditRepository // optional
	Dispatcher Runner                     // optional, nil when no dispatcher runs in-process
	Handlers   Introspector
	AdminKey   string
	LogLevel   string
	Log        *zap.Logger
}

// Server is the operations API: health, metrics and outbox inspection.
type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLevel(d.LogLevel))
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", healthHandler(d.Dispatcher))

	// routes
	v1 := e.Group("/v1/outbox", middleware.AdminKeyMiddleware(d.AdminKey))
	v1.GET("/stats", statsHandler(d.Store))
	v1.GET("/handlers", handlersHandler(d.Handlers))
	v1.GET("/events", listByAggregateHandler(d.Store))
	v1.GET("/events/:id", getEventHandler(d.Store))
	v1.GET("/dead-letters", listDeadLettersHandler(d.Store))
	v1.POST("/dead-letters/:id/requeue", requeueHandler(d.Store, d.Log))
	v1.GET("/audit", auditHandler(d.Audit))

	return &Server{e: e, log: d.Log}
}

func echoLevel(level string) log.Lvl {
	switch level {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
