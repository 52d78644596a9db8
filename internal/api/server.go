package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/config"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/observability"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/service"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/service/gateway"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/storage"
)

// Options configures a Server.
type Options struct {
	// Mode is config.ModeLocal or config.ModeCloud.
	Mode string
	Port string
	// Gatherer backs /metrics/prometheus. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// Server holds API dependencies.
type Server struct {
	gateway     *gateway.Service
	store       storage.Store
	authService *service.AuthService
	metrics     *observability.Collector
	logger      logrus.FieldLogger
	mode        string
	port        string
	gatherer    prometheus.Gatherer
}

// NewServer creates a new API server. metrics must not be nil.
func NewServer(gw *gateway.Service, authService *service.AuthService, metrics *observability.Collector, logger logrus.FieldLogger, opts Options) *Server {
	s := &Server{
		gateway:     gw,
		store:       gw.Store(),
		authService: authService,
		metrics:     metrics,
		logger:      logger,
		mode:        opts.Mode,
		port:        opts.Port,
		gatherer:    opts.Gatherer,
	}
	if s.mode == "" {
		s.mode = config.ModeLocal
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	return s
}

// Echo builds the HTTP handler with middleware and every route registered.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
				"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
			}).Info("request")
			return nil
		},
	}))

	// Public
	e.GET("/health", s.Health)
	e.GET("/tgif/health", s.TGIFHealth)

	// Authenticated in cloud mode
	api := e.Group("", s.AuthMiddleware)
	api.POST("/api/maestra/core", s.Core)
	api.POST("/api/maestra/advisor/ask", s.AdvisorAsk)
	api.POST("/tgif/ask", s.TGIFAsk)

	api.GET("/conversations", s.ListConversations)
	api.GET("/conversations/:id", s.GetConversation)
	api.GET("/conversations/:id/messages", s.GetMessages)
	api.POST("/conversations/:id/close", s.CloseConversation)
	api.POST("/conversations/:id/artifacts", s.LinkArtifact)

	api.GET("/metrics", s.Metrics)
	api.GET("/metrics/prometheus", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	e.RouteNotFound("/*", func(c echo.Context) error {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
	})
	return e
}
