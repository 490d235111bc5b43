package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/bidengine/api/handlers"
	"github.com/Aidin1998/bidengine/common/apiutil"
	problems "github.com/Aidin1998/bidengine/common/errors"
)

// StreamServer upgrades websocket connections to the event stream.
type StreamServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, clientID string)
}

// Config tunes the API server.
type Config struct {
	AllowedOrigins []string
	Handlers       handlers.Options
}

// Server represents the API server
type Server struct {
	router   *gin.Engine
	logger   *zap.Logger
	auctions *handlers.AuctionHandler
	stream   StreamServer
	started  time.Time
}

// NewServer creates a new API server over the auction engine. stream may be
// nil, in which case /ws is not mounted.
func NewServer(logger *zap.Logger, cfg Config, engine handlers.Engine, stream StreamServer) *Server {
	server := &Server{
		logger:   logger,
		auctions: handlers.NewAuctionHandler(engine, cfg.Handlers, logger),
		stream:   stream,
		started:  time.Now(),
	}

	router := gin.New()

	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("bidengine-api"))
	router.Use(apiutil.MetricsMiddleware())
	router.Use(apiutil.RFC7807ErrorMiddleware())

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", handlers.IdempotencyHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: len(cfg.AllowedOrigins) > 0,
		MaxAge:           12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	public := s.router.Group("/api/v1")
	{
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
		public.GET("/health", s.healthCheck)
		if s.stream != nil {
			public.GET("/ws", s.serveStream)
		}
		s.auctions.Register(public)
	}
	s.router.NoRoute(func(c *gin.Context) {
		_ = c.Error(problems.NewNotFoundError("no route for "+c.Request.Method+" "+c.Request.URL.Path, c.Request.URL.Path))
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// serveStream hands the connection to the websocket hub. Clients may name
// themselves with ?client_id=; otherwise one is generated.
func (s *Server) serveStream(c *gin.Context) {
	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	s.stream.ServeWS(c.Writer, c.Request, clientID)
}
