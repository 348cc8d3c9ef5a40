// Package server exposes an executor.Executor over HTTP. Every route except
// health and metrics acts on the session named by the X-Session-ID header.
package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/caffeineduck/gorepl/executor"
	"github.com/caffeineduck/gorepl/internal/observability"
)

const SessionHeader = "X-Session-ID"

type Option func(*Server)

// WithCORS enables permissive CORS for browser frontends served elsewhere.
func WithCORS(enabled bool) Option {
	return func(s *Server) {
		s.cors = enabled
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

type Server struct {
	exec   *executor.Executor
	log    zerolog.Logger
	cors   bool
	router *gin.Engine
}

func New(exec *executor.Executor, opts ...Option) *Server {
	s := &Server{
		exec: exec,
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	observability.RegisterMetrics()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(s.log))

	if s.cors {
		router.Use(cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", SessionHeader},
			MaxAge:          time.Hour,
		}))
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/health", s.health)

	sessions := api.Group("")
	sessions.Use(requireSession())
	{
		sessions.POST("/init", s.initSession)
		sessions.POST("/exec", s.execCode)
		sessions.POST("/eval", s.eval)
		sessions.POST("/stream/start", s.streamStart)
		sessions.POST("/stream/poll", s.streamPoll)
		sessions.POST("/stream/exec", s.streamExec)
		sessions.POST("/stream/stop", s.streamStop)
		sessions.DELETE("/session", s.deleteSession)
	}
	return router
}

func requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(SessionHeader)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"type": "error", "error": "Missing X-Session-ID header"})
			return
		}
		c.Set("session", id)
		c.Next()
	}
}

func sessionID(c *gin.Context) string {
	return c.GetString("session")
}
