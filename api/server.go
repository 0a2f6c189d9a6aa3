// Package api implements the HTTP control plane (spec §6): connect,
// disconnect, stream status/debug, and the recording lifecycle and
// catalog endpoints. Grounded on windalfin-ayo-mwr/api/server.go's
// gin.Engine-plus-Server-struct setup.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"nvrcore/config"
	"nvrcore/database"
	"nvrcore/recording"
	"nvrcore/session"
)

// Server wires the Session Registry, Recording Controller, and Metadata
// Store Adapter into the HTTP route table.
type Server struct {
	cfg        config.Config
	registry   *session.Registry
	controller *recording.Controller
	store      database.Store

	httpServer *http.Server
}

// NewServer constructs the control plane. controller is shared with the
// registry so status snapshots and recording commands agree on which
// session owns which active recording.
func NewServer(cfg config.Config, registry *session.Registry, controller *recording.Controller, store database.Store) *Server {
	return &Server{cfg: cfg, registry: registry, controller: controller, store: store}
}

// Start runs the HTTP server until ctx-independent Shutdown is called; it
// blocks the calling goroutine, the way windalfin-ayo-mwr/api/server.go's
// Server.Start does with r.Run.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	s.setupRoutes(r)

	addr := fmt.Sprintf("%s:%s", s.cfg.ServerHost, s.cfg.ServerPort)
	s.httpServer = &http.Server{Addr: addr, Handler: r}

	log.Printf("[api] listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server (spec §9's "drained during
// shutdown" note applies to the Session Registry; this stops the surface
// that can create new work).
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)

	v1 := r.Group("/api/v1")
	{
		streams := v1.Group("/streams")
		streams.POST("/connect", s.handleConnect)
		streams.POST("/:id/disconnect", s.handleDisconnect)
		streams.GET("/status", s.handleStreamsStatus)
		streams.GET("/:id/status", s.handleStreamStatus)
		streams.GET("/:id/debug", s.handleStreamDebug)

		recordings := v1.Group("/recordings")
		recordings.POST("/:id/start", s.handleRecordingStart)
		recordings.POST("/:id/stop", s.handleRecordingStop)
		recordings.GET("", s.handleRecordingsList)
		recordings.GET("/:id", s.handleRecordingGet)
		recordings.GET("/:id/download", s.handleRecordingDownload)
		recordings.DELETE("/:id", s.handleRecordingDelete)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Printf("[api] %s %s -> %d", c.Request.Method, c.Request.URL.Path, c.Writer.Status())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
