package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"zmigrated/internal/events"
	"zmigrated/internal/health"
	"zmigrated/internal/runtime/commands"
)

// GinServer is the HTTP surface of the migration daemon. Every mutating
// request is routed through the command dispatcher; the server itself holds
// no orchestration logic.
type GinServer struct {
	router     *gin.Engine
	dispatcher *commands.Dispatcher
	health     *health.Tracker
	events     *events.Bus
	version    string
	port       int

	srv *http.Server

	apiValidator *openAPIValidator
}

// Options configures the server. Dispatcher is required.
type Options struct {
	Dispatcher *commands.Dispatcher
	Health     *health.Tracker
	Events     *events.Bus
	Version    string
	Port       int
}

// New builds the server and its route table.
func New(opts Options) (*GinServer, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("server: dispatcher is required")
	}
	if opts.Port == 0 {
		opts.Port = 9280
	}
	s := &GinServer{
		dispatcher: opts.Dispatcher,
		health:     opts.Health,
		events:     opts.Events,
		version:    opts.Version,
		port:       opts.Port,
	}
	s.setupRoutes()
	return s, nil
}

// Start runs the HTTP server and notifies systemd of readiness.
func (s *GinServer) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.srv = &http.Server{Addr: addr, Handler: s.router}

	log.Printf("INFO: Starting zmigrated server on http://localhost%s", addr)

	// Type=notify services get proper readiness tracking in systemd.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("WARN: Failed to notify systemd of readiness: %v", err)
	} else if sent {
		log.Printf("INFO: Notified systemd that service is ready")
	}

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *GinServer) Stop() error {
	if s.srv == nil {
		return nil
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Printf("WARN: Failed to notify systemd of shutdown: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *GinServer) Handler() http.Handler { return s.router }

func (s *GinServer) setupRoutes() {
	r := gin.New()

	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	if s.apiValidator == nil {
		if os.Getenv("ZMIGRATE_API_VALIDATE") == "1" {
			if v, err := newOpenAPIValidator(); err == nil {
				s.apiValidator = v
			} else {
				log.Printf("OpenAPI validation disabled: %v", err)
			}
		}
	}
	if s.apiValidator != nil {
		r.Use(s.apiValidator.Middleware())
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/openapi.yaml", func(c *gin.Context) {
			if b, err := loadOpenAPISpec(); err == nil {
				c.Data(http.StatusOK, "application/yaml; charset=utf-8", b)
			} else {
				c.JSON(http.StatusNotFound, gin.H{"error": "spec not found"})
			}
		})
		v1.GET("/version", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"version": s.version})
		})

		v1.GET("/status", s.handleStatus)
		v1.GET("/plan", s.handlePlan)
		v1.POST("/step", s.handleStep)

		v1.GET("/rollback/candidates", s.handleRollbackCandidates)
		v1.POST("/rollback", s.handleRollback)

		v1.GET("/checkpoints", s.handleCheckpoints)
		v1.POST("/checkpoints/destroy", s.handleDestroyCheckpoint)

		v1.GET("/health/live", s.handleHealthLive)
		v1.GET("/health/ready", s.handleHealthReady)
		v1.GET("/health/detail", s.handleHealthDetail)
	}

	s.router = r
}

// statusForError maps orchestration errors onto HTTP status codes. Guard
// refusals are conflicts, not server faults.
func statusForError(err error) int {
	switch {
	case isPrecondition(err):
		return http.StatusConflict
	case isActionFailure(err):
		return http.StatusBadGateway
	}
	var unknown commands.ErrUnknownCommand
	if errors.As(err, &unknown) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
