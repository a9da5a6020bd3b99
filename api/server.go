// Package api exposes the conversion service over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"filevora/admission"
	"filevora/config"
	"filevora/models"
	"filevora/services"
	"filevora/storage"
	"filevora/tools"
	"filevora/worker"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SessionLookup resolves a bearer token to a user id.
type SessionLookup interface {
	LookupSession(ctx context.Context, token string) (userID string, ok bool, err error)
}

type Importer interface {
	Import(ctx context.Context, req services.ImportRequest) (*services.ImportResult, error)
}

type Submitter interface {
	Submit(ctx context.Context, task worker.Task) (<-chan worker.Outcome, error)
}

type Publisher interface {
	Publish(ctx context.Context, job *models.Job, localPath string) (storage.Reference, error)
}

// Pinger reports whether an optional backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components the HTTP layer drives. Sessions may be nil,
// in which case every request is anonymous. Database may be nil when no
// database is configured.
type Dependencies struct {
	Config    *config.Config
	Store     *storage.Store
	Publisher Publisher
	Admission admission.Controller
	Tools     *tools.Registry
	Pool      Submitter
	Importer  Importer
	Sessions  SessionLookup
	Database  Pinger
	Logger    *log.Logger
}

type Server struct {
	cfg       *config.Config
	store     *storage.Store
	publisher Publisher
	admission admission.Controller
	tools     *tools.Registry
	pool      Submitter
	importer  Importer
	sessions  SessionLookup
	database  Pinger
	logger    *log.Logger
	engine    *gin.Engine
}

func NewServer(deps Dependencies) (*Server, error) {
	s := &Server{
		cfg:       deps.Config,
		store:     deps.Store,
		publisher: deps.Publisher,
		admission: deps.Admission,
		tools:     deps.Tools,
		pool:      deps.Pool,
		importer:  deps.Importer,
		sessions:  deps.Sessions,
		database:  deps.Database,
		logger:    deps.Logger,
	}

	engine := gin.New()
	engine.MaxMultipartMemory = 8 << 20
	engine.HandleMethodNotAllowed = true
	if err := engine.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	engine.Use(requestID(), requestLogger(s.logger), recovery(s.logger))
	if origins := s.cfg.AllowedOrigins; len(origins) > 0 {
		engine.Use(cors.New(corsConfig(origins)))
	}

	engine.GET("/", s.health)
	engine.GET("/tools", s.listTools)
	engine.GET("/download/:job_id/:filename", s.download)

	limited := engine.Group("/", s.admit())
	limited.POST("/process/:tool", s.process)
	limited.POST("/api/cloud/import", s.cloudImport)

	engine.NoRoute(func(c *gin.Context) {
		s.writeError(c, models.NewError(models.KindNotFound, "route not found"))
	})
	engine.NoMethod(func(c *gin.Context) {
		s.writeError(c, models.NewError(models.KindMethodNotAllowed, "method not allowed"))
	})

	s.engine = engine
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// HTTPServer wraps the handler in a server bound to the configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
