// Package httpapi is the host-facing HTTP and WebSocket surface over a coordinator.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/danmuck/c3sync/internal/auth"
	"github.com/danmuck/c3sync/internal/coordinator"
	"github.com/danmuck/c3sync/internal/logging"
	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/observability"
	"github.com/danmuck/c3sync/internal/reconcile"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Backend is the coordinator surface the routes use.
type Backend interface {
	Panels() []coordinator.PanelStatus
	Status(panelID string) (coordinator.PanelStatus, error)
	ListDoors(panelID string) ([]model.Door, error)
	Desired() reconcile.Desired
	Dispatch(ctx context.Context, cmd coordinator.Command) coordinator.Result
	Subscribe() *coordinator.Subscription
	SubscribeEvents() *coordinator.Subscription
}

type Dependencies struct {
	Name        string
	Addr        string
	CorsOrigins []string
	// Auth guards every route except /health and /metrics; nil leaves them open.
	Auth    auth.Validator
	Backend Backend
}

type Server struct {
	name     string
	backend  Backend
	auth     auth.Validator
	origins  []string
	log      zerolog.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
	started  time.Time

	httpServer *http.Server
}

func NewServer(d Dependencies) *Server {
	if d.Name == "" {
		d.Name = "c3syncd"
	}
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		name:    d.Name,
		backend: d.Backend,
		auth:    d.Auth,
		origins: d.CorsOrigins,
		log:     logging.Component("httpapi", ""),
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(s.log))
	r.Use(observability.RequestMetricsMiddleware(d.Name))
	if len(d.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: d.CorsOrigins,
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.router = r
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http api listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// checkOrigin admits same-host requests, requests without an Origin, and configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// requireAuth accepts a bearer header, or an access_token query parameter for
// WebSocket clients that cannot set headers.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth == nil {
			c.Next()
			return
		}
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			token = c.Query("access_token")
		}
		if err := s.auth.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
