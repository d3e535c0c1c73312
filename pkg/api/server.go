// Package api exposes the HTTP and WebSocket surface: the OpenAI-shaped
// completion endpoint, the event query/subscription endpoints, persona and
// neuro entry points, and the telemetry/health read side. Endpoints are
// fail-open: a subsystem outage degrades the response body, never the
// status code (401/429 are the only permitted non-2xx).
package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/config"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/eventstore"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/graph"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/materializer"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/persona"
)

// Server wires the HTTP surface to the bus components.
type Server struct {
	cfg         config.Config
	store       *eventstore.Store
	hub         *events.Hub
	connManager *events.ConnectionManager
	frontdoor   *persona.Frontdoor
	mat         *materializer.Materializer
	graphStatus func() graph.Status

	echo      *echo.Echo
	http      *http.Server
	startTime time.Time

	requestsServed atomic.Uint64
	chatRequests   atomic.Uint64
}

// NewServer builds the server and registers all routes. store, mat and
// graphStatus may be nil/absent; the affected endpoints degrade.
func NewServer(
	cfg config.Config,
	store *eventstore.Store,
	hub *events.Hub,
	connManager *events.ConnectionManager,
	frontdoor *persona.Frontdoor,
	mat *materializer.Materializer,
	graphStatus func() graph.Status,
) *Server {
	s := &Server{
		cfg:         cfg,
		store:       store,
		hub:         hub,
		connManager: connManager,
		frontdoor:   frontdoor,
		mat:         mat,
		graphStatus: graphStatus,
		echo:        echo.New(),
		startTime:   time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())
	e.Use(s.countRequests())
	e.Use(corsMiddleware(s.cfg.CORSOrigins))
	e.Use(rateLimitMiddleware(s.cfg.RateLimitPerMin))
	e.Use(bearerAuth(s.cfg.APIBearerToken))

	e.POST("/v1/chat/completions", s.chatCompletionsHandler)
	e.GET("/v1/events", s.eventsHandler)
	e.GET("/v1/ws", s.wsHandler)

	e.POST("/persona/chat", s.personaChatHandler)
	e.POST("/persona/voice", s.personaVoiceHandler)

	e.GET("/neuro/state", s.neuroStateHandler)
	e.POST("/neuro/wake", s.neuroWakeHandler)

	e.GET("/telemetry", s.telemetryHandler)
	e.GET("/health", s.healthHandler)
}

// ServeHTTP lets tests drive the server through httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start blocks serving HTTP on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
