// Package httpapi is the thin gin transport adapter (spec.md section 1:
// "HTTP/SSE edge, no business logic"), grounded on the studio backend's
// internal/middleware auth-middleware + gin.Engine wiring style but stripped
// down to the handful of routes this gateway exposes.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lanhue/gateway/internal/apperrors"
	"github.com/lanhue/gateway/internal/applianceclient"
	"github.com/lanhue/gateway/internal/config"
	"github.com/lanhue/gateway/internal/dispatcher"
	v1dispatch "github.com/lanhue/gateway/internal/dispatcher/v1"
	v2dispatch "github.com/lanhue/gateway/internal/dispatcher/v2"
	"github.com/lanhue/gateway/internal/eventbus"
	"github.com/lanhue/gateway/internal/idempotency"
	"github.com/lanhue/gateway/internal/logging"
)

// Server owns the gin engine and its route dependencies.
type Server struct {
	cfg     *config.Config
	v1      *v1dispatch.Dispatcher
	v2      *v2dispatch.Dispatcher
	v1Bus   *eventbus.Bus
	v2Bus   *eventbus.Bus
	client  *applianceclient.Client
	log     *logging.Logger
	engine  *gin.Engine
}

// New builds a Server and wires its routes.
func New(cfg *config.Config, v1 *v1dispatch.Dispatcher, v2 *v2dispatch.Dispatcher, v1Bus, v2Bus *eventbus.Bus, client *applianceclient.Client) *Server {
	s := &Server{cfg: cfg, v1: v1, v2: v2, v1Bus: v1Bus, v2Bus: v2Bus, client: client, log: logging.New("httpapi")}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin.Engine for cmd/gateway to run.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/readyz", s.handleReadyz)

	authed := s.engine.Group("/")
	authed.Use(s.authMiddleware())
	authed.POST("/v1/actions", s.handleV1Actions)
	authed.POST("/v2/actions", s.handleV2Actions)
	authed.GET("/v1/events/stream", s.handleV1Stream)
	authed.GET("/v2/events/stream", s.handleV2Stream)
}

// handleHealthz is deliberately unauthenticated and has no external
// dependency (spec.md section 4.10's operational endpoints).
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleReadyz reports 503 until the bridge is configured and reachable.
func (s *Server) handleReadyz(c *gin.Context) {
	if !s.cfg.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "reason": "bridge_not_configured"})
		return
	}
	ctx, cancel := contextWithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if _, _, err := s.client.RequestJSONish(ctx, "GET", "/clip/v2/resource/bridge", nil, false, 1, 0); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "reason": "bridge_unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// authMiddleware validates an Authorization: Bearer token or X-API-Key
// header against the configured credential sets (spec.md section 4.10's
// external auth surface). Credential comparisons are constant-time to avoid
// leaking validity through timing.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, scheme, ok := extractCredential(c.Request)
		if !ok || !credentialAllowed(scheme, cred, s.cfg.GatewayAuthTokens, s.cfg.GatewayAPIKeys) {
			err := apperrors.New("unauthorized", "missing or invalid credential", nil)
			c.AbortWithStatusJSON(apperrors.HTTPStatus(err.Code), gin.H{"error": gin.H{"code": err.Code, "message": err.Message}})
			return
		}
		c.Set("credentialFingerprint", idempotency.Fingerprint(scheme, cred))
		c.Next()
	}
}

func (s *Server) handleV1Actions(c *gin.Context) {
	var env dispatcher.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		ge := apperrors.New("invalid_json", "request body is not a valid action envelope", nil)
		c.JSON(apperrors.HTTPStatus(ge.Code), dispatcher.Fail(env.RequestID, env.Action, ge))
		return
	}
	if env.RequestID == "" {
		env.RequestID = requestIDFromHeader(c)
	}
	c.Header("X-Request-Id", env.RequestID)

	resp := s.v1.Dispatch(c.Request.Context(), env)
	c.JSON(dispatcher.HTTPStatus(resp), resp)
}

func (s *Server) handleV2Actions(c *gin.Context) {
	var env dispatcher.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		ge := apperrors.New("invalid_json", "request body is not a valid action envelope", nil)
		c.JSON(apperrors.HTTPStatus(ge.Code), dispatcher.Fail(env.RequestID, env.Action, ge))
		return
	}
	if env.RequestID == "" {
		env.RequestID = requestIDFromHeader(c)
	}
	c.Header("X-Request-Id", env.RequestID)

	credFP, _ := c.Get("credentialFingerprint")
	idempotencyKey := c.GetHeader("Idempotency-Key")

	resp := s.v2.Dispatch(c.Request.Context(), credFP.(string), idempotencyKey, env)
	c.JSON(dispatcher.HTTPStatus(resp), resp)
}

func requestIDFromHeader(c *gin.Context) string {
	if v := c.GetHeader("X-Request-Id"); v != "" {
		return v
	}
	return uuid.New().String()
}
