// Package transport owns the HTTP surface: the /v2/ws WebSocket endpoint,
// health, and the metrics endpoints. It bridges accepted connections into the
// server package and keeps all gin/gorilla specifics out of the core.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/auth"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/config"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/logging"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/protocol"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/server"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler exposes the HTTP surface over a GameServer.
type Handler struct {
	srv       *server.GameServer
	cfg       *config.Config
	validator *auth.Validator
}

// NewHandler wires the transport layer.
func NewHandler(srv *server.GameServer, cfg *config.Config) *Handler {
	return &Handler{
		srv:       srv,
		cfg:       cfg,
		validator: auth.NewValidator(cfg.Security.AuthorizedApps),
	}
}

// Router assembles the gin engine with CORS, WS, health, and metrics routes.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(h.corsConfig()))

	v2 := router.Group("/v2")
	{
		v2.GET("/ws", h.ServeWs)
		v2.GET("/health", func(c *gin.Context) {
			c.String(http.StatusOK, "OK")
		})
	}

	prom := promhttp.Handler()
	router.GET("/v1/metrics", h.metricsAuth, h.metricsJSON)
	router.GET("/metrics", h.metricsAuth, h.metricsJSON)
	router.GET("/v1/metrics/prom", h.metricsAuth, gin.WrapH(prom))
	router.GET("/metrics/prom", h.metricsAuth, gin.WrapH(prom))

	router.NoRoute(func(c *gin.Context) {
		c.String(http.StatusOK,
			"Signal Fish Server. Use /v2/ws for WebSocket protocol, /v1/metrics for metrics, /metrics/prom for Prometheus.")
	})

	return router
}

func (h *Handler) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Authorization", "Content-Type"}
	if h.cfg.Security.CorsOrigins == "*" {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, origin := range strings.Split(h.cfg.Security.CorsOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			cfg.AllowOrigins = append(cfg.AllowOrigins, trimmed)
		}
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

// metricsAuth enforces the bearer token on metrics reads when configured.
func (h *Handler) metricsAuth(c *gin.Context) {
	if !h.cfg.Security.RequireMetricsAuth {
		return
	}
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" || token != h.cfg.Security.MetricsAuthToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid metrics token"})
	}
}

func (h *Handler) metricsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, h.srv.Registry().Snapshot())
}

// ServeWs authenticates (when required), upgrades, and admits the connection.
// A connection over the per-IP cap is upgraded just far enough to receive one
// Error frame and a close, so clients see TooManyConnections rather than a
// bare TCP reset.
func (h *Handler) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	appID := ""
	if h.cfg.Security.RequireWebsocketAuth {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
			return
		}
		validated, err := h.validator.ValidateToken(token)
		if err != nil {
			logging.Warn(ctx, "WebSocket auth failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		appID = validated
	}

	fingerprint, fpHeader := auth.ExtractFingerprint(c.Request.Header)

	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "Failed to upgrade connection", zap.Error(err))
		return
	}

	sink := newWSClient(conn, h.cfg.Server.OutboundQueueSize)

	opts := []server.ClientOption{}
	if appID != "" {
		opts = append(opts, server.WithAppID(appID))
	}
	if fingerprint != "" {
		opts = append(opts, server.WithFingerprint(fingerprint))
		logging.Debug(ctx, "Captured client certificate fingerprint",
			zap.String("header", fpHeader))
	}

	client, opErr := h.srv.RegisterClient(sink, c.ClientIP(), opts...)
	if opErr != nil {
		h.rejectConnection(conn, opErr.Code, opErr.Reason)
		return
	}

	go sink.writePump()
	go sink.readPump(h.srv, client, h.cfg.Security.MaxMessageSize)
}

// rejectConnection delivers a single Error frame and closes the socket.
func (h *Handler) rejectConnection(conn wsConnection, code protocol.ErrorCode, reason string) {
	if raw, err := protocol.Encode(protocol.TypeError, protocol.ErrorData{
		Message:   reason,
		ErrorCode: code,
	}); err == nil {
		conn.WriteMessage(websocket.TextMessage, raw)
	}
	conn.WriteMessage(websocket.CloseMessage, []byte{})
	conn.Close()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.Security.CorsOrigins == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range strings.Split(h.cfg.Security.CorsOrigins, ",") {
		allowedURL, err := url.Parse(strings.TrimSpace(allowed))
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// Shutdown closes all connections through the server.
func (h *Handler) Shutdown(ctx context.Context) {
	h.srv.Shutdown(ctx)
}
