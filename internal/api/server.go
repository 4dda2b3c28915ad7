package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/TimonBed/dashboard-sub000/internal/command"
	"github.com/TimonBed/dashboard-sub000/internal/ha"
	"github.com/TimonBed/dashboard-sub000/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Connector is the part of the connection manager the API exposes.
type Connector interface {
	Reconnect(ctx context.Context) error
	DebugLog() *ha.DebugLog
	Attempts() int
}

// Commander runs service calls.
type Commander interface {
	CallService(ctx context.Context, domain, service string, data map[string]interface{}) (json.RawMessage, error)
}

// Server provides HTTP API endpoints for the dashboard core
type Server struct {
	store    *store.Store
	conn     Connector
	commands Commander
	logger   *zap.Logger
	router   *gin.Engine
	server   *http.Server
}

// NewServer creates a new API server. A nil gatherer disables /metrics.
func NewServer(st *store.Store, conn Connector, commands Commander, gatherer prometheus.Gatherer, logger *zap.Logger, port int) *Server {
	s := &Server{
		store:    st,
		conn:     conn,
		commands: commands,
		logger:   logger,
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), requestLogger(logger))

	s.router.GET("/", s.handleSitemap)
	s.router.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/entities", s.handleEntities)
		api.GET("/entities/:id", s.handleEntity)
		api.GET("/sensors", s.handleSensors)
		api.GET("/debug/frames", s.handleDebugFrames)
		api.POST("/services/:domain/:service", s.handleCallService)
		api.POST("/reconnect", s.handleReconnect)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("API request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", c.ClientIP()))
	}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Connection store.ConnectionState `json:"connection"`
	Attempts   int                   `json:"attempts"`
	Entities   int                   `json:"entities"`
	Sensors    int                   `json:"sensors"`
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Connection: s.store.ConnectionState(),
		Attempts:   s.conn.Attempts(),
		Entities:   s.store.Len(),
		Sensors:    len(s.store.Sensors()),
	})
}

// handleHealth reports whether the hub connection is live.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"connected": s.store.ConnectionState().Connected,
	})
}

func (s *Server) handleEntities(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.All())
}

func (s *Server) handleEntity(c *gin.Context) {
	id := c.Param("id")
	st, ok := s.store.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("entity %s not found", id)})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleSensors(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Sensors())
}

func (s *Server) handleDebugFrames(c *gin.Context) {
	c.JSON(http.StatusOK, s.conn.DebugLog().Frames())
}

// handleCallService forwards the JSON body as service data.
func (s *Server) handleCallService(c *gin.Context) {
	domain, service := c.Param("domain"), c.Param("service")

	var data map[string]interface{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid service data: %v", err)})
			return
		}
	}

	result, err := s.commands.CallService(c.Request.Context(), domain, service, data)
	if err != nil {
		status, body := serviceError(err)
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

func serviceError(err error) (int, gin.H) {
	body := gin.H{"error": err.Error()}

	var hubErr *ha.HubError
	switch {
	case errors.Is(err, command.ErrNotConnected):
		return http.StatusServiceUnavailable, body
	case errors.Is(err, command.ErrReadOnly):
		return http.StatusForbidden, body
	case errors.Is(err, ha.ErrRequestTimeout):
		return http.StatusGatewayTimeout, body
	case errors.As(err, &hubErr):
		body["code"] = hubErr.Code
		return http.StatusBadGateway, body
	default:
		return http.StatusInternalServerError, body
	}
}

// handleReconnect restarts the connection and waits for the outcome
// while the client is still listening.
func (s *Server) handleReconnect(c *gin.Context) {
	err := s.conn.Reconnect(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, s.store.ConnectionState())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusAccepted, s.store.ConnectionState())
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      err.Error(),
			"connection": s.store.ConnectionState(),
		})
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health check, includes hub connection flag"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/api/status", Method: "GET", Description: "Connection state, attempt count and entity totals"},
	{Path: "/api/entities", Method: "GET", Description: "All entities keyed by id"},
	{Path: "/api/entities/:id", Method: "GET", Description: "One entity"},
	{Path: "/api/sensors", Method: "GET", Description: "Sensor list in display order"},
	{Path: "/api/debug/frames", Method: "GET", Description: "Last 100 WebSocket frames"},
	{Path: "/api/services/:domain/:service", Method: "POST", Description: "Call a hub service; JSON body is the service data"},
	{Path: "/api/reconnect", Method: "POST", Description: "Drop the connection and connect again"},
}

// handleSitemap lists the endpoints as HTML for browsers and plain text otherwise.
func (s *Server) handleSitemap(c *gin.Context) {
	if strings.Contains(c.GetHeader("Accept"), "text/html") {
		var b strings.Builder
		b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>Home Dashboard API</title></head>\n<body>\n<h1>Home Dashboard API</h1>\n<ul>\n")
		for _, ep := range endpoints {
			fmt.Fprintf(&b, "  <li><b>%s</b> <code>%s</code> %s</li>\n", ep.Method, ep.Path, ep.Description)
		}
		b.WriteString("</ul>\n</body>\n</html>\n")
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(b.String()))
		return
	}

	var b strings.Builder
	b.WriteString("Home Dashboard API\n")
	b.WriteString("==================\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(&b, "  %-6s %-32s %s\n", ep.Method, ep.Path, ep.Description)
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
