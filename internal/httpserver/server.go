// Package httpserver exposes the gateway's read API and Prometheus metrics.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/otelgate/internal/metrics"
	"github.com/tinytelemetry/otelgate/internal/model"
)

const (
	DefaultAddr        = "127.0.0.1:3000"
	defaultRecentLimit = 20
	maxRecentLimit     = 500
)

// SessionLister reports live producer sessions.
type SessionLister interface {
	Sessions() []model.SessionInfo
}

// ServerConfig wires optional collaborators. A nil store disables the
// storage-backed endpoints.
type ServerConfig struct {
	Sessions SessionLister
	Metrics  *metrics.Metrics
}

// Server provides the HTTP API.
type Server struct {
	addr      string
	store     model.ReadAPI
	sessions  SessionLister
	metrics   *metrics.Metrics
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, store model.ReadAPI, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      addr,
		store:     store,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	if len(conf) > 0 {
		s.sessions = conf[0].Sessions
		s.metrics = conf[0].Metrics
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/sessions", s.handleSessions)
	r.GET("/api/stats", s.handleStats)
	r.GET("/api/schema", s.handleSchema)
	r.POST("/api/query", s.handleQuery)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpserver: listen %s: %w", s.addr, err)
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", s.Addr()).Msg("httpserver: serve failed")
		}
	}()
	log.Info().Str("addr", s.Addr()).Msg("httpserver: listening")
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage is disabled"})
		return false
	}
	return true
}

func (s *Server) liveSessions() []model.SessionInfo {
	if s.sessions == nil {
		return []model.SessionInfo{}
	}
	return s.sessions.Sessions()
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":          "ok",
		"uptime":          time.Since(s.startTime).String(),
		"active_sessions": len(s.liveSessions()),
		"storage":         s.store != nil,
	}
	if s.store != nil {
		count, err := s.store.TotalRecordCount()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
			return
		}
		body["record_count"] = count
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.liveSessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}

	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRecentLimit)
	}
	kind := c.Query("kind")

	total, err := s.store.TotalRecordCount()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count records"})
		return
	}
	byKind, err := s.store.RecordCountsByKind()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count records by kind"})
		return
	}
	recent, err := s.store.RecentRecords(limit, kind)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read recent records"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":   total,
		"by_kind": byKind,
		"recent":  recent,
	})
}

func (s *Server) handleSchema(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	description := s.store.GetSchemaDescription()

	tables, err := s.store.ExecuteQuery(
		"SELECT table_name, column_name, data_type FROM information_schema.columns WHERE table_schema = 'main' ORDER BY table_name, ordinal_position",
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read schema metadata"})
		return
	}

	schema := make(map[string][]map[string]string)
	for _, row := range tables {
		tableName := fmt.Sprintf("%v", row["table_name"])
		schema[tableName] = append(schema[tableName], map[string]string{
			"column": fmt.Sprintf("%v", row["column_name"]),
			"type":   fmt.Sprintf("%v", row["data_type"]),
		})
	}

	counts, err := s.store.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"description": description,
		"tables":      schema,
		"row_counts":  counts,
	})
}

func (s *Server) handleQuery(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	results, err := s.store.ExecuteQuery(req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	columns := []string{}
	if len(results) > 0 {
		for col := range results[0] {
			columns = append(columns, col)
		}
		sort.Strings(columns)
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      results,
		"row_count": len(results),
	})
}
