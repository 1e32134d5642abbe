// Package httpapi exposes the deliberation engine over a thin gin API and
// a websocket event stream.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/debate"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/events"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/health"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/history"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/quota"
)

// Server wires the engine components into HTTP handlers. Every collaborator
// except the orchestrator is optional; missing ones yield 503 on their
// routes.
type Server struct {
	orchestrator *debate.Orchestrator
	store        history.Store
	quota        *quota.Manager
	monitor      *health.Monitor
	bus          *events.Bus
	logger       *logrus.Logger
	upgrader     websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(orchestrator *debate.Orchestrator, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		orchestrator: orchestrator,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetHistory attaches the debate history store.
func (s *Server) SetHistory(store history.Store) { s.store = store }

// SetQuotaManager attaches the quota manager.
func (s *Server) SetQuotaManager(q *quota.Manager) { s.quota = q }

// SetHealthMonitor attaches the session health monitor.
func (s *Server) SetHealthMonitor(m *health.Monitor) { s.monitor = m }

// SetBus attaches the event bus for the websocket stream.
func (s *Server) SetBus(b *events.Bus) { s.bus = b }

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.POST("/debates", s.runDebate)
		api.GET("/debates", s.listDebates)
		api.GET("/debates/:id", s.getDebate)
		api.GET("/history/stats", s.historyStats)
		api.GET("/history/export", s.exportHistory)
		api.GET("/quota/:provider", s.quotaUsage)
		api.GET("/health/sessions", s.healthSessions)
	}
	router.GET("/ws/events", s.streamEvents)
	return router
}

type debateRequest struct {
	TaskID      string   `json:"task_id" binding:"required"`
	Description string   `json:"description" binding:"required"`
	Context     string   `json:"context"`
	Files       []string `json:"files"`
}

func (s *Server) runDebate(c *gin.Context) {
	var req debateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task := models.Task{
		ID:          req.TaskID,
		Description: req.Description,
		Context:     req.Context,
		Files:       req.Files,
	}
	decision, err := s.orchestrator.Debate(c.Request.Context(), task)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) listDebates(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is not configured"})
		return
	}

	var query history.Query
	query.SessionID = c.Query("session_id")
	query.TaskType = models.TaskType(c.Query("task_type"))
	query.Supervisor = c.Query("supervisor")
	query.SortBy = c.Query("sort_by")
	query.SortOrder = c.Query("sort_order")
	if v, ok := c.GetQuery("approved"); ok {
		approved := v == "true"
		query.Approved = &approved
	}
	if limit, err := intQuery(c, "limit"); err == nil {
		query.Limit = limit
	}
	if offset, err := intQuery(c, "offset"); err == nil {
		query.Offset = offset
	}

	records, err := s.store.Query(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []*models.DebateRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"debates": records, "count": len(records)})
}

func (s *Server) getDebate(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is not configured"})
		return
	}
	record, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err == history.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "debate not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) historyStats(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is not configured"})
		return
	}
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) exportHistory(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is not configured"})
		return
	}
	format := c.DefaultQuery("format", "json")
	out, err := history.Export(c.Request.Context(), s.store, format)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
	}
	c.Data(http.StatusOK, contentType, []byte(out))
}

func (s *Server) quotaUsage(c *gin.Context) {
	if s.quota == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quota tracking is not configured"})
		return
	}
	c.JSON(http.StatusOK, s.quota.Usage(c.Param("provider")))
}

func (s *Server) healthSessions(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health monitoring is not configured"})
		return
	}
	sessions := s.monitor.Sessions()
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// wireEvent is the JSON shape sent to websocket subscribers.
type wireEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func (s *Server) streamEvents(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus is not configured"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer sub.Close()

	// Reader goroutine: detects client close and unblocks the writer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			msg := wireEvent{
				ID:        ev.ID,
				Type:      string(ev.Type),
				Source:    ev.Source,
				Payload:   ev.Payload,
				Timestamp: ev.Timestamp,
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// Serve runs the API on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func intQuery(c *gin.Context, key string) (int, error) {
	return strconv.Atoi(c.Query(key))
}
