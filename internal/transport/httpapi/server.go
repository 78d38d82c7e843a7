// Package httpapi serves the method channel, the event channel and the
// operational endpoints over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	types "github.com/sebas/telebridge/api/types/v1"
	"github.com/sebas/telebridge/internal/call"
	"github.com/sebas/telebridge/internal/events"
)

// Gateway provides the method and event channels.
// Implemented by gateway.Gateway.
type Gateway interface {
	Dispatch(ctx context.Context, mc types.MethodCall) types.MethodResult
	Listen(buffer int) *events.Subscription
	Subscribed() bool
}

// CallProvider provides tracked calls for the API.
// Implemented by service.Service.
type CallProvider interface {
	Calls() []*call.Record
	FindCall(id int) (*call.Record, bool)
	Started() bool
}

// BroadcastReceiver accepts host broadcasts.
// Implemented by receiver.Receiver.
type BroadcastReceiver interface {
	Receive(ctx context.Context, intent types.BroadcastIntent) bool
}

// Config holds HTTP API configuration
type Config struct {
	Address      string
	EventBuffer  int
	PingInterval time.Duration
}

// Server provides the HTTP API (headless, API only)
type Server struct {
	cfg        Config
	engine     *gin.Engine
	httpServer *http.Server
	gw         Gateway
	calls      CallProvider
	receiver   BroadcastReceiver
	startTime  time.Time
}

// NewServer creates a new API server. metrics may be nil.
func NewServer(cfg Config, gw Gateway, calls CallProvider, receiver BroadcastReceiver, metrics http.Handler) *Server {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = events.DefaultSubscriberBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	s := &Server{
		cfg:       cfg,
		gw:        gw,
		calls:     calls,
		receiver:  receiver,
		startTime: time.Now(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	v1 := engine.Group("/api/v1")
	{
		// Health
		v1.GET("/health", s.handleHealth)

		// Method and event channels
		v1.POST("/methods/:method", s.handleMethod)
		v1.GET("/events", s.handleEvents)

		// Host broadcasts
		v1.POST("/broadcasts", s.handleBroadcast)

		// Calls
		v1.GET("/calls", s.handleCalls)
		v1.GET("/calls/:id", s.handleCallByID)
	}
	if metrics != nil {
		engine.GET("/metrics", gin.WrapH(metrics))
	}

	s.engine = engine
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[API] Starting HTTP API server", "addr", s.cfg.Address)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[API] Shutdown incomplete, closing", "error", err)
		return s.httpServer.Close()
	}
	slog.Info("[API] HTTP API server stopped")
	return nil
}

// --- Health ---

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthResponse{
		Status:       "ok",
		Uptime:       int64(time.Since(s.startTime).Seconds()),
		Started:      s.calls.Started(),
		TrackedCalls: len(s.calls.Calls()),
		Subscriber:   s.gw.Subscribed(),
	})
}

// --- Method channel ---

func (s *Server) handleMethod(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	var args any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be JSON"})
			return
		}
	}

	res := s.gw.Dispatch(c.Request.Context(), types.MethodCall{Method: c.Param("method"), Arguments: args})
	c.JSON(statusFor(res), res)
}

// statusFor maps a method result to an HTTP status.
func statusFor(res types.MethodResult) int {
	switch res.Status {
	case types.StatusSuccess:
		return http.StatusOK
	case types.StatusNotImplemented:
		return http.StatusNotImplemented
	}
	if res.Error == nil {
		return http.StatusInternalServerError
	}
	switch res.Error.Code {
	case "INVALID_ARGUMENTS":
		return http.StatusBadRequest
	case "CALL_NOT_FOUND":
		return http.StatusNotFound
	default:
		return http.StatusUnprocessableEntity
	}
}

// --- Broadcasts ---

func (s *Server) handleBroadcast(c *gin.Context) {
	var intent types.BroadcastIntent
	if err := c.ShouldBindJSON(&intent); err != nil || intent.Action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action required"})
		return
	}
	handled := s.receiver.Receive(c.Request.Context(), intent)
	c.JSON(http.StatusAccepted, gin.H{"handled": handled})
}

// --- Calls ---

func (s *Server) handleCalls(c *gin.Context) {
	records := s.calls.Calls()
	list := types.CallList{Calls: make([]map[string]any, 0, len(records))}
	for _, rec := range records {
		list.Calls = append(list.Calls, rec.Map())
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleCallByID(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid call id"})
		return
	}
	rec, ok := s.calls.FindCall(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, rec.Map())
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("[API] Request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
