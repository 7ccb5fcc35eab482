// Package stubapi is an in-memory emulator of the task-prioritization
// backend. It issues short-lived JWT-shaped access tokens, rotates and
// blacklists refresh tokens, and completes task analysis only after a
// configurable number of status probes. It backs `tfsctl stub-server` and the
// end-to-end tests.
package stubapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Options tunes the emulated backend.
type Options struct {
	// AccessTTL is the lifetime of issued access tokens.
	AccessTTL time.Duration
	// KeepRefresh disables refresh-token rotation.
	KeepRefresh bool
	// AnalysisProbes is how many detail reads a task needs before its
	// analysis completes.
	AnalysisProbes int
	// FailMarker in a task title makes its analysis fail.
	FailMarker string
	// RefreshDelay slows the renewal endpoint, to widen concurrency windows.
	RefreshDelay time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.AccessTTL <= 0 {
		o.AccessTTL = 5 * time.Minute
	}
	if o.AnalysisProbes <= 0 {
		o.AnalysisProbes = 3
	}
	if o.FailMarker == "" {
		o.FailMarker = "[fail]"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats counts calls the tests assert on.
type Stats struct {
	Logins   int
	Renewals int
	// Rejected counts requests refused for a missing or invalid access token.
	Rejected int
	Probes   int
}

// Server is the emulated backend.
type Server struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	users     map[string]*user // by email
	access    map[string]session
	refresh   map[string]string // refresh token -> email
	blacklist map[string]bool
	tasks     map[int64]*taskState
	goals     map[int64]*goalState
	nextUser  int64
	nextTask  int64
	nextGoal  int64
	stats     Stats

	server *http.Server
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty backend.
func New(opts Options) *Server {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:      opts,
		logger:    opts.Logger.With("component", "stubapi"),
		now:       time.Now,
		users:     make(map[string]*user),
		access:    make(map[string]session),
		refresh:   make(map[string]string),
		blacklist: make(map[string]bool),
		tasks:     make(map[int64]*taskState),
		goals:     make(map[int64]*goalState),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler returns the gin engine serving /api/v1.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login/", s.handleLogin)
	v1.POST("/auth/register/", s.handleRegister)
	v1.POST("/auth/token/refresh/", s.handleRefresh)

	authed := v1.Group("", s.requireAccess)
	authed.GET("/auth/user/", s.handleUser)

	authed.GET("/tasks/", s.handleListTasks)
	authed.POST("/tasks/", s.handleCreateTask)
	authed.GET("/tasks/:id/", s.handleGetTask)
	authed.PATCH("/tasks/:id/", s.handleUpdateTask)
	authed.PUT("/tasks/:id/", s.handleUpdateTask)
	authed.DELETE("/tasks/:id/", s.handleDeleteTask)

	authed.GET("/goals/", s.handleListGoals)
	authed.POST("/goals/", s.handleCreateGoal)
	authed.GET("/goals/:id/", s.handleGetGoal)
	authed.PATCH("/goals/:id/", s.handleUpdateGoal)
	authed.DELETE("/goals/:id/", s.handleDeleteGoal)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return r
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr uses port 0.
func (s *Server) Start(addr string) (string, error) {
	gin.SetMode(gin.ReleaseMode)
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serve", "error", err)
		}
	}()
	s.logger.Info("stub backend listening", "addr", listener.Addr().String())
	return listener.Addr().String(), nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Stats returns a copy of the call counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ExpireAccess invalidates every issued access token, so the next
// authenticated call of every client gets a 401.
func (s *Server) ExpireAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.access)
}

// RevokeRefresh blacklists every outstanding refresh token.
func (s *Server) RevokeRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok := range s.refresh {
		s.blacklist[tok] = true
	}
	clear(s.refresh)
}

func fieldError(c *gin.Context, field, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{field: []string{msg}})
}

func detail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": msg})
}
