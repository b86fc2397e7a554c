// Package bridge exposes the agent to the browser extension shim: an HTTP
// event surface and a websocket command channel.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/getathos/athos-agent/internal/credential"
	"github.com/getathos/athos-agent/internal/download"
	"github.com/getathos/athos-agent/internal/metrics"
	"github.com/getathos/athos-agent/internal/model"
)

// Navigator is the navigation decision engine.
type Navigator interface {
	HandleBeforeNavigate(ctx context.Context, ev model.NavigationEvent) model.Decision
	HandleTabRemoved(tabID int)
	Classify(rawURL string) model.Decision
}

// Downloads is the download gatekeeper.
type Downloads interface {
	Check(ctx context.Context, item model.DownloadItem) download.Verdict
	HandleCreated(ctx context.Context, item model.DownloadItem) download.Verdict
}

// Interactions receives content-script events and the logout event.
type Interactions interface {
	ReportInteraction(ctx context.Context, ie model.InteractionEvent) bool
	ReportLogout(ctx context.Context)
}

// Credentials is the credential store.
type Credentials interface {
	Present() bool
	Set(ctx context.Context, token string) error
	Clear(ctx context.Context, reason string) error
}

// StatusSource summarizes the running agent.
type StatusSource interface {
	Status(ctx context.Context) (model.AgentStatus, error)
}

// Options configures a Server.
type Options struct {
	Shim         *Shim
	Navigator    Navigator
	Downloads    Downloads
	Interactions Interactions
	Credentials  Credentials
	Status       StatusSource
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	RateLimit    RateLimitConfig
}

// Server is the bridge HTTP server.
type Server struct {
	opts   Options
	log    *zap.Logger
	router *gin.Engine
	srv    *http.Server
	wg     sync.WaitGroup

	mu   sync.Mutex
	addr string
}

// New builds the router. Call Start to listen.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Shim == nil {
		opts.Shim = NewShim(0, opts.Logger)
	}
	if opts.RateLimit.RequestsPerSecond <= 0 {
		opts.RateLimit = DefaultRateLimitConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(recovery(opts.Logger), requestLog(opts.Logger), rateLimit(opts.RateLimit))

	s := &Server{opts: opts, log: opts.Logger, router: r}

	r.GET("/ws", func(c *gin.Context) { opts.Shim.Serve(c.Writer, c.Request) })

	v1 := r.Group("/v1")
	v1.POST("/events/navigation", s.navigation)
	v1.POST("/events/download", s.downloadCreated)
	v1.POST("/events/interaction", s.interaction)
	v1.POST("/events/tab-removed", s.tabRemoved)
	v1.POST("/downloads/check", s.downloadCheck)
	v1.PUT("/credential", s.login)
	v1.DELETE("/credential", s.logout)
	v1.GET("/status", s.status)
	v1.GET("/lookup", s.lookup)

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shim returns the websocket endpoint.
func (s *Server) Shim() *Shim {
	return s.opts.Shim
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("bridge listening", zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Wait blocks until accepted interaction reports finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Addr returns the bound address. Only valid after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) navigation(c *gin.Context) {
	var ev model.NavigationEvent
	if !bind(c, &ev) {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	d := s.opts.Navigator.HandleBeforeNavigate(c.Request.Context(), ev)
	c.JSON(http.StatusOK, d)
}

func (s *Server) downloadCreated(c *gin.Context) {
	var item model.DownloadItem
	if !bind(c, &item) {
		return
	}
	c.JSON(http.StatusOK, s.opts.Downloads.HandleCreated(c.Request.Context(), item))
}

func (s *Server) downloadCheck(c *gin.Context) {
	var item model.DownloadItem
	if !bind(c, &item) {
		return
	}
	c.JSON(http.StatusOK, s.opts.Downloads.Check(c.Request.Context(), item))
}

func (s *Server) interaction(c *gin.Context) {
	var ie model.InteractionEvent
	if !bind(c, &ie) {
		return
	}
	// The collector round trip happens after the response.
	accepted := s.opts.Credentials.Present()
	if accepted {
		ctx := context.WithoutCancel(c.Request.Context())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.opts.Interactions.ReportInteraction(ctx, ie)
		}()
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func (s *Server) tabRemoved(c *gin.Context) {
	var body struct {
		TabID int `json:"tab_id"`
	}
	if !bind(c, &body) {
		return
	}
	s.opts.Navigator.HandleTabRemoved(body.TabID)
	c.Status(http.StatusNoContent)
}

func (s *Server) login(c *gin.Context) {
	var body struct {
		Token string `json:"token"`
	}
	if !bind(c, &body) {
		return
	}
	if body.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	if err := s.opts.Credentials.Set(c.Request.Context(), body.Token); err != nil {
		s.log.Error("store credential", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store credential"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) logout(c *gin.Context) {
	ctx := c.Request.Context()
	if s.opts.Credentials.Present() {
		s.opts.Interactions.ReportLogout(ctx)
	}
	if err := s.opts.Credentials.Clear(ctx, credential.ReasonLogout); err != nil {
		s.log.Error("clear credential", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear credential"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) status(c *gin.Context) {
	if s.opts.Status == nil {
		c.JSON(http.StatusOK, model.AgentStatus{
			Authenticated: s.opts.Credentials.Present(),
			ShimConnected: s.opts.Shim.Connected(),
		})
		return
	}
	st, err := s.opts.Status.Status(c.Request.Context())
	if err != nil {
		s.log.Error("status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) lookup(c *gin.Context) {
	raw := c.Query("url")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url query parameter is required"})
		return
	}
	c.JSON(http.StatusOK, s.opts.Navigator.Classify(raw))
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}
