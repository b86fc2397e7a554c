// Package proxy is an optional forward proxy that applies the navigation
// decisions to non-browser clients.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/getathos/athos-agent/internal/model"
	"github.com/getathos/athos-agent/internal/navigate"
)

// Enforcer classifies URLs and runs the block sequence.
type Enforcer interface {
	Classify(rawURL string) model.Decision
	Enforce(ctx context.Context, tabID int, rawURL string, d model.Decision)
}

// Credentials reports whether protection is active.
type Credentials interface {
	Present() bool
}

// Config holds proxy server configuration.
type Config struct {
	Addr      string
	BlockPage string
}

// Server is a forward HTTP proxy enforcing the agent's navigation decisions.
// MITM-free: no TLS interception. HTTPS CONNECT sees hostname only.
type Server struct {
	cfg       Config
	enforcer  Enforcer
	creds     Credentials
	log       *zap.Logger
	transport http.RoundTripper
	srv       *http.Server

	mu   sync.Mutex
	addr string
}

// NewServer creates a proxy server.
func NewServer(cfg Config, enforcer Enforcer, creds Credentials, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BlockPage == "" {
		cfg.BlockPage = "blocked.html"
	}
	s := &Server{
		cfg:       cfg,
		enforcer:  enforcer,
		creds:     creds,
		log:       log,
		transport: http.DefaultTransport,
	}
	s.srv = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Start begins listening for proxy connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("proxy listening", zap.String("addr", ln.Addr().String()))
	err = s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address. Only valid after Start is called.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ServeHTTP dispatches incoming requests to the appropriate handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
	} else {
		s.handleHTTP(w, r)
	}
}

// decide classifies rawURL and runs the block sequence when it is denied.
// Without a credential everything passes.
func (s *Server) decide(ctx context.Context, rawURL string) (model.Decision, bool) {
	if s.creds != nil && !s.creds.Present() {
		return model.Allowed("protection inactive"), false
	}
	d := s.enforcer.Classify(rawURL)
	if !d.Verdict.Blocked() {
		return d, false
	}
	s.enforcer.Enforce(ctx, 0, rawURL, d)
	return d, true
}

// handleHTTP handles plain HTTP proxy requests.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	target := requestURL(r)
	if d, blocked := s.decide(r.Context(), target); blocked {
		writeBlocked(w, navigate.BlockPageURL(s.cfg.BlockPage, target), d)
		return
	}

	r.RequestURI = ""
	resp, err := s.transport.RoundTrip(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("proxy error: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleConnect handles HTTPS CONNECT tunneling with hostname-only inspection.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if d, blocked := s.decide(r.Context(), "https://"+host+"/"); blocked {
		http.Error(w, fmt.Sprintf("CONNECT blocked: %s", d.Reason), http.StatusForbidden)
		return
	}

	targetConn, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		http.Error(w, fmt.Sprintf("tunnel error: %v", err), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		targetConn.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		targetConn.Close()
		s.log.Warn("hijack failed", zap.Error(err))
		return
	}

	go func() {
		defer targetConn.Close()
		defer clientConn.Close()
		io.Copy(targetConn, clientConn)
	}()
	go func() {
		defer targetConn.Close()
		defer clientConn.Close()
		io.Copy(clientConn, targetConn)
	}()
}

// requestURL returns the absolute URL a proxied request targets.
func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return "http://" + r.Host + r.URL.RequestURI()
}

func writeBlocked(w http.ResponseWriter, location string, d model.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
	json.NewEncoder(w).Encode(map[string]any{
		"blocked":  true,
		"reason":   d.Reason,
		"category": d.Category,
		"verdict":  string(d.Verdict),
	})
}
