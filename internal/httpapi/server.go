// Package httpapi is the operational HTTP surface: trigger a cycle, look
// at known items, the watermark and recent cycles.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"reposter/internal/dispatch"
	"reposter/internal/storage"
	logx "reposter/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

// Cycles is the part of dispatch.Runner the API drives.
type Cycles interface {
	Trigger(trigger string) (string, error)
	RunOnce(ctx context.Context, trigger string) (dispatch.Summary, error)
	Running() (string, bool)
	History() []dispatch.Summary
	Find(id string) (dispatch.Summary, bool)
}

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

type Deps struct {
	Cycles    Cycles
	Items     storage.ItemStore
	Watermark storage.WatermarkStore
	// Status returns extra sections for /api/status (scheduler, telemetry).
	Status func() map[string]any
	Log    logx.Logger
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New refuses a non-loopback address without a token unless
// AllowInsecure is set.
func New(cfg Config, deps Deps) (*Server, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" && !cfg.AllowInsecure && !isLoopbackAddr(cfg.Addr) {
		return nil, fmt.Errorf("http: %s is not loopback; set http.token or http.allow_insecure", cfg.Addr)
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	// gin's debug mode prints route tables to stdout
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{cfg: cfg, deps: deps, log: deps.Log.With(logx.String("comp", "http"))}, nil
}

// Run listens and serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	if s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("http api running without token on non-loopback addr (insecure)", logx.String("addr", s.cfg.Addr))
	}
	s.log.Info("http api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("http api stopped")
	return nil
}

// Addr is the bound address once Run is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
