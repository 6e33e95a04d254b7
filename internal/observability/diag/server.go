// Package diag serves health, status and pprof endpoints for operators.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	logx "chatrelay/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

var ErrInsecureBind = errors.New("diag: non-loopback address requires a token or allow_insecure")

// Config controls the diagnostics listener. A non-loopback Addr needs a
// Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Addr          string        `yaml:"addr" json:"addr" validate:"omitempty,hostname_port"`
	Token         string        `yaml:"-" json:"-" env:"CHATRELAY_DIAG_TOKEN"`
	AllowInsecure bool          `yaml:"allow_insecure" json:"allow_insecure"`
	ReadTimeout   time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout" json:"write_timeout"`

	MutexProfileFraction int `yaml:"mutex_profile_fraction" json:"mutex_profile_fraction" validate:"gte=0"`
	BlockProfileRate     int `yaml:"block_profile_rate" json:"block_profile_rate" validate:"gte=0"`
}

func (c *Config) defaults() {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	// Profiles stream for up to 30s by default.
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
}

// StatusFunc builds the /status document. It must be safe for concurrent use.
type StatusFunc func(ctx context.Context) any

type Server struct {
	cfg    Config
	log    logx.Logger
	status StatusFunc

	mu   sync.Mutex
	addr string
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Server {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, status: status, log: log.With(logx.Component("diag"))}
}

// Addr is the bound address of the current listener, empty when idle.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(bearerAuth(s.cfg.Token))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		var doc any = struct{}{}
		if s.status != nil {
			doc = s.status(req.Context())
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			s.log.Warn("status encode failed", logx.Err(err))
		}
	})
	r.Route("/debug/pprof", func(p chi.Router) {
		p.Get("/", hpprof.Index)
		p.Get("/cmdline", hpprof.Cmdline)
		p.Get("/profile", hpprof.Profile)
		p.HandleFunc("/symbol", hpprof.Symbol)
		p.Get("/trace", hpprof.Trace)
		p.Get("/{profile}", hpprof.Index)
	})
	return r
}

// Serve listens on cfg.Addr and serves until ctx ends. It returns nil on a
// clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.cfg
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	runtime.SetBlockProfileRate(cfg.BlockProfileRate)

	loopback := isLoopback(cfg.Addr)
	if !loopback && cfg.Token == "" {
		if !cfg.AllowInsecure {
			s.log.Error("diag refused to start", logx.String("addr", cfg.Addr))
			return ErrInsecureBind
		}
		s.log.Warn("diag running without token on non-loopback addr", logx.String("addr", cfg.Addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = ""
		s.mu.Unlock()
	}()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("diag started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		<-stopped
		s.log.Info("diag stopped")
		return nil
	}
	_ = srv.Close()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		err = errors.New("diag: server exited unexpectedly")
	}
	return err
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if strings.TrimSpace(got) != token {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
