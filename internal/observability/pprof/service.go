// Package pprof serves net/http/pprof on a separate, optionally
// token-protected listener that can be toggled by config reload.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"scand/internal/runtime/supervisor"
	logx "scand/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

var ErrInsecureBind = errors.New("pprof: non-loopback addr requires token or allow_insecure")

type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	MutexProfileFraction int
	BlockProfileRate     int
}

// listener reports whether the two configs serve the same endpoint.
func (c Config) listener() Config {
	c.MutexProfileFraction, c.BlockProfileRate = 0, 0
	return c
}

type Service struct {
	log logx.Logger

	mu   sync.Mutex
	cfg  Config
	sup  *supervisor.Supervisor
	addr string
}

func New(log logx.Logger) *Service {
	return &Service{log: log}
}

// Addr is the bound listen address, empty while not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure starts, stops or restarts the listener to match cfg. Profile
// rates are applied even when the listener stays off.
func (s *Service) Reconfigure(parent context.Context, cfg Config) error {
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	runtime.SetBlockProfileRate(cfg.BlockProfileRate)

	if cfg.Enabled {
		if err := checkBind(cfg); err != nil {
			return err
		}
	}

	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(parent)
		}
	case !running:
		s.start(parent)
	case prev.listener() != cfg.listener():
		s.Stop(parent)
		s.start(parent)
	}
	return nil
}

func (s *Service) start(parent context.Context) {
	sup := supervisor.New(parent,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.mu.Lock()
	s.sup = sup
	cfg := s.cfg
	s.mu.Unlock()

	sup.GoRestart("pprof.serve", func(ctx context.Context) error { return s.serve(ctx, cfg) },
		supervisor.Restart{MinBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second})
}

// Stop shuts the listener down and waits until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("pprof stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("pprof stopped")
}

func (s *Service) serve(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", addrOf(cfg))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = ""
		s.mu.Unlock()
	}()

	s.log.Info("pprof listening",
		logx.String("addr", ln.Addr().String()),
		logx.String("prefix", normalizePrefix(cfg.Prefix)),
		logx.Bool("token_set", cfg.Token != ""),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("pprof server exited unexpectedly")
	}
	return err
}

// Handler serves the profiling endpoints under cfg.Prefix.
func Handler(cfg Config) http.Handler {
	prefix := normalizePrefix(cfg.Prefix)
	base := strings.TrimSuffix(prefix, "/")

	mux := http.NewServeMux()
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		// net/http/pprof resolves named profiles relative to /debug/pprof/
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	})
	mux.HandleFunc(base+"/cmdline", hpprof.Cmdline)
	mux.HandleFunc(base+"/profile", hpprof.Profile)
	mux.HandleFunc(base+"/symbol", hpprof.Symbol)
	mux.HandleFunc(base+"/trace", hpprof.Trace)
	return withToken(strings.TrimSpace(cfg.Token), mux)
}

// withToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func withToken(token string, next http.Handler) http.Handler {
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

func checkBind(cfg Config) error {
	if cfg.Token != "" || cfg.AllowInsecure || isLoopbackAddr(addrOf(cfg)) {
		return nil
	}
	return ErrInsecureBind
}

func addrOf(cfg Config) string {
	if a := strings.TrimSpace(cfg.Addr); a != "" {
		return a
	}
	return defaultAddr
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
