// Package statusserver exposes the orchestration core over HTTP: integration
// status, structured health, the job table, workflow triggers and pprof.
package statusserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"marketpulse/internal/lifecycle"
	"marketpulse/internal/runtime/supervisor"
	"marketpulse/internal/task/scheduler"
	"marketpulse/internal/workflow"
	"marketpulse/pkg/logx"
)

// Config controls the HTTP server.
//
// A non-loopback Addr requires Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

const defaultAddr = "127.0.0.1:8090"

// Components is the lifecycle surface the server reads.
type Components interface {
	HealthCheckAll(ctx context.Context) []lifecycle.Health
}

// Jobs is the scheduler surface the server reads and drives.
type Jobs interface {
	List(statuses ...scheduler.Status) []scheduler.Job
	Get(id string) (scheduler.Job, bool)
	Enable(id string) bool
	Disable(id string) bool
	RunNow(id string) error
}

type Workflows interface {
	Execute(ctx context.Context, name string, args workflow.Args) workflow.Result
}

// Deps are the backends served. Status renders GET /status.
type Deps struct {
	Status     func() any
	Components Components
	Jobs       Jobs
	Workflows  Workflows
}

type Server struct {
	log  logx.Logger
	deps Deps

	mu      sync.Mutex
	cfg     Config
	ln      net.Listener
	srv     *http.Server
	sup     *supervisor.Supervisor
	serving bool
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "statusserver"))}
}

// Addr returns the bound listen address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and restarts the listener when needed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	applyRuntimeRates(cfg)
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			return s.Stop(ctx)
		}
		return nil
	case !running:
		return s.Start(ctx)
	case needsRestart(prev, cfg):
		if err := s.Stop(ctx); err != nil {
			return err
		}
		return s.Start(ctx)
	}
	return nil
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr || a.Token != b.Token || a.AllowInsecure != b.AllowInsecure || a.Pprof != b.Pprof ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Start binds the listener and serves in the background. The bind happens
// synchronously so a bad address fails Start.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			return errors.New("status server: non-loopback addr requires token or allow_insecure")
		}
		s.log.Warn("status server running without token on non-loopback addr", logx.String("addr", addr))
	}
	applyRuntimeRates(cfg)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.router(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	sup := supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.ln, s.srv, s.sup, s.serving = ln, srv, sup, true

	sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		s.mu.Lock()
		s.serving = false
		s.mu.Unlock()
		if c.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.log.Error("status server exited", logx.Err(err))
		return err
	})
	s.log.Info("status server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	return nil
}

// Stop shuts the server down gracefully within ctx and closes whatever is
// still open when ctx ends. Called from one of the server's own handlers, it
// returns at once and the shutdown completes after that request.
func (s *Server) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	if owner, _ := ctx.Value(servingKey{}).(*Server); owner == s {
		s.log.Info("stop requested from an in-flight request")
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inRequestGrace)
			defer cancel()
			_ = s.shutdown(ctx, srv, sup)
		}()
		return nil
	}
	return s.shutdown(ctx, srv, sup)
}

const inRequestGrace = 5 * time.Second

func (s *Server) shutdown(ctx context.Context, srv *http.Server, sup *supervisor.Supervisor) error {
	err := srv.Shutdown(ctx)
	if err != nil {
		s.log.Warn("graceful shutdown incomplete; closing connections", logx.Err(err))
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("status server stopped")
	return err
}

func (s *Server) HealthCheck(ctx context.Context) (lifecycle.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.cfg.Enabled:
		return lifecycle.Report{Healthy: true, Message: "disabled"}, nil
	case s.sup == nil:
		return lifecycle.Report{Healthy: false, Message: "not started"}, nil
	case !s.serving:
		return lifecycle.Report{Healthy: false, Message: "listener closed"}, nil
	}
	return lifecycle.Report{Healthy: true, Details: map[string]any{"addr": s.ln.Addr().String()}}, nil
}

// Handler builds the router for the current config.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.router(cfg)
}

func (s *Server) router(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.tagRequests)
	r.Use(s.logRequests)
	r.Use(withAuth(cfg.Token))

	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleJobs)
		r.Get("/{id}", s.handleJob)
		r.Post("/{id}/enable", s.handleJobAction(actionEnable))
		r.Post("/{id}/disable", s.handleJobAction(actionDisable))
		r.Post("/{id}/run", s.handleJobAction(actionRun))
	})
	r.Post("/workflows/{name}", s.handleWorkflow)
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

type servingKey struct{}

// tagRequests marks request contexts with the serving Server so Stop can
// tell when it runs inside one of them.
func (s *Server) tagRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), servingKey{}, s)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
