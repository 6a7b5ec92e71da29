package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alerts  AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards high-severity log lines to a Sink.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Sink receives formatted alert lines. The notifier implements it.
type Sink interface {
	SendAlert(ctx context.Context, text string) error
}

// Service owns the live zerolog root and its outputs. Apply swaps them at runtime.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	sink      Sink
	queue     chan string
	runOnce   sync.Once
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	limiter  *rate.Limiter
	minLevel zerolog.Level
	dropped  atomic.Uint64
}

// New creates the logging service, applies cfg and returns the root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{queue: make(chan string, 128)}
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSink installs the alert sink. It may be called after New because the
// sink (the notifier) is usually built with a logger from this service.
func (s *Service) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Dropped returns the number of alert lines dropped by the limiter or a full queue.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.runWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps outputs and levels. Safe to call concurrently with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Alerts.MinLevel, zerolog.WarnLevel)
	rps := cfg.Alerts.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./marketpulse.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Alerts.Enabled {
		s.runOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.runCancel = cancel
			s.runWG.Add(1)
			go func() {
				defer s.runWG.Done()
				s.alertWorker(ctx)
			}()
		})
		writers = append(writers, &alertWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(zl)
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func (s *Service) alertWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			s.mu.Lock()
			sink := s.sink
			s.mu.Unlock()
			if sink == nil {
				continue
			}
			_ = sink.SendAlert(ctx, msg)
		}
	}
}

// alertWriter is a zerolog LevelWriter that never blocks the caller.
type alertWriter struct{ svc *Service }

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	lim := s.limiter
	minLvl := s.minLevel
	hasSink := s.sink != nil
	s.mu.Unlock()

	if !hasSink || level < minLvl {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		s.dropped.Add(1)
		return len(p), nil
	}
	msg := formatAlert(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case s.queue <- msg:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

// formatAlert renders a zerolog JSON line as "[LEVEL] message" followed by
// sorted key=value lines.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}
	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// Stdout returns the configured stdout sink.
func Stdout() io.Writer { return os.Stdout }
