package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"marketpulse/internal/eventbus"
	"marketpulse/internal/lifecycle"
	"marketpulse/pkg/logx"
)

// Registry is the part of the lifecycle manager workflows use.
type Registry interface {
	Handles() []lifecycle.NamedHandle
	HealthCheckAll(ctx context.Context) []lifecycle.Health
	EmergencyStop(ctx context.Context) map[string]error
}

type Executor struct {
	log logx.Logger
	reg Registry
	bus eventbus.Publisher
	now func() time.Time

	mu       sync.RWMutex
	cfg      Config
	handlers map[string]Handler

	statsMu     sync.Mutex
	executions  uint64
	failures    uint64
	perWorkflow map[string]WorkflowStats
}

type Option func(*Executor)

func WithBus(bus eventbus.Publisher) Option { return func(e *Executor) { e.bus = bus } }

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an executor with the built-in workflows registered.
func New(cfg Config, reg Registry, log logx.Logger, opts ...Option) *Executor {
	e := &Executor{
		log:         log.With(logx.String("comp", "workflow")),
		reg:         reg,
		now:         time.Now,
		cfg:         cfg,
		handlers:    map[string]Handler{},
		perWorkflow: map[string]WorkflowStats{},
	}
	for _, o := range opts {
		o(e)
	}
	e.handlers[HealthCheck] = e.healthCheck
	e.handlers[FullAnalysis] = e.fullAnalysis
	e.handlers[EmergencyStop] = e.emergencyStop
	return e
}

func (e *Executor) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Register adds or replaces a workflow.
func (e *Executor) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" || h == nil {
		return fmt.Errorf("workflow name and handler required")
	}
	e.mu.Lock()
	_, replaced := e.handlers[name]
	e.handlers[name] = h
	e.mu.Unlock()
	if replaced {
		e.log.Warn("workflow replaced", logx.String("workflow", name))
	}
	return nil
}

// Workflows returns the registered names, sorted.
func (e *Executor) Workflows() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		out = append(out, name)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Execute runs a workflow. It never panics: an unknown name, handler error
// or panic is reported in the Result.
func (e *Executor) Execute(ctx context.Context, name string, args Args) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	res := Result{Workflow: name, StartedAt: e.now()}

	e.mu.RLock()
	h := e.handlers[name]
	timeout := e.cfg.Timeout
	e.mu.RUnlock()

	if h == nil {
		res.Err = fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
		res.Error = res.Err.Error()
		res.Steps = map[string]StepResult{}
		e.log.Warn("unknown workflow", logx.String("workflow", name))
		e.record(res)
		return res
	}
	if args == nil {
		args = Args{}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	run := newRun(name, e.log)
	start := time.Now()
	err := callHandler(ctx, h, run, args)
	res.Duration = time.Since(start)
	events := run.fill(&res)
	res.Success = err == nil
	if err != nil {
		res.Err = err
		res.Error = err.Error()
	}

	e.record(res)
	e.log.Info("workflow completed",
		logx.String("workflow", name),
		logx.Bool("success", res.Success),
		logx.Bool("degraded", res.Degraded),
		logx.Int("steps", len(res.StepOrder)),
		logx.Duration("took", res.Duration),
	)
	if e.bus != nil {
		e.bus.Publish(ctx, eventbus.WorkflowCompleted, res, "workflow")
		for _, ev := range events {
			e.bus.Publish(ctx, ev, res, "workflow")
		}
	}
	return res
}

func callHandler(ctx context.Context, h Handler, run *Run, args Args) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return h(ctx, run, args)
}

func (e *Executor) record(res Result) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.executions++
	ws := e.perWorkflow[res.Workflow]
	ws.Executions++
	if !res.Success {
		e.failures++
		ws.Failures++
	}
	ws.LastRun = res.StartedAt
	ws.LastSuccess = res.Success
	ws.LastDuration = res.Duration
	ws.LastError = res.Error
	e.perWorkflow[res.Workflow] = ws
}

func (e *Executor) Stats() Stats {
	st := Stats{Registered: e.Workflows()}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	st.Executions = e.executions
	st.Failures = e.failures
	st.PerWorkflow = make(map[string]WorkflowStats, len(e.perWorkflow))
	for k, v := range e.perWorkflow {
		st.PerWorkflow[k] = v
	}
	return st
}

// Job adapts a workflow into a scheduler job body. The job fails when the
// workflow does not succeed.
func (e *Executor) Job(name string, args Args) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		res := e.Execute(ctx, name, args)
		if !res.Success {
			return fmt.Errorf("workflow %s: %w", name, res.Err)
		}
		return nil
	}
}

// resolve returns the first registered component implementing T.
func resolve[T any](reg Registry) (T, string, error) {
	var zero T
	if reg != nil {
		for _, h := range reg.Handles() {
			if v, ok := h.Handle.(T); ok {
				return v, h.Name, nil
			}
		}
	}
	return zero, "", fmt.Errorf("%w: %T", ErrNoCollaborator, (*T)(nil))
}
