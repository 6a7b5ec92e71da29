package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketpulse/pkg/logx"
)

// Run records the steps of one workflow execution.
type Run struct {
	name string
	log  logx.Logger

	mu     sync.Mutex
	steps  map[string]StepResult
	order  []string
	output map[string]any
	events []string
}

func newRun(name string, log logx.Logger) *Run {
	return &Run{
		name:   name,
		log:    log,
		steps:  map[string]StepResult{},
		output: map[string]any{},
	}
}

func (r *Run) Name() string { return r.name }

// Step runs fn as the named step and records its outcome. The error (or
// recovered panic) is returned so the handler can adapt, but it never aborts
// the run by itself.
func (r *Run) Step(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	start := time.Now()
	out, err := callStep(ctx, fn)
	took := time.Since(start)

	res := StepResult{Name: name, Success: err == nil, Output: out, Duration: took}
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrStepFailed, name, err)
		res.Error = err.Error()
		r.log.Warn("workflow step failed", logx.String("workflow", r.name), logx.String("step", name), logx.Err(err))
	} else {
		r.log.Debug("workflow step completed", logx.String("workflow", r.name), logx.String("step", name), logx.Duration("took", took))
	}

	r.mu.Lock()
	if _, seen := r.steps[name]; !seen {
		r.order = append(r.order, name)
	}
	r.steps[name] = res
	r.mu.Unlock()
	return out, err
}

// StepValue is Step with a typed output.
func StepValue[T any](ctx context.Context, r *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	out, err := r.Step(ctx, name, func(ctx context.Context) (any, error) { return fn(ctx) })
	v, _ := out.(T)
	return v, err
}

// Set stores a value in the run's aggregate output.
func (r *Run) Set(key string, v any) {
	r.mu.Lock()
	r.output[key] = v
	r.mu.Unlock()
}

// PublishOnComplete asks the executor to publish event with the final Result.
func (r *Run) PublishOnComplete(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func callStep(ctx context.Context, fn func(ctx context.Context) (any, error)) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(ctx)
}

func (r *Run) fill(res *Result) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	res.Steps = make(map[string]StepResult, len(r.steps))
	for k, v := range r.steps {
		res.Steps[k] = v
		if !v.Success {
			res.Degraded = true
		}
	}
	res.StepOrder = append([]string(nil), r.order...)
	if len(r.output) > 0 {
		res.Output = make(map[string]any, len(r.output))
		for k, v := range r.output {
			res.Output[k] = v
		}
	}
	return append([]string(nil), r.events...)
}
