package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"marketpulse/internal/eventbus"
	"marketpulse/internal/lifecycle"
)

const (
	HealthCheck   = "health_check"
	FullAnalysis  = "full_analysis"
	EmergencyStop = "emergency_stop"
)

// Overall health classification.
const (
	OverallHealthy   = "healthy"
	OverallDegraded  = "degraded"
	OverallUnhealthy = "unhealthy"
)

// Classify returns healthy with no bad components, degraded when fewer than
// half are bad, unhealthy otherwise. Unknown does not count as bad.
func Classify(results []lifecycle.Health) (overall string, bad int) {
	for _, h := range results {
		if h.Status.Bad() {
			bad++
		}
	}
	switch {
	case bad == 0:
		return OverallHealthy, 0
	case bad*2 < len(results):
		return OverallDegraded, bad
	default:
		return OverallUnhealthy, bad
	}
}

func (e *Executor) healthCheck(ctx context.Context, run *Run, _ Args) error {
	results, err := StepValue(ctx, run, "check_components", func(ctx context.Context) ([]lifecycle.Health, error) {
		if e.reg == nil {
			return nil, errors.New("no component registry")
		}
		return e.reg.HealthCheckAll(ctx), nil
	})
	if err != nil {
		return err
	}
	overall, bad := Classify(results)
	run.Set("status", overall)
	run.Set("total", len(results))
	run.Set("unhealthy", bad)
	run.Set("components", results)
	return nil
}

func (e *Executor) emergencyStop(ctx context.Context, run *Run, _ Args) error {
	_, _ = run.Step(ctx, "stop_components", func(ctx context.Context) (any, error) {
		if e.reg == nil {
			return nil, errors.New("no component registry")
		}
		errs := e.reg.EmergencyStop(ctx)
		out := make(map[string]string, len(errs))
		for name, err := range errs {
			out[name] = err.Error()
		}
		run.Set("errors", out)
		if len(errs) > 0 {
			names := make([]string, 0, len(errs))
			for n := range errs {
				names = append(names, n)
			}
			sort.Strings(names)
			return out, fmt.Errorf("%d components failed to stop: %s", len(errs), strings.Join(names, ", "))
		}
		return out, nil
	})
	return nil
}

// fullAnalysis runs fetch_data, analyze, recommendations, report, notify and
// alerts. Every step runs even when an earlier one failed.
func (e *Executor) fullAnalysis(ctx context.Context, run *Run, args Args) error {
	run.PublishOnComplete(eventbus.AnalysisCompleted)

	symbols := symbolsFrom(args)
	if len(symbols) == 0 {
		e.mu.RLock()
		symbols = append([]string(nil), e.cfg.DefaultSymbols...)
		e.mu.RUnlock()
	}
	run.Set("symbols", symbols)

	data, _ := StepValue(ctx, run, "fetch_data", func(ctx context.Context) (map[string]any, error) {
		f, _, err := resolve[DataFetcher](e.reg)
		if err != nil {
			return nil, err
		}
		if len(symbols) == 0 {
			return nil, errors.New("no symbols to fetch")
		}
		out := map[string]any{}
		var errs []error
		for _, sym := range symbols {
			v, err := f.FetchData(ctx, sym)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sym, err))
				continue
			}
			out[sym] = v
		}
		if len(errs) > 0 {
			run.Set("fetch_errors", errors.Join(errs...).Error())
		}
		if len(out) == 0 {
			return out, errors.Join(errs...)
		}
		return out, nil
	})
	if data == nil {
		data = map[string]any{}
	}

	analysis, _ := run.Step(ctx, "analyze", func(ctx context.Context) (any, error) {
		a, _, err := resolve[Analyzer](e.reg)
		if err != nil {
			return nil, err
		}
		return a.Analyze(ctx, data)
	})

	recs, _ := run.Step(ctx, "recommendations", func(ctx context.Context) (any, error) {
		r, _, err := resolve[Recommender](e.reg)
		if err != nil {
			return nil, err
		}
		return r.Recommend(ctx, analysis)
	})

	report, _ := StepValue(ctx, run, "report", func(ctx context.Context) (string, error) {
		r, _, err := resolve[ReportRenderer](e.reg)
		if err != nil {
			return "", err
		}
		return r.RenderReport(ctx, analysis, recs)
	})

	_, _ = run.Step(ctx, "notify", func(ctx context.Context) (any, error) {
		n, name, err := resolve[Notifier](e.reg)
		if err != nil {
			return nil, err
		}
		body := report
		if strings.TrimSpace(body) == "" {
			body = fmt.Sprintf("Analysis finished for %s (no report rendered).", strings.Join(symbols, ", "))
		}
		return name, n.Notify(ctx, "Market analysis", body)
	})

	alerts, _ := StepValue(ctx, run, "alerts", func(ctx context.Context) ([]Alert, error) {
		a, _, err := resolve[AlertEvaluator](e.reg)
		if err != nil {
			return nil, err
		}
		return a.EvaluateAlerts(ctx, analysis)
	})
	run.Set("alerts", len(alerts))
	return nil
}

// symbolsFrom accepts args["symbols"] as []string, []any or a comma-separated string.
func symbolsFrom(args Args) []string {
	var raw []string
	switch v := args["symbols"].(type) {
	case []string:
		raw = v
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(v, ",")
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
