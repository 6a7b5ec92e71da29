package workflow

import (
	"context"
)

// Capabilities full_analysis looks up among registered components.
// Payloads are opaque to the executor.
type (
	DataFetcher interface {
		FetchData(ctx context.Context, symbol string) (any, error)
	}
	Analyzer interface {
		Analyze(ctx context.Context, data map[string]any) (any, error)
	}
	Recommender interface {
		Recommend(ctx context.Context, analysis any) (any, error)
	}
	ReportRenderer interface {
		RenderReport(ctx context.Context, analysis, recommendations any) (string, error)
	}
	Notifier interface {
		Notify(ctx context.Context, subject, body string) error
	}
	AlertEvaluator interface {
		EvaluateAlerts(ctx context.Context, analysis any) ([]Alert, error)
	}
)

type Alert struct {
	Symbol   string `json:"symbol,omitempty"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}
