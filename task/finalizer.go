package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/omnigate/steward/id"
	"github.com/omnigate/steward/observability"
)

// Finalizer is the policy auditor: the single choke point every computed
// result passes through before any terminal write. A response containing
// a configured refusal phrase is forced to FAILED regardless of the
// nominal downstream success.
type Finalizer struct {
	store    Store
	keywords []string
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// FinalizerOption configures a Finalizer.
type FinalizerOption func(*Finalizer)

// WithRefusalKeywords sets the phrases that force a result to FAILED when
// any of them occurs as a substring of the response text. No keywords
// means no policy check.
func WithRefusalKeywords(keywords []string) FinalizerOption {
	return func(f *Finalizer) { f.keywords = keywords }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) FinalizerOption {
	return func(f *Finalizer) { f.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) FinalizerOption {
	return func(f *Finalizer) { f.metrics = m }
}

// NewFinalizer creates a Finalizer over the given task store.
func NewFinalizer(store Store, opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ProcessResult audits the downstream response and commits terminal
// state. It returns accepted=false when the policy check rejected the
// result (the task is then FAILED, never SUCCESS).
func (f *Finalizer) ProcessResult(ctx context.Context, taskID id.TaskID, text string, costTime float64, conversationID id.ConversationID) (accepted bool, err error) {
	if kw := f.matchRefusal(text); kw != "" {
		f.logger.Warn("refusal detected in response",
			slog.String("task_id", taskID.String()),
			slog.String("keyword", kw),
			slog.String("preview", truncate(text, 100)),
		)
		if markErr := f.store.MarkTaskFailed(ctx, taskID, fmt.Sprintf("generation refused: %s", text)); markErr != nil {
			return false, fmt.Errorf("steward/task: mark refused task failed: %w", markErr)
		}
		f.metrics.TaskFailed(ctx, "policy_refusal")
		return false, nil
	}

	if err := f.store.MarkTaskSucceeded(ctx, taskID, text, costTime, conversationID); err != nil {
		return false, fmt.Errorf("steward/task: mark task succeeded: %w", err)
	}
	f.metrics.TaskSucceeded(ctx)
	f.logger.Info("task completed",
		slog.String("task_id", taskID.String()),
		slog.Float64("cost_time", costTime),
	)
	return true, nil
}

// matchRefusal returns the first configured keyword found in text, or "".
func (f *Finalizer) matchRefusal(text string) string {
	for _, kw := range f.keywords {
		if kw != "" && strings.Contains(text, kw) {
			return kw
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
