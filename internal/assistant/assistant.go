// Package assistant produces assistant replies for a conversation transcript
// and caches them by transcript hash.
package assistant

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"AssistChat/internal/backend"
	"AssistChat/internal/conversation"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// CachedResponse is a reply kept for an identical transcript
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// CacheKey hashes a transcript
func CacheKey(turns []backend.Turn) string {
	h := sha256.New()
	for _, t := range turns {
		h.Write([]byte(t.Role))
		h.Write([]byte(t.Content))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Turns converts confirmed messages into a provider transcript. Provisional
// entries are skipped.
func Turns(msgs []conversation.Message) []backend.Turn {
	out := make([]backend.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Pending {
			continue
		}
		out = append(out, backend.Turn{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// Assistant wraps a provider with a response cache and telemetry
type Assistant struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	duration metric.Float64Histogram

	mu       sync.RWMutex
	provider backend.Provider
	cache    sync.Map
}

// Option configures an Assistant
type Option func(*Assistant)

// WithTelemetry records spans and request metrics
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(a *Assistant) {
		a.tracer = tracer
		a.meter = meter
	}
}

// New creates an assistant backed by p
func New(p backend.Provider, logger *slog.Logger, opts ...Option) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assistant{
		logger:   logger,
		tracer:   tracenoop.NewTracerProvider().Tracer("assistant"),
		meter:    metricnoop.NewMeterProvider().Meter("assistant"),
		provider: p,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.duration, _ = a.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	return a
}

// SetProvider switches the backend for subsequent replies
func (a *Assistant) SetProvider(p backend.Provider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.provider = p
	a.logger.Info("switched backend", "backend", p.Name())
}

// Provider returns the active backend
func (a *Assistant) Provider() backend.Provider {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.provider
}

// Reply returns the next assistant turn for turns, from cache when the same
// transcript was answered before
func (a *Assistant) Reply(ctx context.Context, turns []backend.Turn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("empty transcript")
	}
	key := CacheKey(turns)
	if val, ok := a.cache.Load(key); ok {
		cached := val.(CachedResponse)
		a.logger.Info("cache hit", "key", key[:16])
		return cached.Response, nil
	}

	p := a.Provider()
	ctx, span := a.tracer.Start(ctx, p.Name()+"_api_call")
	defer span.End()

	start := time.Now()
	reply, err := p.Complete(ctx, turns)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to get reply from %s: %w", p.Name(), err)
	}
	a.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
	a.recordUsage(ctx, reply.Usage)

	a.cache.Store(key, CachedResponse{Response: reply.Text, Timestamp: time.Now()})
	a.logger.Info("cached response", "key", key[:16])
	return reply.Text, nil
}

// recordUsage records provider token usage as counters
func (a *Assistant) recordUsage(ctx context.Context, usage map[string]interface{}) {
	for key, value := range usage {
		intVal, ok := value.(float64)
		if !ok {
			continue
		}
		counter, err := a.meter.Int64Counter(
			fmt.Sprintf("llm.usage.%s", key),
			metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
		)
		if err != nil {
			a.logger.Warn("failed to create counter", "key", key, "error", err)
			continue
		}
		counter.Add(ctx, int64(intVal))
	}
}
