package llm

import (
	"context"
	"log/slog"
)

// FallbackChain tries an ordered list of Models, advancing to the next on a
// transient ModelError raised before any chunk has been delivered. Grounded
// on the teacher's internal/models/fallback.go treatment of "one logical
// model" as an ordered list of concrete provider/model pairs.
type FallbackChain struct {
	models []Model
	log    *slog.Logger
}

// NewFallbackChain builds a chain; the first model is tried first.
func NewFallbackChain(log *slog.Logger, models ...Model) *FallbackChain {
	if log == nil {
		log = slog.Default()
	}
	return &FallbackChain{models: models, log: log.With("component", "llm.fallback")}
}

func (f *FallbackChain) Name() string {
	if len(f.models) == 0 {
		return "fallback(empty)"
	}
	return "fallback(" + f.models[0].Name() + ")"
}

// Generate tries each model in order. Once a model has streamed any chunk,
// the chain commits to it — a mid-stream failure is reported to the caller
// rather than silently restarted, since partial output may already have been
// surfaced to the user.
func (f *FallbackChain) Generate(ctx context.Context, req Request) (<-chan Chunk, error) {
	var lastErr error
	for i, m := range f.models {
		ch, err := m.Generate(ctx, req)
		if err != nil {
			lastErr = err
			if !Transient(err) {
				return nil, err
			}
			f.log.Warn("model failed before streaming, trying next", "provider", m.Name(), "attempt", i, "error", err)
			continue
		}
		return ch, nil
	}
	if lastErr == nil {
		lastErr = &ModelError{Provider: "fallback", Err: errFallbackExhausted}
	}
	return nil, lastErr
}

var errFallbackExhausted = fallbackExhausted{}

type fallbackExhausted struct{}

func (fallbackExhausted) Error() string { return "no model provider available" }
