package core

import (
	"context"
	"time"
)

// ObservationHooks captures optional callbacks around an arbitrary
// operation, e.g. a step dispatch or a background job tick.
type ObservationHooks struct {
	OnStart    func(ctx context.Context, meta map[string]string)
	OnComplete func(ctx context.Context, meta map[string]string, err error, duration time.Duration)
}

// DispatchHooks is an alias kept for call sites that instrument dispatch
// specifically rather than observation in general.
type DispatchHooks = ObservationHooks

// NoopObservationHooks provides a safe default.
var NoopObservationHooks = ObservationHooks{}

// StartObservation triggers OnStart and returns a completion callback that
// triggers OnComplete with the elapsed duration.
func StartObservation(ctx context.Context, hooks ObservationHooks, meta map[string]string) func(error) {
	if hooks.OnStart != nil {
		hooks.OnStart(ctx, meta)
	}
	start := time.Now()
	return func(err error) {
		if hooks.OnComplete != nil {
			hooks.OnComplete(ctx, meta, err, time.Since(start))
		}
	}
}

// NormalizeHooks returns NoopObservationHooks if both callbacks are nil,
// otherwise returns h unchanged.
func NormalizeHooks(h ObservationHooks) ObservationHooks {
	if h.OnStart == nil && h.OnComplete == nil {
		return NoopObservationHooks
	}
	return h
}
