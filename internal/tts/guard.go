package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/tts-relay/internal/observability"
	"github.com/lexiqai/tts-relay/internal/resilience"
)

// Guarded wraps a Synthesizer with a circuit breaker so a dead backend fails
// fast instead of burning the per-call timeout for every queued utterance.
type Guarded struct {
	inner   Synthesizer
	breaker *resilience.CircuitBreaker
}

// NewGuarded creates a circuit-breaker protected synthesizer.
func NewGuarded(inner Synthesizer, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

// Synthesize delegates to the wrapped backend unless the circuit is open.
func (g *Guarded) Synthesize(ctx context.Context, text string, voiceStyleID int) (*Audio, error) {
	var (
		audio   *Audio
		callErr error
	)
	err := g.breaker.Call(func() error {
		audio, callErr = g.inner.Synthesize(ctx, text, voiceStyleID)
		if callErr != nil && !isOutage(callErr) {
			return nil
		}
		return callErr
	})

	state, _, _, failureRate := g.breaker.GetStats()
	observability.UpdateCircuitBreakerState(g.inner.Name(), int(state))
	observability.UpdateCircuitBreakerFailureRate(g.inner.Name(), failureRate)
	if err != nil {
		observability.IncrementCircuitBreakerFailures(g.inner.Name())
		return nil, err
	}
	if callErr != nil {
		return nil, callErr
	}
	return audio, nil
}

// Name returns the wrapped backend name.
func (g *Guarded) Name() string {
	return g.inner.Name()
}

// HealthCheck fails while the circuit is open.
func (g *Guarded) HealthCheck(context.Context) error {
	state, requests, failures, _ := g.breaker.GetStats()
	if state == resilience.StateOpen {
		return fmt.Errorf("%s: %w (%d of %d calls failed)", g.inner.Name(), resilience.ErrCircuitOpen, failures, requests)
	}
	return nil
}

// isOutage reports whether err says something about backend health:
// transport failures, timeouts, throttling and server faults. Cancellation,
// bad voice ids and rejected requests do not count.
func isOutage(err error) bool {
	if errors.Is(err, ErrUnknownVoice) {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}
