package tts

import (
	"fmt"
	"time"

	"github.com/lexiqai/tts-relay/internal/config"
	"github.com/lexiqai/tts-relay/internal/resilience"
)

// New builds the configured backend wrapped in a circuit breaker.
func New(cfg *config.Config, catalog *config.VoiceCatalog) (Synthesizer, error) {
	var backend Synthesizer
	switch cfg.TTSBackend {
	case config.BackendVoicevox:
		backend = NewVoicevoxClient(cfg.VoicevoxURL, nil)
	case config.BackendCartesia:
		backend = NewCartesiaClient(cfg, catalog)
	case config.BackendDeepgram:
		backend = NewDeepgramClient(cfg, catalog)
	default:
		return nil, fmt.Errorf("unsupported TTS backend %q", cfg.TTSBackend)
	}

	breaker := resilience.NewCircuitBreaker(
		backend.Name(),
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	return NewGuarded(backend, breaker), nil
}
