package tts

import (
	"fmt"
	"strings"

	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/resilience"
)

// New builds the engine selected by SYNTH_MODE. Remote engines are wrapped in
// a circuit breaker whose state is exported as a metric.
func New(cfg *config.Config) (Synthesizer, error) {
	var (
		synth  Synthesizer
		remote bool
	)

	switch strings.ToLower(cfg.SynthMode) {
	case "tone":
		synth = NewToneSynth(cfg.SynthSampleRate)
	case "exec":
		s, err := NewExecSynth(cfg.SynthCommand, cfg.SynthSampleRate)
		if err != nil {
			return nil, err
		}
		synth, remote = s, true
	case "http":
		synth, remote = NewHTTPSynth(cfg.SynthURL, cfg.SynthAPIKey, cfg.SynthSampleRate), true
	case "websocket":
		synth, remote = NewWebSocketSynth(cfg.SynthURL, cfg.SynthAPIKey, cfg.SynthSampleRate), true
	default:
		return nil, fmt.Errorf("unknown synth mode %q", cfg.SynthMode)
	}

	if !remote {
		return synth, nil
	}

	cb := resilience.NewCircuitBreaker("synth_"+synth.Name(), cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetDuration())
	logger := observability.Component("tts")
	cb.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("service", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	})
	observability.UpdateCircuitBreakerState(cb.Name(), int(resilience.StateClosed))
	return WithBreaker(synth, cb), nil
}
