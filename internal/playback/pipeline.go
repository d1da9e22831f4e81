package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/tts-relay/internal/observability"
	"github.com/lexiqai/tts-relay/internal/resilience"
	"github.com/lexiqai/tts-relay/internal/tts"
)

var errEmptyAudio = errors.New("synthesizer returned no audio")

// synthJob is one utterance moving through synthesis and playback. The engine
// holds at most two: the active one and the prefetched next.
type synthJob struct {
	utt     Utterance
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	audio    *SynthesizedAudio // set once synthesis succeeds
	attempts int
}

type synthResult struct {
	job      *synthJob
	audio    *SynthesizedAudio
	attempts int
	err      error
}

// pipeline issues synthesis requests and delivers their results to the
// engine loop. Results for jobs the engine has since abandoned are still
// delivered; the loop discards them by identity.
type pipeline struct {
	synth   tts.Synthesizer
	retry   *resilience.RetryConfig
	timeout time.Duration
	results chan synthResult
	logger  zerolog.Logger
}

func newPipeline(synth tts.Synthesizer, opts Options, logger zerolog.Logger) *pipeline {
	return &pipeline{
		synth: synth,
		retry: &resilience.RetryConfig{
			MaxAttempts:       opts.SynthesisAttempts,
			InitialBackoff:    opts.RetryBackoff,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		timeout: opts.SynthesisTimeout,
		results: make(chan synthResult),
		logger:  logger,
	}
}

// start begins synthesis of utt in the background. Cancelling the job's
// context abandons it.
func (p *pipeline) start(parent context.Context, utt Utterance) *synthJob {
	ctx, cancel := context.WithCancel(parent)
	job := &synthJob{
		utt:     utt,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
	}
	go p.run(job)
	return job
}

func (p *pipeline) run(job *synthJob) {
	ctx, span := observability.Tracer().Start(job.ctx, "playback.synthesize",
		trace.WithAttributes(
			attribute.String("utterance.id", job.utt.ID),
			attribute.Int("voice.style_id", job.utt.VoiceStyleID),
			attribute.String("tts.backend", p.synth.Name()),
		))
	defer span.End()

	var audio *tts.Audio
	attempts, err := resilience.RetryContext(ctx, func(ctx context.Context, attempt int) error {
		a, err := p.attempt(ctx, job.utt, attempt)
		if err != nil {
			return err
		}
		audio = a
		return nil
	}, p.retry, isRetryableSynthesis)

	res := synthResult{job: job, attempts: attempts}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		res.err = &SynthesisError{Utterance: job.utt, Attempts: attempts, Err: err}
	} else {
		res.audio = &SynthesizedAudio{
			Utterance:  job.utt,
			PCM:        audio.PCM,
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
		}
	}
	span.SetAttributes(attribute.Int("synthesis.attempts", attempts))

	select {
	case p.results <- res:
	case <-job.ctx.Done():
	}
}

// attempt runs one synthesis call under the per-attempt timeout.
func (p *pipeline) attempt(ctx context.Context, utt Utterance, attempt int) (*tts.Audio, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	audio, err := p.synth.Synthesize(attemptCtx, utt.Text, utt.VoiceStyleID)
	observability.RecordSynthesis(p.synth.Name(), time.Since(start), err == nil)

	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("attempt timed out after %s: %w", p.timeout, err)
		}
		p.logger.Warn().
			Err(err).
			Str("utterance_id", utt.ID).
			Int("attempt", attempt).
			Msg("Synthesis attempt failed")
		return nil, err
	}
	if audio == nil || len(audio.PCM) == 0 {
		return nil, errEmptyAudio
	}
	return audio, nil
}

// isRetryableSynthesis retries every failure once, with two exceptions: an
// unknown voice style and an open circuit fail on the first attempt. Neither
// outcome can change between attempts, so the single retry is skipped.
func isRetryableSynthesis(err error) bool {
	return !errors.Is(err, tts.ErrUnknownVoice) && !errors.Is(err, resilience.ErrCircuitOpen)
}
