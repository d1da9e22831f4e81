package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/tts-relay/internal/observability"
	"github.com/lexiqai/tts-relay/internal/tts"
)

const (
	defaultSynthesisTimeout  = 10 * time.Second
	defaultSynthesisAttempts = 2
	defaultRetryBackoff      = 100 * time.Millisecond
	defaultStopGrace         = 250 * time.Millisecond
)

// Options tunes an Engine. Zero values pick the defaults.
type Options struct {
	MaxQueue          int           // pending utterances; 0 is unbounded
	SynthesisTimeout  time.Duration // per attempt
	SynthesisAttempts int           // including the first
	RetryBackoff      time.Duration // wait before the second attempt
	StopGrace         time.Duration // how long a stopped Play may take to return
	Reporter          Reporter
	Logger            *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.SynthesisTimeout <= 0 {
		o.SynthesisTimeout = defaultSynthesisTimeout
	}
	if o.SynthesisAttempts <= 0 {
		o.SynthesisAttempts = defaultSynthesisAttempts
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	} else if o.RetryBackoff == 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.StopGrace <= 0 {
		o.StopGrace = defaultStopGrace
	}
	return o
}

// activePlay is a Sink.Play call running on its own goroutine.
type activePlay struct {
	sink   Sink
	cancel context.CancelFunc
	done   chan error
}

// Engine plays one tenant's utterances strictly in order. Enqueue,
// SkipCurrent, RebindOutput and Shutdown are safe to call from any goroutine.
//
// Everything below the "loop-owned" marker is touched only by the engine's
// run goroutine. The published fields under mu mirror it for readers.
type Engine struct {
	tenantID  string
	queue     *Queue
	pipeline  *pipeline
	reporter  Reporter
	stopGrace time.Duration
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	cmds   chan func()
	done   chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	state   State
	current *Utterance
	bound   bool

	// loop-owned
	sink   Sink
	active *synthJob
	next   *synthJob
	play   *activePlay
}

// NewEngine creates an engine for tenantID and starts its loop. The engine
// starts Idle with no output bound.
func NewEngine(tenantID string, synth tts.Synthesizer, opts Options) *Engine {
	opts = opts.withDefaults()

	logger := observability.WithTenant(tenantID)
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("tenant_id", tenantID).Logger()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = ReporterFunc(func(Event) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		tenantID:  tenantID,
		queue:     NewQueue(opts.MaxQueue),
		pipeline:  newPipeline(synth, opts, logger),
		reporter:  reporter,
		stopGrace: opts.StopGrace,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		cmds:      make(chan func()),
		done:      make(chan struct{}),
		state:     StateIdle,
	}

	observability.RecordTenantStart()
	go e.run()
	return e
}

// TenantID returns the tenant this engine serves.
func (e *Engine) TenantID() string {
	return e.tenantID
}

// Enqueue appends text to the backlog and returns the queued utterance. It
// never waits for synthesis or playback.
func (e *Engine) Enqueue(text string, voiceStyleID int) (Utterance, error) {
	u := NewUtterance(text, voiceStyleID)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Utterance{}, ErrEngineClosed
	}
	err := e.queue.Enqueue(u)
	e.mu.Unlock()
	if err != nil {
		observability.RecordUtterance("rejected")
		return Utterance{}, err
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}

	observability.RecordUtterance(string(EventEnqueued))
	observability.SetQueueDepth(e.tenantID, e.queue.Len())
	e.report(EventEnqueued, u, nil)
	return u, nil
}

// SkipCurrent abandons the utterance being synthesized or played, if any, and
// moves on to the next one. It is a no-op when nothing is active.
func (e *Engine) SkipCurrent() {
	e.do(e.skipActive)
}

// RebindOutput replaces the output. Playback in progress restarts from the
// beginning on the new sink. A nil sink unbinds; the engine then holds its
// current audio and starts no new synthesis until a sink is bound again.
func (e *Engine) RebindOutput(sink Sink) {
	e.do(func() { e.rebind(sink) })
}

// ReleaseOutput unbinds sink if it is still the bound output. It reports
// whether it did; a sink replaced by a later rebind is left alone.
func (e *Engine) ReleaseOutput(sink Sink) bool {
	released := false
	e.do(func() {
		if e.sink != nil && e.sink == sink {
			e.rebind(nil)
			released = true
		}
	})
	return released
}

// Shutdown stops playback, discards everything queued or in flight and waits
// for the engine loop to exit. The engine accepts nothing afterwards.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.state = StateDraining
		e.mu.Unlock()
		e.cancel()
	})
	<-e.done
}

// Done is closed once the engine has fully shut down.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the current state, active utterance and pending backlog.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	snap := Snapshot{
		TenantID: e.tenantID,
		State:    e.state,
		Bound:    e.bound,
	}
	if e.current != nil {
		cur := *e.current
		snap.Current = &cur
	}
	e.mu.Unlock()

	snap.Pending = e.queue.Snapshot()
	return snap
}

// QueueLen returns the number of pending utterances, excluding the active one
// and any prefetched one.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// do runs fn on the engine loop and waits for it. After shutdown it does
// nothing.
func (e *Engine) do(fn func()) {
	finished := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); e.publish(); close(finished) }:
		<-finished
	case <-e.done:
	}
}

func (e *Engine) run() {
	defer close(e.done)
	e.logger.Info().Msg("Playback engine started")

	for {
		select {
		case <-e.ctx.Done():
			e.drain()
			return

		case <-e.wake:
			e.pump()

		case fn := <-e.cmds:
			// Pick up anything enqueued before the command was issued
			e.pump()
			fn()

		case res := <-e.pipeline.results:
			e.handleResult(res)

		case err := <-e.playDone():
			e.handlePlayDone(err)
		}
		e.publish()
	}
}

func (e *Engine) playDone() <-chan error {
	if e.play == nil {
		return nil
	}
	return e.play.done
}

// pump starts work if the engine is free, or prefetches if it is playing.
func (e *Engine) pump() {
	if e.active == nil {
		e.advance()
		return
	}
	e.prefetch()
}

// advance makes the next utterance active: the prefetched one if there is
// one, otherwise the queue head.
func (e *Engine) advance() {
	if e.active != nil || e.ctx.Err() != nil {
		return
	}

	if e.next != nil {
		e.active, e.next = e.next, nil
		if e.active.audio != nil {
			e.startPlay()
		}
		return
	}

	// No new synthesis while nothing can play it
	if e.sink == nil {
		return
	}
	utt, ok := e.queue.DequeueNext()
	if !ok {
		return
	}
	observability.SetQueueDepth(e.tenantID, e.queue.Len())
	e.active = e.pipeline.start(e.ctx, utt)
}

// prefetch requests synthesis of the queue head while the active utterance
// plays. Never more than one ahead.
func (e *Engine) prefetch() {
	if e.play == nil || e.next != nil || e.sink == nil {
		return
	}
	utt, ok := e.queue.DequeueNext()
	if !ok {
		return
	}
	observability.SetQueueDepth(e.tenantID, e.queue.Len())
	e.next = e.pipeline.start(e.ctx, utt)
}

func (e *Engine) handleResult(res synthResult) {
	var job *synthJob
	switch {
	case e.active != nil && res.job == e.active && e.active.audio == nil:
		job = e.active
	case e.next != nil && res.job == e.next && e.next.audio == nil:
		job = e.next
	default:
		e.logger.Debug().Str("utterance_id", res.job.utt.ID).Msg("Discarding stale synthesis result")
		return
	}

	if res.err != nil {
		e.reportErr(EventDropped, job.utt, res.err, res.attempts, time.Since(job.started))
		e.logger.Error().Err(res.err).Str("utterance_id", job.utt.ID).Msg("Dropping utterance")
		job.cancel()
		if job == e.active {
			e.active = nil
			e.advance()
		} else {
			e.next = nil
			e.prefetch()
		}
		return
	}

	job.audio = res.audio
	job.attempts = res.attempts
	e.reportErr(EventSynthesized, job.utt, nil, res.attempts, time.Since(job.started))
	if job == e.active {
		e.startPlay()
	}
}

// startPlay streams the active utterance's audio into the bound sink. With no
// sink bound the audio is held until RebindOutput.
func (e *Engine) startPlay() {
	if e.ctx.Err() != nil {
		return
	}
	if e.sink == nil {
		e.logger.Info().Str("utterance_id", e.active.utt.ID).Msg("No output bound, holding audio")
		return
	}

	ctx, cancel := context.WithCancel(e.active.ctx)
	p := &activePlay{sink: e.sink, cancel: cancel, done: make(chan error, 1)}
	audio := e.active.audio
	go func() {
		p.done <- p.sink.Play(ctx, audio)
	}()
	e.play = p

	e.prefetch()
}

func (e *Engine) handlePlayDone(err error) {
	p, job := e.play, e.active
	e.play = nil
	p.cancel()

	// The output went away under us. Unbind and hold the audio; the next
	// RebindOutput replays it from the start.
	if errors.Is(err, ErrOutputClosed) {
		e.sink = nil
		observability.RecordOutputBound(false)
		e.logger.Info().Str("utterance_id", job.utt.ID).Msg("Output closed, holding audio until rebind")
		return
	}

	job.cancel()
	e.active = nil

	if err != nil {
		e.reportErr(EventStreamError, job.utt, &StreamError{Utterance: job.utt, Err: err}, job.attempts, 0)
		e.logger.Warn().Err(err).Str("utterance_id", job.utt.ID).Msg("Output failed mid-stream, continuing")
	} else {
		d := job.audio.Duration()
		observability.RecordPlayback(d)
		e.reportErr(EventPlayed, job.utt, nil, job.attempts, d)
	}
	e.advance()
}

// stopPlay cancels the running Play call and waits briefly for it to return
// so the next stream never overlaps it.
func (e *Engine) stopPlay() {
	if e.play == nil {
		return
	}
	p := e.play
	e.play = nil
	p.cancel()

	timer := time.NewTimer(e.stopGrace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		e.logger.Warn().Dur("grace", e.stopGrace).Msg("Output did not stop in time")
	}
}

func (e *Engine) skipActive() {
	if e.active == nil {
		return
	}
	job := e.active
	e.stopPlay()
	job.cancel()
	e.active = nil

	e.report(EventSkipped, job.utt, nil)
	e.logger.Info().Str("utterance_id", job.utt.ID).Msg("Skipped utterance")
	e.advance()
}

func (e *Engine) rebind(sink Sink) {
	if sink == e.sink {
		return
	}
	wasBound := e.sink != nil
	restart := e.play != nil
	e.stopPlay()
	e.sink = sink

	if wasBound != (sink != nil) {
		observability.RecordOutputBound(sink != nil)
	}
	e.logger.Info().Bool("bound", sink != nil).Bool("restart", restart).Msg("Output rebound")

	switch {
	case sink == nil:
		return
	case e.active != nil && e.active.audio != nil:
		e.startPlay()
	default:
		e.pump()
	}
}

// drain discards everything once the engine context is cancelled.
func (e *Engine) drain() {
	e.stopPlay()
	if e.sink != nil {
		observability.RecordOutputBound(false)
		e.sink = nil
	}

	var discarded []Utterance
	if e.active != nil {
		discarded = append(discarded, e.active.utt)
		e.active = nil
	}
	if e.next != nil {
		discarded = append(discarded, e.next.utt)
		e.next = nil
	}
	discarded = append(discarded, e.queue.Clear()...)
	for _, u := range discarded {
		e.report(EventDiscarded, u, nil)
	}

	e.mu.Lock()
	e.state = StateDraining
	e.current = nil
	e.bound = false
	e.mu.Unlock()

	observability.RecordTenantEnd(e.tenantID)
	e.logger.Info().Int("discarded", len(discarded)).Msg("Playback engine shut down")
}

// publish mirrors loop-owned state for State and Snapshot.
func (e *Engine) publish() {
	state := StateIdle
	switch {
	case e.play != nil:
		state = StatePlaying
	case e.active != nil && e.active.audio == nil:
		state = StateSynthesizing
	}

	var current *Utterance
	if e.active != nil {
		u := e.active.utt
		current = &u
	}

	e.mu.Lock()
	if !e.closed {
		e.state = state
	}
	e.current = current
	e.bound = e.sink != nil
	e.mu.Unlock()
}

func (e *Engine) report(kind EventKind, u Utterance, err error) {
	e.reportErr(kind, u, err, 0, 0)
}

func (e *Engine) reportErr(kind EventKind, u Utterance, err error, attempts int, latency time.Duration) {
	if kind != EventEnqueued && kind != EventSynthesized {
		observability.RecordUtterance(string(kind))
	}
	e.reporter.Report(Event{
		TenantID:  e.tenantID,
		Kind:      kind,
		Utterance: u,
		Err:       err,
		Attempts:  attempts,
		Latency:   latency,
		At:        time.Now(),
	})
}
