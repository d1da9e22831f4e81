package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/tts-relay/internal/tts"
)

const waitTimeout = 2 * time.Second

var errBackendDown = errors.New("synthesis backend unavailable")

// fakeSynth returns the utterance text as PCM. Per-text gates block a call
// until closed and per-text failure budgets make calls fail.
type fakeSynth struct {
	mu     sync.Mutex
	calls  []string
	styles []int
	gates  map[string]chan struct{}
	fails  map[string]int
	hang   bool
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{
		gates: make(map[string]chan struct{}),
		fails: make(map[string]int),
	}
}

func (f *fakeSynth) gate(text string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[text] = ch
	return ch
}

func (f *fakeSynth) failTimes(text string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[text] = n
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, voiceStyleID int) (*tts.Audio, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.styles = append(f.styles, voiceStyleID)
	gate := f.gates[text]
	failing := f.fails[text] > 0
	if failing {
		f.fails[text]--
	}
	hang := f.hang
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, errBackendDown
	}
	return &tts.Audio{PCM: []byte(text), SampleRate: 8000, Channels: 1}, nil
}

func (f *fakeSynth) Name() string { return "fake" }

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSynth) callTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// recordingSink records every Play call. With release set, each Play waits
// for one token (or cancellation); otherwise it takes delay.
type recordingSink struct {
	release chan struct{}
	delay   time.Duration
	failOn  map[string]error

	mu        sync.Mutex
	started   []string
	completed []string
	active    int
	overlap   bool
}

func newHoldingSink() *recordingSink {
	return &recordingSink{release: make(chan struct{})}
}

func (s *recordingSink) Play(ctx context.Context, audio *SynthesizedAudio) error {
	text := audio.Utterance.Text

	s.mu.Lock()
	s.started = append(s.started, text)
	s.active++
	if s.active > 1 {
		s.overlap = true
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if err := s.failOn[text]; err != nil {
		return err
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.completed = append(s.completed, text)
	s.mu.Unlock()
	return nil
}

// finish lets the Play call currently waiting complete.
func (s *recordingSink) finish(t *testing.T) {
	t.Helper()
	select {
	case s.release <- struct{}{}:
	case <-time.After(waitTimeout):
		t.Fatal("No Play call waiting to finish")
	}
}

func (s *recordingSink) startedTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

func (s *recordingSink) completedTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed...)
}

func (s *recordingSink) overlapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlap
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Report(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// texts returns the utterance texts of events of one kind, in report order.
func (l *eventLog) texts(kind EventKind) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev.Utterance.Text)
		}
	}
	return out
}

func (l *eventLog) find(kind EventKind, text string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind && ev.Utterance.Text == text {
			return ev, true
		}
	}
	return Event{}, false
}

func newTestEngine(t *testing.T, synth tts.Synthesizer, opts Options) (*Engine, *eventLog) {
	t.Helper()
	log := &eventLog{}
	nop := zerolog.Nop()
	opts.Logger = &nop
	opts.Reporter = log
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}

	e := NewEngine("tenant-1", synth, opts)
	t.Cleanup(e.Shutdown)
	return e, log
}

func mustEnqueue(t *testing.T, e *Engine, texts ...string) {
	t.Helper()
	for _, text := range texts {
		if _, err := e.Enqueue(text, 1); err != nil {
			t.Fatalf("Enqueue(%s): %v", text, err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// closingSink plays until close is called, then fails every Play the way a
// transport does once its peer has gone.
type closingSink struct {
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	started []string
}

func newClosingSink() *closingSink {
	return &closingSink{closed: make(chan struct{})}
}

func (s *closingSink) Play(ctx context.Context, audio *SynthesizedAudio) error {
	s.mu.Lock()
	s.started = append(s.started, audio.Utterance.Text)
	s.mu.Unlock()

	select {
	case <-s.closed:
		return fmt.Errorf("write frame: %w", ErrOutputClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *closingSink) close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *closingSink) startedTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

// blockingSink counts Play calls and blocks each one until cancelled.
type blockingSink struct {
	mu    sync.Mutex
	calls int
}

func (s *blockingSink) Play(ctx context.Context, audio *SynthesizedAudio) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (s *blockingSink) playCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
