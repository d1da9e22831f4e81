package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/tts-relay/internal/playback"
	"github.com/lexiqai/tts-relay/internal/tts"
)

const waitTimeout = 2 * time.Second

// echoSynth returns one 20ms telephony frame of silence per call.
type echoSynth struct{}

func (echoSynth) Synthesize(ctx context.Context, text string, voiceStyleID int) (*tts.Audio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tts.Audio{PCM: make([]byte, 320), SampleRate: 8000, Channels: 1}, nil
}

func (echoSynth) Name() string { return "echo" }

// playedSink records the text of every utterance it plays.
type playedSink struct {
	mu     sync.Mutex
	played []string
}

func (s *playedSink) Play(ctx context.Context, a *playback.SynthesizedAudio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, a.Utterance.Text)
	return nil
}

func (s *playedSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.played...)
}

func testFactory(tenantID string) *playback.Engine {
	logger := zerolog.Nop()
	return playback.NewEngine(tenantID, echoSynth{}, playback.Options{
		MaxQueue:     2,
		RetryBackoff: -1,
		Logger:       &logger,
	})
}

// startDispatcher runs a dispatcher until the test ends.
func startDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(testFactory, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})
	return d
}

func mustDo(t *testing.T, d *Dispatcher, cmd Command) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := d.Do(ctx, cmd)
	if err != nil {
		t.Fatalf("%s %s: %v", cmd.Type, cmd.TenantID, err)
	}
	return res
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
