// Package playback runs one sequential speech playback engine per tenant.
//
// An Engine takes utterances in arrival order, synthesizes each through a
// tts.Synthesizer and streams the audio into whatever Sink is currently
// bound. Synthesis of the next utterance overlaps playback of the current
// one, never more than one ahead.
package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by Enqueue when a bounded queue is at capacity.
	ErrQueueFull = errors.New("playback queue is full")

	// ErrEngineClosed is returned by Enqueue after Shutdown.
	ErrEngineClosed = errors.New("playback engine is shut down")

	// ErrOutputClosed is returned (possibly wrapped) by a Sink whose
	// connection is gone. The engine unbinds the sink and keeps the audio.
	ErrOutputClosed = errors.New("output closed")
)

// Utterance is one queued unit of text plus the voice style to speak it in.
// It is immutable once created; ID is the identity used to recognise stale
// synthesis results.
type Utterance struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	VoiceStyleID int       `json:"voice_style_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// NewUtterance stamps text with a fresh identity and the current time.
func NewUtterance(text string, voiceStyleID int) Utterance {
	return Utterance{
		ID:           uuid.NewString(),
		Text:         text,
		VoiceStyleID: voiceStyleID,
		EnqueuedAt:   time.Now(),
	}
}

// SynthesizedAudio is the synthesized form of one utterance: 16-bit
// little-endian PCM.
type SynthesizedAudio struct {
	Utterance  Utterance
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the audio.
func (a *SynthesizedAudio) Duration() time.Duration {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	samples := len(a.PCM) / 2 / a.Channels
	return time.Duration(samples) * time.Second / time.Duration(a.SampleRate)
}

// Sink is a live audio output. Play blocks until the audio has been fully
// emitted (nil), the output failed (non-nil error) or ctx is cancelled. The
// engine cancels ctx to stop playback early and may call Play again with the
// same audio after a rebind. Sinks are compared by identity, so
// implementations should be pointer types. A sink that can no longer play
// at all returns an error wrapping ErrOutputClosed; any other error counts
// as a failed stream of that one utterance.
type Sink interface {
	Play(ctx context.Context, audio *SynthesizedAudio) error
}

// SynthesisError reports an utterance dropped after its synthesis attempts
// were exhausted.
type SynthesisError struct {
	Utterance Utterance
	Attempts  int
	Err       error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis of utterance %s failed after %d attempt(s): %v", e.Utterance.ID, e.Attempts, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// StreamError reports an output failure part way through playback. The
// engine treats it as completion and moves on.
type StreamError struct {
	Utterance Utterance
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream of utterance %s failed: %v", e.Utterance.ID, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// State is the engine's position in its playback state machine.
type State int

const (
	StateIdle State = iota
	StateSynthesizing
	StatePlaying
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSynthesizing:
		return "synthesizing"
	case StatePlaying:
		return "playing"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "synthesizing":
		*s = StateSynthesizing
	case "playing":
		*s = StatePlaying
	case "draining":
		*s = StateDraining
	default:
		return fmt.Errorf("unknown playback state %q", text)
	}
	return nil
}

// EventKind classifies what happened to an utterance.
type EventKind string

const (
	EventEnqueued    EventKind = "enqueued"
	EventSynthesized EventKind = "synthesized"
	EventPlayed      EventKind = "played"
	EventSkipped     EventKind = "skipped"
	EventDropped     EventKind = "dropped"
	EventStreamError EventKind = "stream_error"
	EventDiscarded   EventKind = "discarded"
)

// Event is one reportable outcome for an utterance.
type Event struct {
	TenantID  string
	Kind      EventKind
	Utterance Utterance
	Err       error
	Attempts  int
	Latency   time.Duration // synthesis time for synthesized/dropped, audio length for played
	At        time.Time
}

// Reporter receives engine events. Report is called from the engine loop and
// from Enqueue callers, so it must be safe for concurrent use and must not
// block.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Event)

// Report calls f.
func (f ReporterFunc) Report(ev Event) {
	f(ev)
}

// Reporters fans each event out to every non-nil reporter.
func Reporters(reporters ...Reporter) Reporter {
	var live multiReporter
	for _, r := range reporters {
		if r != nil {
			live = append(live, r)
		}
	}
	return live
}

type multiReporter []Reporter

func (m multiReporter) Report(ev Event) {
	for _, r := range m {
		r.Report(ev)
	}
}

// Snapshot is a point-in-time view of an engine.
type Snapshot struct {
	TenantID string      `json:"tenant_id"`
	State    State       `json:"state"`
	Current  *Utterance  `json:"current,omitempty"`
	Pending  []Utterance `json:"pending"`
	Bound    bool        `json:"output_bound"`
}
