package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lexiqai/tts-relay/internal/resilience"
)

// ErrUnknownVoice is returned when a voice style id has no mapping for the
// configured backend.
var ErrUnknownVoice = errors.New("unknown voice style")

// Audio is the result of one synthesis call: 16-bit little-endian linear PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Synthesizer converts text and a voice style into audio. Implementations must
// be safe for concurrent use; every call is independent and safe to retry.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voiceStyleID int) (*Audio, error)

	// Name identifies the backend in logs and metrics
	Name() string
}

// transportError marks a failed HTTP round trip as transient unless the
// caller gave up.
func transportError(ctx context.Context, op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if ctx.Err() != nil {
		return wrapped
	}
	return resilience.NewRetryableError(wrapped)
}

// statusError turns a non-200 backend answer into an error. Throttling and
// server faults are transient; other statuses are not.
func statusError(backend string, code int, detail string) error {
	err := fmt.Errorf("%s returned HTTP %d", backend, code)
	if detail != "" {
		err = fmt.Errorf("%s returned HTTP %d: %s", backend, code, detail)
	}
	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return resilience.NewRetryableError(err)
	}
	return err
}
