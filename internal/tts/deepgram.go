package tts

import (
	"context"
	"fmt"

	speakapi "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	speak "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"

	"github.com/lexiqai/tts-relay/internal/config"
	"github.com/lexiqai/tts-relay/internal/resilience"
)

const deepgramSampleRate = 24000

// DeepgramClient synthesizes speech with Deepgram Aura through the official
// SDK. Style ids map to Aura model names through the catalog.
type DeepgramClient struct {
	apiKey  string
	catalog *config.VoiceCatalog
}

// NewDeepgramClient creates a Deepgram speak client.
func NewDeepgramClient(cfg *config.Config, catalog *config.VoiceCatalog) *DeepgramClient {
	speak.InitWithDefault()
	return &DeepgramClient{apiKey: cfg.DeepgramAPIKey, catalog: catalog}
}

// Name returns the backend name.
func (d *DeepgramClient) Name() string { return "deepgram" }

// Synthesize requests raw linear16 audio for text.
func (d *DeepgramClient) Synthesize(ctx context.Context, text string, voiceStyleID int) (*Audio, error) {
	voice, ok := d.catalog.Lookup(voiceStyleID)
	if !ok || voice.DeepgramModel == "" {
		return nil, fmt.Errorf("%w: %d has no deepgram model", ErrUnknownVoice, voiceStyleID)
	}

	options := &interfaces.SpeakOptions{
		Model:      voice.DeepgramModel,
		Encoding:   "linear16",
		Container:  "none",
		SampleRate: deepgramSampleRate,
	}

	client := speak.NewREST(d.apiKey, &interfaces.ClientOptions{})
	dg := speakapi.New(client)

	var buf interfaces.RawResponse
	if _, err := dg.ToStream(ctx, text, options, &buf); err != nil {
		err = fmt.Errorf("deepgram speak: %w", err)
		if ctx.Err() == nil && resilience.IsRetryableNetworkError(err) {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, err
	}

	pcm := buf.Bytes()
	if len(pcm) == 0 {
		return nil, fmt.Errorf("deepgram returned empty audio data")
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}

	return &Audio{PCM: pcm, SampleRate: deepgramSampleRate, Channels: 1}, nil
}
