package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lexiqai/tts-relay/internal/config"
)

const (
	cartesiaDefaultURL = "https://api.cartesia.ai/v1/tts"
	cartesiaSampleRate = 24000
)

// CartesiaClient implements Synthesizer using Cartesia's TTS API
type CartesiaClient struct {
	apiKey     string
	apiURL     string
	modelID    string
	catalog    *config.VoiceCatalog
	httpClient *http.Client
}

// CartesiaRequest represents the request payload for Cartesia TTS API
type CartesiaRequest struct {
	Text            string  `json:"text"`
	VoiceID         string  `json:"voice_id"`
	ModelID         string  `json:"model_id,omitempty"`
	OutputFormat    string  `json:"output_format,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
	Stability       float64 `json:"stability,omitempty"`
	SimilarityBoost float64 `json:"similarity_boost,omitempty"`
}

// NewCartesiaClient creates a new Cartesia TTS client. Style ids are resolved
// to Cartesia voice ids through the catalog.
func NewCartesiaClient(cfg *config.Config, catalog *config.VoiceCatalog) *CartesiaClient {
	return &CartesiaClient{
		apiKey:     cfg.CartesiaAPIKey,
		apiURL:     cartesiaDefaultURL,
		modelID:    cfg.CartesiaModelID,
		catalog:    catalog,
		httpClient: &http.Client{},
	}
}

// Name returns the backend name.
func (c *CartesiaClient) Name() string { return "cartesia" }

// Synthesize converts text to 24kHz mono PCM
func (c *CartesiaClient) Synthesize(ctx context.Context, text string, voiceStyleID int) (*Audio, error) {
	voice, ok := c.catalog.Lookup(voiceStyleID)
	if !ok || voice.CartesiaVoice == "" {
		return nil, fmt.Errorf("%w: %d has no cartesia voice", ErrUnknownVoice, voiceStyleID)
	}

	reqBody := CartesiaRequest{
		Text:            text,
		VoiceID:         voice.CartesiaVoice,
		ModelID:         c.modelID,
		OutputFormat:    "pcm",
		SampleRate:      cartesiaSampleRate,
		Speed:           1.0,
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, "cartesia request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("cartesia", resp.StatusCode, "")
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read cartesia audio: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cartesia returned empty audio data")
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}

	return &Audio{PCM: pcm, SampleRate: cartesiaSampleRate, Channels: 1}, nil
}
