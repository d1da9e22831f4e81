package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-audio/wav"
	"github.com/lexiqai/tts-relay/internal/audio"
)

// VoicevoxClient synthesizes speech with a VOICEVOX engine. The voice style id
// is passed straight through as the engine's speaker id.
type VoicevoxClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewVoicevoxClient creates a client for the engine at baseURL.
func NewVoicevoxClient(baseURL string, httpClient *http.Client) *VoicevoxClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &VoicevoxClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Name returns the backend name.
func (c *VoicevoxClient) Name() string { return "voicevox" }

// Synthesize runs audio_query then synthesis and decodes the resulting WAV.
func (c *VoicevoxClient) Synthesize(ctx context.Context, text string, voiceStyleID int) (*Audio, error) {
	if voiceStyleID < 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVoice, voiceStyleID)
	}
	speaker := strconv.Itoa(voiceStyleID)

	query, err := c.post(ctx, "/audio_query", url.Values{"text": {text}, "speaker": {speaker}}, nil)
	if err != nil {
		return nil, fmt.Errorf("voicevox audio_query: %w", err)
	}

	wavData, err := c.post(ctx, "/synthesis", url.Values{"speaker": {speaker}}, query)
	if err != nil {
		return nil, fmt.Errorf("voicevox synthesis: %w", err)
	}

	return decodeWAV(wavData)
}

func (c *VoicevoxClient) post(ctx context.Context, path string, params url.Values, body []byte) ([]byte, error) {
	endpoint := c.baseURL + path + "?" + params.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, "do request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// VOICEVOX answers 422 for speaker ids it does not know
	if resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVoice, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("voicevox", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// decodeWAV converts a 16-bit PCM WAV file into raw samples.
func decodeWAV(data []byte) (*Audio, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("malformed WAV response")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode WAV: %w", err)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported WAV bit depth %d", dec.BitDepth)
	}
	if len(buf.Data) == 0 {
		return nil, fmt.Errorf("empty WAV response")
	}

	samples := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = int16(s)
	}

	return &Audio{
		PCM:        audio.SamplesToBytes(samples),
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}
