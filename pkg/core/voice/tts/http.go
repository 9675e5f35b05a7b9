package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const defaultRequestTimeout = 20 * time.Second

// HTTPProvider implements the TTS Provider interface against the deployed
// speech service's synthesis endpoint.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTP creates a new HTTP TTS provider.
func NewHTTP(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// NewHTTPWithClient creates a new HTTP TTS provider with a custom HTTP client.
func NewHTTPWithClient(baseURL, apiKey string, client *http.Client) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: client,
	}
}

// Name returns the provider identifier.
func (p *HTTPProvider) Name() string {
	return "http"
}

type ttsRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Language   string `json:"language"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

// Synthesize converts text to audio via the speech service. The response
// body is the raw audio in the requested encoding.
func (p *HTTPProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	language := opts.Language
	if language == "" {
		language = "ar"
	}
	format := opts.Format
	if format == "" {
		format = "pcm_s16le"
	}
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 8000
	}

	payload, err := json.Marshal(ttsRequest{
		Text:       text,
		Voice:      opts.Voice,
		Language:   language,
		Format:     format,
		SampleRate: sampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/tts", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tts error %d: %s", resp.StatusCode, string(body))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	s := &Synthesis{
		Audio:  audio,
		Format: format,
	}
	if d := resp.Header.Get("X-Audio-Duration"); d != "" {
		if secs, err := strconv.ParseFloat(d, 64); err == nil {
			s.Duration = secs
		}
	}
	return s, nil
}
