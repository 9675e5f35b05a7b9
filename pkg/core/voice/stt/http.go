package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultRequestTimeout = 15 * time.Second

// HTTPProvider implements the STT Provider interface against the deployed
// speech service's transcription endpoint.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTP creates a new HTTP STT provider.
func NewHTTP(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// NewHTTPWithClient creates a new HTTP STT provider with a custom HTTP client.
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

// Transcribe converts audio to text via the speech service.
func (p *HTTPProvider) Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error) {
	u, err := url.Parse(p.baseURL + "/v1/stt")
	if err != nil {
		return nil, fmt.Errorf("parse stt url: %w", err)
	}

	q := u.Query()
	if opts.Model != "" {
		q.Set("model", opts.Model)
	}
	language := opts.Language
	if language == "" {
		language = "ar"
	}
	q.Set("language", language)
	encoding := opts.Format
	if encoding == "" {
		encoding = "pcm_s16le"
	}
	q.Set("encoding", encoding)
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 8000
	}
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), audio)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("stt error %d: %s", resp.StatusCode, string(body))
	}

	var out sttResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	t := &Transcript{
		Text:     out.Text,
		Language: language,
	}
	if out.Language != nil {
		t.Language = *out.Language
	}
	if out.Confidence != nil {
		t.Confidence = *out.Confidence
	}
	if out.Duration != nil {
		t.Duration = *out.Duration
	}
	return t, nil
}

type sttResponse struct {
	Text       string   `json:"text"`
	Language   *string  `json:"language,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Duration   *float64 `json:"duration,omitempty"`
}
