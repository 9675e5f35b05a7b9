// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthMode picks the single path a gateway presents its credential on.
// Exactly one path is configured per deployment: "setup" reads the token
// from the setup message, "header" validates an Authorization bearer
// before the upgrade, "disabled" skips the check for local development.
type AuthMode string

const (
	AuthModeSetup    AuthMode = "setup"
	AuthModeHeader   AuthMode = "header"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	// GatewayTokens are the shared tokens a gateway may present on the
	// configured auth path.
	GatewayTokens map[string]struct{}

	// PublicHost is the externally reachable host used when rendering the
	// stream URL into voice webhooks. Empty falls back to the request host.
	PublicHost string

	// TwilioAuthToken enables X-Twilio-Signature validation on the voice
	// webhook when set.
	TwilioAuthToken string

	// MaxCalls caps concurrent calls; new sessions beyond it are rejected
	// at the handshake.
	MaxCalls int

	// Wire limits and stream keepalive.
	MaxAudioFrameBytes  int
	MaxJSONMessageBytes int64
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	WSReadTimeout       time.Duration
	HandshakeTimeout    time.Duration

	// Per-call behavior.
	SilenceWindow        time.Duration
	MaxUtteranceDuration time.Duration
	ProcessingTimeout    time.Duration
	MarkWait             time.Duration
	MaxCallDuration      time.Duration
	RetryBudget          int
	MinAnswerConfidence  float64
	VoiceRMSThreshold    int
	Voice                string
	Language             string
	EscalationTarget     string

	// Collaborator services.
	TemplateBaseURL string
	TemplateAPIKey  string
	STTBaseURL      string
	STTAPIKey       string
	TTSBaseURL      string
	TTSAPIKey       string

	// Submission delivery.
	SubmitEndpoint    string
	SubmitSecret      string
	EngineID          string
	SubmitMaxAttempts int
	SubmitBackoff     time.Duration
	SubmitTimeout     time.Duration
	QueuePath         string
	ReplayInterval    time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("SAWT_ADDR", ":8080"),
		AuthMode:             AuthMode(envOr("SAWT_AUTH_MODE", string(AuthModeSetup))),
		GatewayTokens:        make(map[string]struct{}),
		PublicHost:           envOr("SAWT_PUBLIC_HOST", ""),
		TwilioAuthToken:      envOr("SAWT_TWILIO_AUTH_TOKEN", ""),
		MaxCalls:             envIntOr("SAWT_MAX_CALLS", 200),
		MaxAudioFrameBytes:   envIntOr("SAWT_MAX_AUDIO_FRAME_BYTES", 4096),
		MaxJSONMessageBytes:  envInt64Or("SAWT_MAX_JSON_MESSAGE_BYTES", 64*1024),
		WSPingInterval:       envDurationOr("SAWT_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:       envDurationOr("SAWT_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:        envDurationOr("SAWT_WS_READ_TIMEOUT", 0),
		HandshakeTimeout:     envDurationOr("SAWT_HANDSHAKE_TIMEOUT", 5*time.Second),
		SilenceWindow:        envDurationOr("SAWT_SILENCE_WINDOW", 1200*time.Millisecond),
		MaxUtteranceDuration: envDurationOr("SAWT_MAX_UTTERANCE_DURATION", 30*time.Second),
		ProcessingTimeout:    envDurationOr("SAWT_PROCESSING_TIMEOUT", 10*time.Second),
		MarkWait:             envDurationOr("SAWT_MARK_WAIT", 2*time.Second),
		MaxCallDuration:      envDurationOr("SAWT_MAX_CALL_DURATION", 10*time.Minute),
		RetryBudget:          envIntOr("SAWT_RETRY_BUDGET", 2),
		MinAnswerConfidence:  envFloat64Or("SAWT_MIN_ANSWER_CONFIDENCE", 0.45),
		VoiceRMSThreshold:    envIntOr("SAWT_VOICE_RMS_THRESHOLD", 900),
		Voice:                envOr("SAWT_VOICE", ""),
		Language:             envOr("SAWT_LANGUAGE", "ar"),
		EscalationTarget:     envOr("SAWT_ESCALATION_TARGET", ""),
		TemplateBaseURL:      envOr("SAWT_TEMPLATE_BASE_URL", ""),
		TemplateAPIKey:       envOr("SAWT_TEMPLATE_API_KEY", ""),
		STTBaseURL:           envOr("SAWT_STT_BASE_URL", ""),
		STTAPIKey:            envOr("SAWT_STT_API_KEY", ""),
		TTSBaseURL:           envOr("SAWT_TTS_BASE_URL", ""),
		TTSAPIKey:            envOr("SAWT_TTS_API_KEY", ""),
		SubmitEndpoint:       envOr("SAWT_SUBMIT_ENDPOINT", ""),
		SubmitSecret:         envOr("SAWT_SUBMIT_SECRET", ""),
		EngineID:             envOr("SAWT_ENGINE_ID", "sawt-engine"),
		SubmitMaxAttempts:    envIntOr("SAWT_SUBMIT_MAX_ATTEMPTS", 4),
		SubmitBackoff:        envDurationOr("SAWT_SUBMIT_BACKOFF", 500*time.Millisecond),
		SubmitTimeout:        envDurationOr("SAWT_SUBMIT_TIMEOUT", 2*time.Minute),
		QueuePath:            envOr("SAWT_QUEUE_PATH", "sawt-queue.db"),
		ReplayInterval:       envDurationOr("SAWT_REPLAY_INTERVAL", 30*time.Second),
		ReadHeaderTimeout:    envDurationOr("SAWT_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("SAWT_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeSetup, AuthModeHeader, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("SAWT_AUTH_MODE must be one of setup|header|disabled")
	}

	for _, token := range splitCSV(os.Getenv("SAWT_GATEWAY_TOKENS")) {
		cfg.GatewayTokens[token] = struct{}{}
	}
	if cfg.AuthMode != AuthModeDisabled && len(cfg.GatewayTokens) == 0 {
		return Config{}, fmt.Errorf("SAWT_GATEWAY_TOKENS must be set when SAWT_AUTH_MODE=%s", cfg.AuthMode)
	}

	if cfg.MaxCalls <= 0 {
		return Config{}, fmt.Errorf("SAWT_MAX_CALLS must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("SAWT_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("SAWT_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("SAWT_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SAWT_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("SAWT_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("SAWT_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.SilenceWindow <= 0 {
		return Config{}, fmt.Errorf("SAWT_SILENCE_WINDOW must be > 0")
	}
	if cfg.MaxUtteranceDuration <= 0 {
		return Config{}, fmt.Errorf("SAWT_MAX_UTTERANCE_DURATION must be > 0")
	}
	if cfg.ProcessingTimeout <= 0 {
		return Config{}, fmt.Errorf("SAWT_PROCESSING_TIMEOUT must be > 0")
	}
	if cfg.MarkWait <= 0 {
		return Config{}, fmt.Errorf("SAWT_MARK_WAIT must be > 0")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("SAWT_MAX_CALL_DURATION must be > 0")
	}
	if cfg.RetryBudget < 0 {
		return Config{}, fmt.Errorf("SAWT_RETRY_BUDGET must be >= 0")
	}
	if cfg.MinAnswerConfidence < 0 || cfg.MinAnswerConfidence > 1 {
		return Config{}, fmt.Errorf("SAWT_MIN_ANSWER_CONFIDENCE must be within [0,1]")
	}
	if cfg.VoiceRMSThreshold <= 0 {
		return Config{}, fmt.Errorf("SAWT_VOICE_RMS_THRESHOLD must be > 0")
	}
	if strings.TrimSpace(cfg.TemplateBaseURL) == "" {
		return Config{}, fmt.Errorf("SAWT_TEMPLATE_BASE_URL must be set")
	}
	if strings.TrimSpace(cfg.STTBaseURL) == "" {
		return Config{}, fmt.Errorf("SAWT_STT_BASE_URL must be set")
	}
	if strings.TrimSpace(cfg.TTSBaseURL) == "" {
		return Config{}, fmt.Errorf("SAWT_TTS_BASE_URL must be set")
	}
	if strings.TrimSpace(cfg.SubmitEndpoint) == "" {
		return Config{}, fmt.Errorf("SAWT_SUBMIT_ENDPOINT must be set")
	}
	if cfg.SubmitSecret == "" {
		return Config{}, fmt.Errorf("SAWT_SUBMIT_SECRET must be set")
	}
	if cfg.SubmitMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("SAWT_SUBMIT_MAX_ATTEMPTS must be > 0")
	}
	if cfg.SubmitBackoff <= 0 {
		return Config{}, fmt.Errorf("SAWT_SUBMIT_BACKOFF must be > 0")
	}
	if cfg.SubmitTimeout <= 0 {
		return Config{}, fmt.Errorf("SAWT_SUBMIT_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(cfg.QueuePath) == "" {
		return Config{}, fmt.Errorf("SAWT_QUEUE_PATH must not be empty")
	}
	if cfg.ReplayInterval <= 0 {
		return Config{}, fmt.Errorf("SAWT_REPLAY_INTERVAL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SAWT_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SAWT_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
