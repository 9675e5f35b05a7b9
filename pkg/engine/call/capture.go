package call

import (
	"time"

	"github.com/sawt-health/sawt/pkg/core/audio"
)

type captureState int

const (
	captureWaiting captureState = iota
	captureHearing
	captureComplete
	captureNoInput
)

type captureConfig struct {
	// NoInputWindow is how long to wait for the first voiced frame.
	NoInputWindow time.Duration
	// SilenceWindow is the trailing silence that ends an answer.
	SilenceWindow time.Duration
	// MaxDuration caps a single answer once voice has started.
	MaxDuration time.Duration
	// VoiceRMSThreshold is the 16-bit RMS level that counts as speech.
	VoiceRMSThreshold float64
}

func (c captureConfig) withDefaults() captureConfig {
	if c.NoInputWindow <= 0 {
		c.NoInputWindow = 6 * time.Second
	}
	if c.SilenceWindow <= 0 {
		c.SilenceWindow = 1200 * time.Millisecond
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 30 * time.Second
	}
	if c.VoiceRMSThreshold <= 0 {
		c.VoiceRMSThreshold = 900
	}
	return c
}

// answerCapture accumulates caller audio for one answer and decides when the
// caller has finished speaking. Fed from the session goroutine only.
type answerCapture struct {
	cfg captureConfig
	buf *audio.Buffer

	startedAt    time.Time
	heardVoice   bool
	firstVoiceAt time.Time
	lastVoiceAt  time.Time
}

func newAnswerCapture(cfg captureConfig, now time.Time) *answerCapture {
	cfg = cfg.withDefaults()
	maxMS := int(cfg.MaxDuration/time.Millisecond) + int(cfg.NoInputWindow/time.Millisecond)
	return &answerCapture{
		cfg:       cfg,
		buf:       audio.NewBuffer(audio.PCMFormat(), maxMS),
		startedAt: now,
	}
}

// Feed appends one PCM frame and updates the voice activity clock.
func (c *answerCapture) Feed(pcm []byte, now time.Time) {
	if c == nil || len(pcm) == 0 {
		return
	}
	c.buf.Write(pcm)
	if audio.RMSEnergy(pcm) >= c.cfg.VoiceRMSThreshold {
		if !c.heardVoice {
			c.heardVoice = true
			c.firstVoiceAt = now
		}
		c.lastVoiceAt = now
	}
}

// State reports where the capture stands at the given instant.
func (c *answerCapture) State(now time.Time) captureState {
	if c == nil {
		return captureWaiting
	}
	if !c.heardVoice {
		if now.Sub(c.startedAt) >= c.cfg.NoInputWindow {
			return captureNoInput
		}
		return captureWaiting
	}
	if now.Sub(c.firstVoiceAt) >= c.cfg.MaxDuration {
		return captureComplete
	}
	if now.Sub(c.lastVoiceAt) >= c.cfg.SilenceWindow {
		return captureComplete
	}
	return captureHearing
}

// Audio returns the captured PCM so far.
func (c *answerCapture) Audio() []byte {
	if c == nil {
		return nil
	}
	return c.buf.Bytes()
}

// VoicedMS returns the span from first to last voiced frame.
func (c *answerCapture) VoicedMS() int64 {
	if c == nil || !c.heardVoice {
		return 0
	}
	return c.lastVoiceAt.Sub(c.firstVoiceAt).Milliseconds()
}

func (c *answerCapture) HeardVoice() bool {
	return c != nil && c.heardVoice
}
