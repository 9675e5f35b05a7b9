// Package survey defines the survey script model and the pure normalization
// logic that maps raw transcripts to canonical answer values.
package survey

import (
	"context"
	"time"
)

// QuestionType categorizes how a question's answers are interpreted.
type QuestionType string

const (
	QuestionYesNo    QuestionType = "yes_no"
	QuestionRating   QuestionType = "rating"
	QuestionOpenText QuestionType = "open_text"
)

const (
	minPauseSeconds = 1
	maxPauseSeconds = 30
)

// Question is one step of a survey script. Immutable once loaded.
type Question struct {
	// Position is the zero-based order within the template.
	Position int `json:"position"`

	// Text is the prompt spoken to the caller.
	Text string `json:"text"`

	// ClarifyText is spoken instead of Text on retries. Empty means the
	// template's default clarification applies.
	ClarifyText string `json:"clarify_text,omitempty"`

	Type QuestionType `json:"type"`

	// Vocabulary lists accepted responses for open-text questions.
	Vocabulary []string `json:"vocabulary,omitempty"`

	// PauseSeconds is how long to listen for an answer, bounded to [1,30].
	PauseSeconds int `json:"pause_seconds"`

	// RatingMin and RatingMax bound rating answers. Zero values mean 1..5.
	RatingMin int `json:"rating_min,omitempty"`
	RatingMax int `json:"rating_max,omitempty"`

	// Critical marks answers for downstream follow-up when they match the
	// escalation condition.
	Critical bool `json:"critical,omitempty"`
}

// PauseWindow returns the listening window for this question, clamped to
// the allowed range.
func (q Question) PauseWindow() time.Duration {
	s := q.PauseSeconds
	if s < minPauseSeconds {
		s = minPauseSeconds
	}
	if s > maxPauseSeconds {
		s = maxPauseSeconds
	}
	return time.Duration(s) * time.Second
}

// RatingRange returns the inclusive bounds for rating answers.
func (q Question) RatingRange() (int, int) {
	if q.RatingMin == 0 && q.RatingMax == 0 {
		return 1, 5
	}
	return q.RatingMin, q.RatingMax
}

// Template is the full survey script for one campaign.
type Template struct {
	ID        string     `json:"id"`
	Language  string     `json:"language,omitempty"`
	Greeting  string     `json:"greeting"`
	Goodbye   string     `json:"goodbye"`
	Branding  string     `json:"branding,omitempty"`
	Clarify   string     `json:"clarify,omitempty"`
	Handoff   string     `json:"handoff,omitempty"`
	Questions []Question `json:"questions"`
}

// ClarifyFor returns the clarification prompt for a question retry.
func (t *Template) ClarifyFor(q Question) string {
	if q.ClarifyText != "" {
		return q.ClarifyText
	}
	if t.Clarify != "" {
		return t.Clarify + " " + q.Text
	}
	return q.Text
}

// Source loads survey templates by id.
type Source interface {
	Template(ctx context.Context, id string) (*Template, error)
}

// AnswerSource records how a response was captured.
type AnswerSource string

const (
	SourceVoice AnswerSource = "voice"
	SourceDTMF  AnswerSource = "dtmf"
)

// ResponseRecord is one captured answer. Immutable once appended to a call's
// response list.
type ResponseRecord struct {
	QuestionPosition int          `json:"question_position"`
	Transcript       string       `json:"transcript"`
	Value            *Value       `json:"value"`
	Confidence       float64      `json:"confidence"`
	CaptureLatencyMs int          `json:"capture_latency_ms"`
	Retries          int          `json:"retries"`
	Source           AnswerSource `json:"source"`
	Escalated        bool         `json:"escalated,omitempty"`
}

// ShouldEscalate reports whether a critical question's answer matches the
// escalation condition: a negative on a yes/no check, or a rating in the
// bottom two values of its range.
func ShouldEscalate(q Question, v *Value) bool {
	if !q.Critical || v == nil {
		return false
	}
	switch q.Type {
	case QuestionYesNo:
		return v.Polarity == Negative
	case QuestionRating:
		min, _ := q.RatingRange()
		return v.Rating <= min+1
	default:
		return false
	}
}
