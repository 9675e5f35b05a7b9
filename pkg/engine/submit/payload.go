// Package submit aggregates a finished call's responses into a submission
// payload and delivers it to the downstream response store. Delivery is
// at-least-once with bounded retries; an idempotency key computed from the
// answer set lets the store collapse duplicates, and a durable on-disk
// queue catches submissions that exhaust their attempts.
package submit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/sawt-health/sawt/pkg/core/survey"
	"github.com/sawt-health/sawt/pkg/engine/call"
)

// Payload is the aggregate sent to the response store for one call.
type Payload struct {
	SessionID  string            `json:"session_id"`
	CallID     string            `json:"call_id"`
	TemplateID string            `json:"template_id"`
	PatientID  string            `json:"patient_id,omitempty"`
	HospitalID string            `json:"hospital_id,omitempty"`
	CampaignID string            `json:"campaign_id,omitempty"`
	Custom     map[string]string `json:"custom,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`
	EndReason  string    `json:"end_reason"`
	Completed  bool      `json:"completed"`
	Escalated  bool      `json:"escalated"`
	BargeIns   int       `json:"barge_ins"`

	QuestionCount int                     `json:"question_count"`
	AnsweredCount int                     `json:"answered_question_count"`
	Records       []survey.ResponseRecord `json:"records"`

	// IdempotencyKey fingerprints the logical content above. It is computed
	// once when the payload is built and reused across every delivery
	// attempt, so the store sees retries as duplicates of one submission.
	IdempotencyKey string `json:"idempotency_key"`
}

// BuildPayload flattens a call outcome into the submission payload and
// computes its idempotency key.
func BuildPayload(o *call.Outcome) *Payload {
	answered := 0
	for _, r := range o.Records {
		if r.Value != nil {
			answered++
		}
	}

	p := &Payload{
		SessionID:     o.SessionID,
		CallID:        o.CallID,
		TemplateID:    o.TemplateID,
		PatientID:     o.PatientID,
		HospitalID:    o.HospitalID,
		CampaignID:    o.CampaignID,
		Custom:        o.Custom,
		StartedAt:     o.StartedAt,
		EndedAt:       o.EndedAt,
		DurationMs:    o.EndedAt.Sub(o.StartedAt).Milliseconds(),
		EndReason:     string(o.Reason),
		Completed:     o.Completed,
		Escalated:     o.Escalated,
		BargeIns:      o.BargeIns,
		QuestionCount: o.QuestionCount,
		AnsweredCount: answered,
		Records:       o.Records,
	}
	p.IdempotencyKey = idempotencyKey(o.TemplateID, o.CallID, o.SessionID, o.Records)
	return p
}

// idempotencyKey hashes the template id, the call identifiers, and the
// ordered normalized answer values. Two payloads for the same logical
// submission hash identically; any change to the answer set changes it.
// Transcripts, confidences, and timing are deliberately excluded.
func idempotencyKey(templateID, callID, sessionID string, records []survey.ResponseRecord) string {
	var b strings.Builder
	b.WriteString(templateID)
	b.WriteByte('\n')
	b.WriteString(callID)
	b.WriteByte('\n')
	b.WriteString(sessionID)
	b.WriteByte('\n')
	for _, r := range records {
		b.WriteString(strconv.Itoa(r.QuestionPosition))
		b.WriteByte('=')
		b.WriteString(r.Value.Canonical())
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
