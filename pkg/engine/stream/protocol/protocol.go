// Package protocol defines the JSON wire messages exchanged with the
// telephony gateway over a call's media stream connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	EncodingMULaw = "mulaw"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// MediaFormat describes the audio shape carried on the stream.
type MediaFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// DefaultMediaFormat returns the only format the engine accepts on the wire.
func DefaultMediaFormat() MediaFormat {
	return MediaFormat{Encoding: EncodingMULaw, SampleRateHz: 8000, Channels: 1}
}

// SetupCall identifies the physical call behind the stream.
type SetupCall struct {
	CallID    string `json:"call_id"`
	Direction string `json:"direction,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
}

// SetupAuth carries the in-band credential when the deployment uses
// setup-message authentication.
type SetupAuth struct {
	Token string `json:"token,omitempty"`
}

// SetupContext carries the survey context supplied by the call initiator.
// Custom is preserved verbatim and exposed to the call as an opaque bag.
type SetupContext struct {
	TemplateID string            `json:"template_id"`
	PatientID  string            `json:"patient_id,omitempty"`
	HospitalID string            `json:"hospital_id,omitempty"`
	CampaignID string            `json:"campaign_id,omitempty"`
	Custom     map[string]string `json:"custom,omitempty"`
}

// GatewaySetup is the first message on every stream.
type GatewaySetup struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Call            SetupCall    `json:"call"`
	Auth            *SetupAuth   `json:"auth,omitempty"`
	Context         SetupContext `json:"context"`
	Media           MediaFormat  `json:"media"`
}

// RedactedForLog returns a loggable view of the setup without the credential.
func (s GatewaySetup) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             s.Type,
		"protocol_version": s.ProtocolVersion,
		"call_id":          s.Call.CallID,
		"direction":        s.Call.Direction,
		"template_id":      s.Context.TemplateID,
		"campaign_id":      s.Context.CampaignID,
		"media":            s.Media,
		"has_token":        s.Auth != nil && strings.TrimSpace(s.Auth.Token) != "",
		"custom_keys":      len(s.Context.Custom),
	}
}

// GatewayAudioFrame carries one inbound frame of caller audio.
type GatewayAudioFrame struct {
	Type        string `json:"type"`
	Seq         int64  `json:"seq,omitempty"`
	TimestampMS *int64 `json:"timestamp_ms,omitempty"`
	Payload     string `json:"payload"`
}

// GatewaySpeechStarted signals that the caller began speaking while the
// engine was playing audio. Barge-in.
type GatewaySpeechStarted struct {
	Type        string `json:"type"`
	TimestampMS *int64 `json:"timestamp_ms,omitempty"`
}

// GatewayDTMF carries one touch-tone digit.
type GatewayDTMF struct {
	Type  string `json:"type"`
	Digit string `json:"digit"`
}

// GatewayMark acknowledges that all audio enqueued before the named mark
// request has been played out to the caller.
type GatewayMark struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// GatewayStop signals that the gateway is tearing the stream down.
type GatewayStop struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// UnknownMessage wraps a frame whose type the engine does not consume.
// Gateways add event types over time; these are ignored, not errors.
type UnknownMessage struct {
	Type string
}

// DecodeGatewayMessage parses one inbound frame. Malformed frames return a
// *DecodeError; frames of an unrecognized type decode to UnknownMessage.
func DecodeGatewayMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "setup":
		var msg GatewaySetup
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid setup frame", "")
		}
		if err := ValidateSetup(&msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio":
		var msg GatewayAudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.Payload) == "" {
			return nil, badRequest("audio.payload is required", "payload")
		}
		return msg, nil
	case "speech_started":
		var msg GatewaySpeechStarted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid speech_started frame", "")
		}
		return msg, nil
	case "dtmf":
		var msg GatewayDTMF
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid dtmf frame", "")
		}
		digit := strings.TrimSpace(msg.Digit)
		if len(digit) != 1 || !isDTMFDigit(digit[0]) {
			return nil, badRequest("dtmf.digit must be a single digit, *, or #", "digit")
		}
		msg.Digit = digit
		return msg, nil
	case "mark":
		var msg GatewayMark
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid mark frame", "")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badRequest("mark.name is required", "name")
		}
		return msg, nil
	case "stop":
		var msg GatewayStop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop frame", "")
		}
		return msg, nil
	default:
		return UnknownMessage{Type: typ}, nil
	}
}

func isDTMFDigit(b byte) bool {
	return (b >= '0' && b <= '9') || b == '*' || b == '#'
}

// ValidateSetup checks required setup fields and applies media defaults.
func ValidateSetup(msg *GatewaySetup) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("setup.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	if strings.TrimSpace(msg.Call.CallID) == "" {
		return badRequest("setup.call.call_id is required", "call.call_id")
	}
	direction := strings.TrimSpace(msg.Call.Direction)
	if direction == "" {
		direction = DirectionOutbound
	}
	switch direction {
	case DirectionInbound, DirectionOutbound:
		msg.Call.Direction = direction
	default:
		return badRequest("setup.call.direction must be inbound or outbound", "call.direction")
	}
	if strings.TrimSpace(msg.Context.TemplateID) == "" {
		return badRequest("setup.context.template_id is required", "context.template_id")
	}

	if strings.TrimSpace(msg.Media.Encoding) == "" {
		msg.Media = DefaultMediaFormat()
		return nil
	}
	if msg.Media.Encoding != EncodingMULaw {
		return unsupported("unsupported media encoding", "media.encoding")
	}
	if msg.Media.SampleRateHz != 8000 {
		return unsupported("unsupported sample rate", "media.sample_rate_hz")
	}
	if msg.Media.Channels != 1 {
		return unsupported("unsupported channel count", "media.channels")
	}
	return nil
}

// EngineReady acknowledges a successful handshake. Sent before any audio is
// accepted; the call cannot proceed without it.
type EngineReady struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	CallID          string      `json:"call_id"`
	Media           MediaFormat `json:"media"`
}

// EngineAudioFrame carries one outbound frame of prompt audio.
type EngineAudioFrame struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id"`
	Seq         int64  `json:"seq"`
	Payload     string `json:"payload"`
}

// EngineMark asks the gateway to acknowledge once all audio enqueued before
// this request has been played out.
type EngineMark struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// EngineClear tells the gateway to drop any audio it has buffered but not
// yet played. Sent on barge-in.
type EngineClear struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// EngineRedirect hands the call to a human agent queue.
type EngineRedirect struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// EngineHangup ends the call.
type EngineHangup struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// EngineError reports a protocol-level failure to the gateway.
type EngineError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Close   bool   `json:"close,omitempty"`
}
