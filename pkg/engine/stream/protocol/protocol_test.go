package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeGatewayMessage_Setup(t *testing.T) {
	raw := []byte(`{
		"type":"setup",
		"protocol_version":"1",
		"call":{"call_id":"CA7731","direction":"outbound","from":"+966500000001","to":"+966500000002"},
		"auth":{"token":"tok-secret"},
		"context":{"template_id":"tmpl_discharge_v2","patient_id":"pat_19","hospital_id":"hosp_riyadh","custom":{"ward":"B4"}},
		"media":{"encoding":"mulaw","sample_rate_hz":8000,"channels":1}
	}`)

	msg, err := DecodeGatewayMessage(raw)
	if err != nil {
		t.Fatalf("DecodeGatewayMessage() error = %v", err)
	}
	setup, ok := msg.(GatewaySetup)
	if !ok {
		t.Fatalf("decoded type = %T, want GatewaySetup", msg)
	}
	if setup.Call.CallID != "CA7731" {
		t.Fatalf("call_id=%q", setup.Call.CallID)
	}
	if setup.Context.TemplateID != "tmpl_discharge_v2" {
		t.Fatalf("template_id=%q", setup.Context.TemplateID)
	}
	if setup.Context.Custom["ward"] != "B4" {
		t.Fatalf("custom=%v", setup.Context.Custom)
	}
}

func TestDecodeGatewayMessage_SetupDefaultsMedia(t *testing.T) {
	raw := []byte(`{
		"type":"setup",
		"protocol_version":"1",
		"call":{"call_id":"CA1"},
		"context":{"template_id":"tmpl_1"}
	}`)

	msg, err := DecodeGatewayMessage(raw)
	if err != nil {
		t.Fatalf("DecodeGatewayMessage() error = %v", err)
	}
	setup := msg.(GatewaySetup)
	if setup.Media != DefaultMediaFormat() {
		t.Fatalf("media=%+v", setup.Media)
	}
	if setup.Call.Direction != DirectionOutbound {
		t.Fatalf("direction=%q", setup.Call.Direction)
	}
}

func TestDecodeGatewayMessage_SetupMissingRequired(t *testing.T) {
	raw := []byte(`{"type":"setup","protocol_version":"1","call":{"call_id":"CA1"}}`)
	_, err := DecodeGatewayMessage(raw)
	if err == nil {
		t.Fatalf("expected error")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Code != "bad_request" {
		t.Fatalf("code=%q", decErr.Code)
	}
	if decErr.Param != "context.template_id" {
		t.Fatalf("param=%q", decErr.Param)
	}
}

func TestDecodeGatewayMessage_SetupUnsupportedEncoding(t *testing.T) {
	raw := []byte(`{
		"type":"setup",
		"protocol_version":"1",
		"call":{"call_id":"CA1"},
		"context":{"template_id":"tmpl_1"},
		"media":{"encoding":"pcm_s16le","sample_rate_hz":8000,"channels":1}
	}`)
	_, err := DecodeGatewayMessage(raw)
	if err == nil {
		t.Fatalf("expected error")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Code != "unsupported" {
		t.Fatalf("code=%q", decErr.Code)
	}
}

func TestDecodeGatewayMessage_Audio(t *testing.T) {
	raw := []byte(`{"type":"audio","seq":42,"payload":"//79"}`)
	msg, err := DecodeGatewayMessage(raw)
	if err != nil {
		t.Fatalf("DecodeGatewayMessage() error = %v", err)
	}
	frame, ok := msg.(GatewayAudioFrame)
	if !ok {
		t.Fatalf("decoded type = %T, want GatewayAudioFrame", msg)
	}
	if frame.Seq != 42 || frame.Payload != "//79" {
		t.Fatalf("frame=%+v", frame)
	}
}

func TestDecodeGatewayMessage_AudioMissingPayload(t *testing.T) {
	raw := []byte(`{"type":"audio","seq":1}`)
	_, err := DecodeGatewayMessage(raw)
	if err == nil {
		t.Fatalf("expected error")
	}
	decErr := err.(*DecodeError)
	if decErr.Param != "payload" {
		t.Fatalf("param=%q", decErr.Param)
	}
}

func TestDecodeGatewayMessage_DTMF(t *testing.T) {
	for _, digit := range []string{"0", "9", "*", "#", " 5 "} {
		raw := []byte(`{"type":"dtmf","digit":"` + digit + `"}`)
		msg, err := DecodeGatewayMessage(raw)
		if err != nil {
			t.Fatalf("digit %q: error = %v", digit, err)
		}
		dtmf := msg.(GatewayDTMF)
		if dtmf.Digit != strings.TrimSpace(digit) {
			t.Fatalf("digit %q decoded to %q", digit, dtmf.Digit)
		}
	}
}

func TestDecodeGatewayMessage_DTMFRejectsNonDigit(t *testing.T) {
	for _, digit := range []string{"", "12", "a", "A"} {
		raw := []byte(`{"type":"dtmf","digit":"` + digit + `"}`)
		_, err := DecodeGatewayMessage(raw)
		if err == nil {
			t.Fatalf("digit %q: expected error", digit)
		}
	}
}

func TestDecodeGatewayMessage_Mark(t *testing.T) {
	raw := []byte(`{"type":"mark","name":"q_2"}`)
	msg, err := DecodeGatewayMessage(raw)
	if err != nil {
		t.Fatalf("DecodeGatewayMessage() error = %v", err)
	}
	mark := msg.(GatewayMark)
	if mark.Name != "q_2" {
		t.Fatalf("name=%q", mark.Name)
	}
}

func TestDecodeGatewayMessage_UnknownTypeIgnored(t *testing.T) {
	raw := []byte(`{"type":"connected","streamSid":"MZ123"}`)
	msg, err := DecodeGatewayMessage(raw)
	if err != nil {
		t.Fatalf("DecodeGatewayMessage() error = %v", err)
	}
	unknown, ok := msg.(UnknownMessage)
	if !ok {
		t.Fatalf("decoded type = %T, want UnknownMessage", msg)
	}
	if unknown.Type != "connected" {
		t.Fatalf("type=%q", unknown.Type)
	}
}

func TestDecodeGatewayMessage_MalformedJSON(t *testing.T) {
	_, err := DecodeGatewayMessage([]byte(`{"type":`))
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("err type = %T", err)
	}
}

func TestSetupRedaction(t *testing.T) {
	setup := GatewaySetup{
		Type:            "setup",
		ProtocolVersion: "1",
		Call:            SetupCall{CallID: "CA1", Direction: DirectionOutbound, From: "+966500000001"},
		Auth:            &SetupAuth{Token: "tok-secret"},
		Context: SetupContext{
			TemplateID: "tmpl_1",
			Custom:     map[string]string{"mrn": "secret-mrn"},
		},
		Media: DefaultMediaFormat(),
	}

	redacted := setup.RedactedForLog()
	blob, err := json.Marshal(redacted)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(blob), "secret") {
		t.Fatalf("redacted payload leaked secret: %s", string(blob))
	}
	if !strings.Contains(string(blob), "has_token") {
		t.Fatalf("expected has_token in redacted payload: %s", string(blob))
	}
}

func TestValidateSetup_BadDirection(t *testing.T) {
	msg := GatewaySetup{
		Type:            "setup",
		ProtocolVersion: "1",
		Call:            SetupCall{CallID: "CA1", Direction: "sideways"},
		Context:         SetupContext{TemplateID: "tmpl_1"},
	}
	err := ValidateSetup(&msg)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateSetup_WrongVersion(t *testing.T) {
	msg := GatewaySetup{
		Type:            "setup",
		ProtocolVersion: "2",
		Call:            SetupCall{CallID: "CA1"},
		Context:         SetupContext{TemplateID: "tmpl_1"},
	}
	err := ValidateSetup(&msg)
	if err == nil {
		t.Fatal("expected error")
	}
	decErr := err.(*DecodeError)
	if decErr.Code != "unsupported" {
		t.Fatalf("code=%q", decErr.Code)
	}
}
