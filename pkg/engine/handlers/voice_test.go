package handlers

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/sawt-health/sawt/pkg/core"
	"github.com/sawt-health/sawt/pkg/engine/calls"
	"github.com/sawt-health/sawt/pkg/engine/config"
	"github.com/sawt-health/sawt/pkg/engine/lifecycle"
)

func newVoiceHandler(cfg config.Config) (*VoiceHandler, *lifecycle.Lifecycle, *calls.Tracker) {
	lc := &lifecycle.Lifecycle{}
	tracker := calls.NewTracker()
	h := &VoiceHandler{
		Config:    cfg,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Lifecycle: lc,
		Calls:     tracker,
	}
	return h, lc, tracker
}

func postVoice(t *testing.T, h *VoiceHandler, target string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, vs := range header {
		for _, v := range vs {
			req.Header[k] = append(req.Header[k], v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func defaultVoiceForm() url.Values {
	return url.Values{
		"CallSid":    {"CA9f004400aa"},
		"AccountSid": {"AC11112222"},
		"From":       {"+96550001111"},
		"To":         {"+96550002222"},
	}
}

func TestVoiceHandler_RendersConnectStream(t *testing.T) {
	h, _, _ := newVoiceHandler(config.Config{
		PublicHost: "engine.sawt.example",
		MaxCalls:   4,
	})

	rec := postVoice(t, h, "/v1/voice?template_id=tpl_x&patient_id=pat_7", defaultVoiceForm(), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content-type=%q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"<Response>",
		"<Connect>",
		"<Stream",
		"wss://engine.sawt.example/v1/stream",
		"<Parameter",
		"template_id",
		"tpl_x",
		"patient_id",
		"pat_7",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "hospital_id") {
		t.Fatalf("unrequested parameter forwarded:\n%s", body)
	}
}

func TestVoiceHandler_RequiresTemplateID(t *testing.T) {
	h, _, _ := newVoiceHandler(config.Config{MaxCalls: 4})

	rec := postVoice(t, h, "/v1/voice", defaultVoiceForm(), nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var env struct {
		Error core.Error `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Param != "template_id" {
		t.Fatalf("param=%q", env.Error.Param)
	}
}

func TestVoiceHandler_BusyWhenDraining(t *testing.T) {
	h, lc, _ := newVoiceHandler(config.Config{MaxCalls: 4})
	lc.SetDraining(true)

	rec := postVoice(t, h, "/v1/voice?template_id=tpl_x", defaultVoiceForm(), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Hangup") {
		t.Fatalf("body missing hangup:\n%s", body)
	}
	if !strings.Contains(body, busyApology) {
		t.Fatalf("body missing apology:\n%s", body)
	}
	if strings.Contains(body, "<Connect") {
		t.Fatalf("draining webhook must not connect a stream:\n%s", body)
	}
}

func TestVoiceHandler_BusyAtCapacity(t *testing.T) {
	h, _, tracker := newVoiceHandler(config.Config{MaxCalls: 1})
	unregister := tracker.Register("vc_existing", calls.Handle{})
	defer unregister()

	rec := postVoice(t, h, "/v1/voice?template_id=tpl_x", defaultVoiceForm(), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Hangup") || strings.Contains(body, "<Connect") {
		t.Fatalf("expected busy response:\n%s", body)
	}
}

func TestVoiceHandler_MethodNotAllowed(t *testing.T) {
	h, _, _ := newVoiceHandler(config.Config{MaxCalls: 4})

	req := httptest.NewRequest(http.MethodGet, "/v1/voice?template_id=tpl_x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rec.Code)
	}
}

func twilioSign(t *testing.T, token, fullURL string, form url.Values) string {
	t.Helper()
	names := make([]string, 0, len(form))
	for name := range form {
		names = append(names, name)
	}
	sort.Strings(names)
	payload := fullURL
	for _, name := range names {
		payload += name + form.Get(name)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVoiceHandler_SignatureValidation(t *testing.T) {
	cfg := config.Config{
		PublicHost:      "engine.sawt.example",
		TwilioAuthToken: "tw_secret",
		MaxCalls:        4,
	}
	form := defaultVoiceForm()
	fullURL := "https://engine.sawt.example/v1/voice?template_id=tpl_x"

	t.Run("valid signature accepted", func(t *testing.T) {
		h, _, _ := newVoiceHandler(cfg)
		header := http.Header{}
		header.Set("X-Twilio-Signature", twilioSign(t, "tw_secret", fullURL, form))

		rec := postVoice(t, h, "/v1/voice?template_id=tpl_x", form, header)
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "<Connect>") {
			t.Fatalf("expected stream connect:\n%s", rec.Body.String())
		}
	})

	t.Run("wrong signature rejected", func(t *testing.T) {
		h, _, _ := newVoiceHandler(cfg)
		header := http.Header{}
		header.Set("X-Twilio-Signature", "bm90IGEgcmVhbCBzaWduYXR1cmU=")

		rec := postVoice(t, h, "/v1/voice?template_id=tpl_x", form, header)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var env struct {
			Error core.Error `json:"error"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Error.Type != core.ErrAuthentication {
			t.Fatalf("error type=%q", env.Error.Type)
		}
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		h, _, _ := newVoiceHandler(cfg)

		rec := postVoice(t, h, "/v1/voice?template_id=tpl_x", form, nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}
