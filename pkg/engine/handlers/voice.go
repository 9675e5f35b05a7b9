package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"

	"github.com/sawt-health/sawt/pkg/core"
	"github.com/sawt-health/sawt/pkg/engine/calls"
	"github.com/sawt-health/sawt/pkg/engine/config"
	"github.com/sawt-health/sawt/pkg/engine/lifecycle"
	"github.com/sawt-health/sawt/pkg/engine/mw"
)

const busyApology = "عذراً، لا يمكننا إجراء الاستبيان الآن. سنعاود الاتصال بكم لاحقاً. شكراً لكم."

// VoiceHandler answers telephony voice webhooks with TwiML that connects the
// call's media stream to this engine's stream endpoint. The survey context
// arrives as query parameters set by the call initiator and is forwarded to
// the stream as parameters.
type VoiceHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Calls     *calls.Tracker
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodPost {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrProtocol, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrProtocol, Message: "invalid form body"}, http.StatusBadRequest)
		return
	}
	if !h.signatureValid(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAuthentication, Message: "invalid webhook signature", Param: "X-Twilio-Signature"}, http.StatusForbidden)
		return
	}

	templateID := strings.TrimSpace(r.URL.Query().Get("template_id"))
	if templateID == "" {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrProtocol, Message: "template_id query parameter is required", Param: "template_id"}, http.StatusBadRequest)
		return
	}

	if h.Lifecycle.IsDraining() || (h.Config.MaxCalls > 0 && h.Calls.Count() >= h.Config.MaxCalls) {
		h.renderTwiML(w, reqID, []twiml.Element{
			&twiml.VoiceSay{Message: busyApology},
			&twiml.VoiceHangup{},
		})
		return
	}

	params := []twiml.Element{
		&twiml.VoiceParameter{Name: "template_id", Value: templateID},
	}
	for _, name := range []string{"patient_id", "hospital_id", "campaign_id"} {
		if v := strings.TrimSpace(r.URL.Query().Get(name)); v != "" {
			params = append(params, &twiml.VoiceParameter{Name: name, Value: v})
		}
	}

	stream := &twiml.VoiceStream{
		Url:           h.streamURL(r),
		InnerElements: params,
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	h.renderTwiML(w, reqID, []twiml.Element{connect})

	if h.Logger != nil {
		h.Logger.Info("voice webhook answered",
			"request_id", reqID,
			"call_sid", r.PostFormValue("CallSid"),
			"template_id", templateID,
		)
	}
}

// signatureValid checks X-Twilio-Signature against the auth token. Webhooks
// are accepted unchecked when no token is configured.
func (h VoiceHandler) signatureValid(r *http.Request) bool {
	token := strings.TrimSpace(h.Config.TwilioAuthToken)
	if token == "" {
		return true
	}

	params := make(map[string]string, len(r.PostForm))
	for name, values := range r.PostForm {
		if len(values) > 0 {
			params[name] = values[0]
		}
	}

	validator := twilioclient.NewRequestValidator(token)
	return validator.Validate(h.webhookURL(r), params, r.Header.Get("X-Twilio-Signature"))
}

// webhookURL reconstructs the URL the telephony provider signed.
func (h VoiceHandler) webhookURL(r *http.Request) string {
	host := strings.TrimSpace(h.Config.PublicHost)
	if host == "" {
		host = r.Host
	}
	return "https://" + host + r.URL.RequestURI()
}

func (h VoiceHandler) streamURL(r *http.Request) string {
	host := strings.TrimSpace(h.Config.PublicHost)
	if host == "" {
		host = r.Host
	}
	return (&url.URL{Scheme: "wss", Host: host, Path: "/v1/stream"}).String()
}

func (h VoiceHandler) renderTwiML(w http.ResponseWriter, reqID string, verbs []twiml.Element) {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInternal, Message: "failed to render voice response"}, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}
