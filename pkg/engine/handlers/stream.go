package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sawt-health/sawt/pkg/core"
	"github.com/sawt-health/sawt/pkg/core/survey"
	"github.com/sawt-health/sawt/pkg/core/voice/stt"
	"github.com/sawt-health/sawt/pkg/core/voice/tts"
	"github.com/sawt-health/sawt/pkg/engine/auth"
	"github.com/sawt-health/sawt/pkg/engine/call"
	"github.com/sawt-health/sawt/pkg/engine/calls"
	"github.com/sawt-health/sawt/pkg/engine/config"
	"github.com/sawt-health/sawt/pkg/engine/lifecycle"
	"github.com/sawt-health/sawt/pkg/engine/metrics"
	"github.com/sawt-health/sawt/pkg/engine/mw"
	"github.com/sawt-health/sawt/pkg/engine/stream/protocol"
	"github.com/sawt-health/sawt/pkg/engine/submit"
)

// TemplateSource loads the survey script named by a setup message.
type TemplateSource interface {
	Template(ctx context.Context, id string) (*survey.Template, error)
}

// StreamHandler handles /v1/stream media-stream websocket sessions. One
// connection is one call: it validates the setup handshake, then hands the
// socket to a call actor and submits whatever outcome the call produces.
type StreamHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Calls     *calls.Tracker
	Templates TemplateSource
	STT       stt.Provider
	TTS       tts.Provider
	Submitter *submit.Submitter
	Metrics   *metrics.Metrics

	// Now is overridable for tests.
	Now func() time.Time
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrProtocol, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	// In header mode the credential rides the upgrade request, so it is
	// checked before any stream message is read.
	if h.Config.AuthMode == config.AuthModeHeader {
		token, _ := auth.ParseBearer(r)
		if err := auth.Verify(token, h.Config.GatewayTokens); err != nil {
			h.recordHandshake("rejected_auth")
			writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAuthentication, Message: err.Error(), Code: "unauthorized"}, http.StatusUnauthorized)
			return
		}
	}
	if h.Lifecycle.IsDraining() {
		h.recordHandshake("rejected_draining")
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrCapacity, Message: "engine is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if h.Config.MaxCalls > 0 && h.Calls.Count() >= h.Config.MaxCalls {
		h.recordHandshake("rejected_capacity")
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrCapacity, Message: "engine at call capacity", Code: "call_cap_reached"}, http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.recordHandshake("rejected_upgrade")
		return
	}
	defer conn.Close()

	if h.Config.MaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.recordHandshake("rejected_setup")
		h.writeWSError(conn, "bad_request", "failed to read setup", "")
		return
	}
	if messageType != websocket.TextMessage {
		h.recordHandshake("rejected_setup")
		h.writeWSError(conn, "bad_request", "first frame must be setup", "")
		return
	}

	decoded, err := protocol.DecodeGatewayMessage(firstFrame)
	if err != nil {
		h.recordHandshake("rejected_setup")
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			h.writeWSError(conn, decodeErr.Code, decodeErr.Message, decodeErr.Param)
		} else {
			h.writeWSError(conn, "bad_request", "invalid setup frame", "")
		}
		return
	}
	setup, ok := decoded.(protocol.GatewaySetup)
	if !ok {
		h.recordHandshake("rejected_setup")
		h.writeWSError(conn, "bad_request", "first frame must be setup", "type")
		return
	}

	if err := h.authorize(setup); err != nil {
		h.recordHandshake("rejected_auth")
		h.writeWSError(conn, "unauthorized", err.Error(), "")
		return
	}

	tctx, cancelFetch := context.WithTimeout(r.Context(), handshakeTimeout)
	template, err := h.Templates.Template(tctx, setup.Context.TemplateID)
	cancelFetch()
	if err != nil {
		h.recordHandshake("rejected_template")
		h.logger().Warn("template fetch failed",
			"request_id", reqID,
			"call_id", setup.Call.CallID,
			"template_id", setup.Context.TemplateID,
			"error", err,
		)
		h.writeWSError(conn, "template_error", fmt.Sprintf("template %q unavailable", setup.Context.TemplateID), "context.template_id")
		return
	}

	now := h.Now
	if now == nil {
		now = time.Now
	}
	startAt := now()

	sessionID := "vc_" + randHex(8)
	c, err := call.New(call.Dependencies{
		Conn:      conn,
		Logger:    h.logger(),
		STT:       h.STT,
		TTS:       h.TTS,
		Template:  template,
		Setup:     setup,
		SessionID: sessionID,
		RequestID: reqID,
		StartTime: startAt,
		Now:       now,
		Config: call.Config{
			MaxAudioFrameBytes:   h.Config.MaxAudioFrameBytes,
			MaxJSONMessageBytes:  h.Config.MaxJSONMessageBytes,
			PingInterval:         h.Config.WSPingInterval,
			WriteTimeout:         h.Config.WSWriteTimeout,
			ReadTimeout:          h.Config.WSReadTimeout,
			SilenceWindow:        h.Config.SilenceWindow,
			MaxUtteranceDuration: h.Config.MaxUtteranceDuration,
			ProcessingTimeout:    h.Config.ProcessingTimeout,
			MarkWait:             h.Config.MarkWait,
			MaxCallDuration:      h.Config.MaxCallDuration,
			RetryBudget:          h.Config.RetryBudget,
			MinAnswerConfidence:  h.Config.MinAnswerConfidence,
			VoiceRMSThreshold:    float64(h.Config.VoiceRMSThreshold),
			Voice:                h.Config.Voice,
			Language:             h.Config.Language,
			EscalationTarget:     h.Config.EscalationTarget,
		},
	})
	if err != nil {
		h.recordHandshake("rejected_internal")
		h.writeWSError(conn, "internal", "failed to initialize call", "")
		return
	}

	ready := protocol.EngineReady{
		Type:            "ready",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       sessionID,
		CallID:          setup.Call.CallID,
		Media:           setup.Media,
	}
	if err := conn.WriteJSON(ready); err != nil {
		h.recordHandshake("rejected_transport")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	h.recordHandshake("accepted")
	h.logger().Info("call started",
		"session_id", sessionID,
		"request_id", reqID,
		"call_id", setup.Call.CallID,
		"template_id", setup.Context.TemplateID,
		"direction", setup.Call.Direction,
	)

	if h.Metrics != nil {
		h.Metrics.RecordCallStart()
	}
	unregister := func() {}
	if h.Calls != nil {
		unregister = h.Calls.Register(sessionID, calls.Handle{Cancel: c.Cancel, Warn: c.Warn})
	}

	outcome, runErr := c.Run()
	unregister()
	if runErr != nil {
		h.logger().Warn("call ended with error", "session_id", sessionID, "request_id", reqID, "error", runErr)
	}
	if outcome == nil {
		if h.Metrics != nil {
			h.Metrics.RecordCallEnd(string(call.EndTransportError), now().Sub(startAt))
		}
		return
	}

	if h.Metrics != nil {
		h.Metrics.RecordCallEnd(string(outcome.Reason), outcome.EndedAt.Sub(outcome.StartedAt))
		h.Metrics.RecordQuestions(len(outcome.Records))
		h.Metrics.RecordBargeIns(outcome.BargeIns)
	}
	h.logger().Info("call ended",
		"session_id", sessionID,
		"request_id", reqID,
		"call_id", outcome.CallID,
		"reason", outcome.Reason,
		"completed", outcome.Completed,
		"escalated", outcome.Escalated,
		"questions", len(outcome.Records),
		"barge_ins", outcome.BargeIns,
		"duration_ms", outcome.EndedAt.Sub(outcome.StartedAt).Milliseconds(),
	)

	if h.Submitter != nil {
		h.Submitter.SubmitAsync(submit.BuildPayload(outcome))
	}
}

// authorize checks the in-band credential from the setup message. Header
// mode was already validated before the upgrade; setup mode only accepts
// the token carried on the setup frame.
func (h StreamHandler) authorize(setup protocol.GatewaySetup) error {
	switch h.Config.AuthMode {
	case config.AuthModeDisabled, config.AuthModeHeader:
		return nil
	case config.AuthModeSetup:
	default:
		return fmt.Errorf("invalid auth mode")
	}

	token := ""
	if setup.Auth != nil {
		token = strings.TrimSpace(setup.Auth.Token)
	}
	return auth.Verify(token, h.Config.GatewayTokens)
}

func (h StreamHandler) writeWSError(conn *websocket.Conn, code, message, param string) {
	_ = conn.WriteJSON(protocol.EngineError{Type: "error", Code: code, Message: message, Param: param, Close: true})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}

func (h StreamHandler) recordHandshake(outcome string) {
	if h.Metrics != nil {
		h.Metrics.RecordHandshake(outcome)
	}
}

func (h StreamHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
