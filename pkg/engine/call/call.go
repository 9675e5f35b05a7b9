// Package call runs one survey call over a gateway media stream: it speaks
// the script, captures answers, normalizes them, and produces the outcome
// handed to submission.
package call

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sawt-health/sawt/pkg/core/audio"
	"github.com/sawt-health/sawt/pkg/core/survey"
	"github.com/sawt-health/sawt/pkg/core/voice"
	"github.com/sawt-health/sawt/pkg/core/voice/stt"
	"github.com/sawt-health/sawt/pkg/core/voice/tts"
	"github.com/sawt-health/sawt/pkg/engine/stream/protocol"
)

const (
	maxCanceledUtteranceIDs   = 64
	outboundPriorityQueueSize = 8

	defaultHandoff = "سننقلك الآن إلى أحد موظفينا. شكراً لك."
)

var errBackpressure = errors.New("call outbound backpressure")

// Phase is the observable stage of a call.
type Phase string

const (
	PhaseReady      Phase = "ready"
	PhaseGreeting   Phase = "greeting"
	PhaseAsking     Phase = "asking"
	PhaseListening  Phase = "listening"
	PhaseProcessing Phase = "processing"
	PhaseGoodbye    Phase = "goodbye"
	PhaseTerminated Phase = "terminated"
)

// EndReason records why a call left the engine.
type EndReason string

const (
	EndCompleted      EndReason = "completed"
	EndCallerHangup   EndReason = "caller_hangup"
	EndEscalated      EndReason = "escalated"
	EndDraining       EndReason = "draining"
	EndMaxDuration    EndReason = "max_duration"
	EndProtocolError  EndReason = "protocol_error"
	EndSpeechError    EndReason = "speech_error"
	EndTransportError EndReason = "transport_error"
	EndCanceled       EndReason = "canceled"
)

// Outcome is the terminal result of one call, complete or partial.
type Outcome struct {
	SessionID     string
	CallID        string
	TemplateID    string
	PatientID     string
	HospitalID    string
	CampaignID    string
	Custom        map[string]string
	StartedAt     time.Time
	EndedAt       time.Time
	Reason        EndReason
	Completed     bool
	Escalated     bool
	QuestionCount int
	BargeIns      int
	Records       []survey.ResponseRecord
}

type Config struct {
	FrameMS              int
	MaxAudioFrameBytes   int
	MaxJSONMessageBytes  int64
	OutboundQueueSize    int
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	SilenceWindow        time.Duration
	MaxUtteranceDuration time.Duration
	ProcessingTimeout    time.Duration
	MarkWait             time.Duration
	MaxCallDuration      time.Duration
	RetryBudget          int
	MinAnswerConfidence  float64
	VoiceRMSThreshold    float64
	Voice                string
	Language             string
	EscalationTarget     string
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	STT       stt.Provider
	TTS       tts.Provider
	Template  *survey.Template
	Setup     protocol.GatewaySetup
	SessionID string
	RequestID string
	Config    Config
	StartTime time.Time
	Now       func() time.Time
}

// Call is the per-connection actor. All state transitions happen on the Run
// goroutine; Warn and Cancel are the only cross-goroutine entry points.
type Call struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	sttp      stt.Provider
	ttsp      tts.Provider
	template  *survey.Template
	setup     protocol.GatewaySetup
	sessionID string
	requestID string
	cfg       Config
	startTime time.Time
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	canceledUtterances atomic.Value // canceledUtteranceState
	utteranceCounter   atomic.Int64
	phase              atomic.Value // Phase

	warnCh chan string
}

type outboundFrame struct {
	isPromptAudio bool
	utteranceID   string
	textPayload   []byte
}

type canceledUtteranceState struct {
	set   map[string]struct{}
	order []string
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type utterancePurpose int

const (
	purposeGreeting utterancePurpose = iota
	purposeQuestion
	purposeGoodbye
	purposeHandoff
)

func (p utterancePurpose) String() string {
	switch p {
	case purposeGreeting:
		return "greeting"
	case purposeQuestion:
		return "question"
	case purposeGoodbye:
		return "goodbye"
	case purposeHandoff:
		return "handoff"
	}
	return "unknown"
}

type speakResult struct {
	utteranceID string
	completed   bool
	canceled    bool
	sentMS      int64
	err         error
}

type transcribeResult struct {
	qIndex     int
	transcript *stt.Transcript
	err        error
}

func New(deps Dependencies) (*Call, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.STT == nil {
		return nil, fmt.Errorf("stt provider is required")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("tts provider is required")
	}
	if deps.Template == nil {
		return nil, fmt.Errorf("template is required")
	}
	if len(deps.Template.Questions) == 0 {
		return nil, fmt.Errorf("template has no questions")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.FrameMS <= 0 {
		deps.Config.FrameMS = 20
	}
	if deps.Config.MaxAudioFrameBytes <= 0 {
		deps.Config.MaxAudioFrameBytes = 4096
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 512
	}
	if deps.Config.SilenceWindow <= 0 {
		deps.Config.SilenceWindow = 1200 * time.Millisecond
	}
	if deps.Config.MaxUtteranceDuration <= 0 {
		deps.Config.MaxUtteranceDuration = 30 * time.Second
	}
	if deps.Config.ProcessingTimeout <= 0 {
		deps.Config.ProcessingTimeout = 10 * time.Second
	}
	if deps.Config.MarkWait <= 0 {
		deps.Config.MarkWait = 2 * time.Second
	}
	if deps.Config.MaxCallDuration <= 0 {
		deps.Config.MaxCallDuration = 10 * time.Minute
	}
	if deps.Config.RetryBudget < 0 {
		deps.Config.RetryBudget = 0
	}
	if deps.Config.RetryBudget == 0 {
		deps.Config.RetryBudget = 2
	}
	if deps.Config.MinAnswerConfidence <= 0 {
		deps.Config.MinAnswerConfidence = 0.45
	}
	if deps.Config.VoiceRMSThreshold <= 0 {
		deps.Config.VoiceRMSThreshold = 900
	}
	if strings.TrimSpace(deps.Config.Language) == "" {
		deps.Config.Language = "ar"
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Call{
		conn:             deps.Conn,
		logger:           deps.Logger,
		sttp:             deps.STT,
		ttsp:             deps.TTS,
		template:         deps.Template,
		setup:            deps.Setup,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		warnCh:           make(chan string, 1),
	}
	c.canceledUtterances.Store(canceledUtteranceState{set: make(map[string]struct{}), order: nil})
	c.phase.Store(PhaseReady)
	return c, nil
}

func (c *Call) SessionID() string { return c.sessionID }

// Phase returns the current stage. Safe from any goroutine.
func (c *Call) Phase() Phase {
	if c == nil {
		return PhaseTerminated
	}
	if p, ok := c.phase.Load().(Phase); ok {
		return p
	}
	return PhaseTerminated
}

// Cancel tears the call down without a goodbye. Used on forced shutdown.
func (c *Call) Cancel() {
	if c == nil || c.cancel == nil {
		return
	}
	c.cancel()
}

// Warn asks the call to wrap up after the current question. Used when the
// server starts draining.
func (c *Call) Warn(reason string) {
	if c == nil {
		return
	}
	select {
	case c.warnCh <- reason:
	default:
	}
}

// Run drives the call to completion and returns its outcome. The returned
// outcome is non-nil whenever the handshake produced a session, including on
// error paths, so partial results can still be submitted.
func (c *Call) Run() (*Outcome, error) {
	defer c.cancel()

	if c.cfg.MaxJSONMessageBytes > 0 {
		c.conn.SetReadLimit(c.cfg.MaxJSONMessageBytes)
	}
	if c.cfg.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go c.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:         c.conn,
			ctx:        c.ctx,
			cfg:        c.cfg,
			priority:   c.outboundPriority,
			normal:     c.outboundNormal,
			isCanceled: c.isUtteranceCanceled,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() {
		c.cancel()
		wait := 100 * time.Millisecond
		if c.cfg.WriteTimeout > 0 && c.cfg.WriteTimeout < wait {
			wait = c.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}

	speakDoneCh := make(chan speakResult, 4)
	sttDoneCh := make(chan transcribeResult, 4)

	// Cancel before waiting so in-flight synthesis and transcription calls
	// abort instead of running to their client timeouts.
	var wg sync.WaitGroup
	defer func() {
		c.cancel()
		wg.Wait()
	}()

	questions := c.template.Questions

	var (
		qIndex            int
		retries           int
		records           = make([]survey.ResponseRecord, 0, len(questions))
		attemptTranscript string
		attemptConfidence float64

		activeUtteranceID string
		activeSegment     *promptSegment
		activePurpose     utterancePurpose
		speakCancel       context.CancelFunc
		awaitingMark      bool

		capture     *answerCapture
		listenStart time.Time

		draining  bool
		escalated bool
		completed bool
		bargeIns  int

		goodbyeReason = EndCompleted

		markTimer  *time.Timer
		markActive bool
	)

	stopTimer := func(t **time.Timer, active *bool) {
		if *t == nil {
			return
		}
		if !(*t).Stop() {
			select {
			case <-(*t).C:
			default:
			}
		}
		*active = false
	}
	resetTimer := func(t **time.Timer, active *bool, d time.Duration) {
		if d < 0 {
			return
		}
		if *t == nil {
			*t = time.NewTimer(d)
			*active = true
			return
		}
		if !(*t).Stop() {
			select {
			case <-(*t).C:
			default:
			}
		}
		(*t).Reset(d)
		*active = true
	}
	markCh := func() <-chan time.Time {
		if !markActive || markTimer == nil {
			return nil
		}
		return markTimer.C
	}
	defer func() {
		if markTimer != nil {
			markTimer.Stop()
		}
	}()

	listenTicker := time.NewTicker(200 * time.Millisecond)
	defer listenTicker.Stop()

	callTimer := time.NewTimer(c.cfg.MaxCallDuration)
	defer callTimer.Stop()

	finish := func(reason EndReason) *Outcome {
		c.setPhase(PhaseTerminated)
		return &Outcome{
			SessionID:     c.sessionID,
			CallID:        c.setup.Call.CallID,
			TemplateID:    c.template.ID,
			PatientID:     c.setup.Context.PatientID,
			HospitalID:    c.setup.Context.HospitalID,
			CampaignID:    c.setup.Context.CampaignID,
			Custom:        c.setup.Context.Custom,
			StartedAt:     c.startTime,
			EndedAt:       c.now(),
			Reason:        reason,
			Completed:     completed,
			Escalated:     escalated,
			QuestionCount: len(questions),
			BargeIns:      bargeIns,
			Records:       records,
		}
	}

	speak := func(text string, purpose utterancePurpose) {
		utteranceID := c.nextUtteranceID()
		seg := newPromptSegment(utteranceID, text)
		activeUtteranceID = utteranceID
		activeSegment = seg
		activePurpose = purpose
		awaitingMark = false
		capture = nil
		listenStart = time.Time{}
		stopTimer(&markTimer, &markActive)

		switch purpose {
		case purposeGreeting:
			c.setPhase(PhaseGreeting)
		case purposeQuestion:
			c.setPhase(PhaseAsking)
		default:
			c.setPhase(PhaseGoodbye)
		}

		sctx, cancel := context.WithCancel(c.ctx)
		speakCancel = cancel
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.speakPrompt(sctx, utteranceID, text, seg, speakDoneCh)
		}()
	}

	startListening := func() {
		q := questions[qIndex]
		capture = newAnswerCapture(captureConfig{
			NoInputWindow:     q.PauseWindow(),
			SilenceWindow:     c.cfg.SilenceWindow,
			MaxDuration:       c.cfg.MaxUtteranceDuration,
			VoiceRMSThreshold: c.cfg.VoiceRMSThreshold,
		}, c.now())
		listenStart = c.now()
		c.setPhase(PhaseListening)
	}

	interruptPlayback := func(reason string) {
		if activeUtteranceID == "" {
			return
		}
		c.cancelUtteranceAudio(activeUtteranceID)
		_ = c.sendJSONPriority(protocol.EngineClear{Type: "clear", Reason: reason})
		if speakCancel != nil {
			speakCancel()
			speakCancel = nil
		}
		awaitingMark = false
		stopTimer(&markTimer, &markActive)
		activeUtteranceID = ""
		activeSegment = nil
	}

	ask := func(clarify bool) {
		q := questions[qIndex]
		text := q.Text
		if clarify {
			text = c.template.ClarifyFor(q)
		}
		speak(text, purposeQuestion)
	}

	sayGoodbye := func(reason EndReason) {
		goodbyeReason = reason
		speak(c.template.Goodbye, purposeGoodbye)
	}

	var advance func()
	advance = func() {
		attemptTranscript = ""
		attemptConfidence = 0
		retries = 0
		qIndex++
		switch {
		case qIndex >= len(questions):
			completed = true
			sayGoodbye(EndCompleted)
		case draining:
			sayGoodbye(EndDraining)
		default:
			ask(false)
		}
	}

	captureLatencyMS := func() int {
		if listenStart.IsZero() {
			return 0
		}
		return int(c.now().Sub(listenStart).Milliseconds())
	}

	acceptRecord := func(rec survey.ResponseRecord) {
		q := questions[qIndex]
		rec.Escalated = survey.ShouldEscalate(q, rec.Value)
		records = append(records, rec)
		c.logger.Info("answer recorded",
			"session_id", c.sessionID,
			"question", q.Position,
			"value", rec.Value.Canonical(),
			"confidence", rec.Confidence,
			"retries", rec.Retries,
			"source", rec.Source,
		)
		if rec.Escalated {
			escalated = true
			text := strings.TrimSpace(c.template.Handoff)
			if text == "" {
				text = defaultHandoff
			}
			speak(text, purposeHandoff)
			return
		}
		advance()
	}

	failAttempt := func(cause string) {
		q := questions[qIndex]
		if retries < c.cfg.RetryBudget {
			retries++
			c.logger.Info("answer retry",
				"session_id", c.sessionID,
				"question", q.Position,
				"attempt", retries,
				"cause", cause,
			)
			ask(true)
			return
		}
		rec := survey.ResponseRecord{
			QuestionPosition: q.Position,
			Transcript:       attemptTranscript,
			Value:            nil,
			Confidence:       attemptConfidence,
			CaptureLatencyMs: captureLatencyMS(),
			Retries:          retries,
			Source:           survey.SourceVoice,
		}
		records = append(records, rec)
		c.logger.Warn("answer unusable, recording null",
			"session_id", c.sessionID,
			"question", q.Position,
			"cause", cause,
		)
		advance()
	}

	commitCapture := func() {
		if capture == nil {
			return
		}
		pcm := capture.Audio()
		capture = nil
		c.setPhase(PhaseProcessing)
		idx := qIndex
		wg.Add(1)
		go func() {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(c.ctx, c.cfg.ProcessingTimeout)
			defer cancel()
			tr, err := c.sttp.Transcribe(tctx, bytes.NewReader(pcm), stt.TranscribeOptions{
				Language:   c.language(),
				Format:     "pcm_s16le",
				SampleRate: 8000,
			})
			select {
			case sttDoneCh <- transcribeResult{qIndex: idx, transcript: tr, err: err}:
			case <-c.ctx.Done():
			}
		}()
	}

	checkCapture := func() {
		if capture == nil || c.Phase() != PhaseListening {
			return
		}
		switch capture.State(c.now()) {
		case captureComplete:
			commitCapture()
		case captureNoInput:
			capture = nil
			failAttempt("no_input")
		}
	}

	answerByDigit := func(digit string) {
		q := questions[qIndex]
		latency := 0
		if c.Phase() == PhaseListening {
			latency = captureLatencyMS()
		}
		if activePurpose == purposeQuestion && activeUtteranceID != "" {
			interruptPlayback("dtmf")
		}
		v := survey.NormalizeDigit(digit, q)
		if v == nil {
			attemptTranscript = digit
			attemptConfidence = 0
			failAttempt("dtmf_invalid")
			return
		}
		acceptRecord(survey.ResponseRecord{
			QuestionPosition: q.Position,
			Transcript:       digit,
			Value:            v,
			Confidence:       1.0,
			CaptureLatencyMs: latency,
			Retries:          retries,
			Source:           survey.SourceDTMF,
		})
	}

	// onPlayed handles the gateway confirming that an utterance finished
	// playing. Returns a terminal outcome when the call is over.
	onPlayed := func() *Outcome {
		purpose := activePurpose
		activeUtteranceID = ""
		activeSegment = nil
		speakCancel = nil
		switch purpose {
		case purposeGreeting:
			ask(false)
		case purposeQuestion:
			startListening()
		case purposeGoodbye:
			_ = c.sendJSONPriority(protocol.EngineHangup{Type: "hangup", Reason: string(goodbyeReason)})
			flushAndClose()
			return finish(goodbyeReason)
		case purposeHandoff:
			_ = c.sendJSONPriority(protocol.EngineRedirect{Type: "redirect", Target: c.cfg.EscalationTarget})
			flushAndClose()
			return finish(EndEscalated)
		}
		return nil
	}

	closeWithProtocolError := func(code, message string) *Outcome {
		_ = c.sendJSONPriority(protocol.EngineError{Type: "error", Code: code, Message: message, Close: true})
		flushAndClose()
		return finish(EndProtocolError)
	}

	c.logger.Info("call started",
		"session_id", c.sessionID,
		"request_id", c.requestID,
		"call_id", c.setup.Call.CallID,
		"template_id", c.template.ID,
		"questions", len(questions),
	)

	speak(c.template.Greeting, purposeGreeting)

	for {
		select {
		case <-c.ctx.Done():
			return finish(EndCanceled), nil

		case err := <-writerErrCh:
			// A clean writer exit only happens after the call context is
			// cancelled, so it is a teardown signal rather than a hangup.
			if err == nil {
				return finish(EndCanceled), nil
			}
			return finish(EndTransportError), err

		case reason := <-c.warnCh:
			draining = true
			c.logger.Info("call will wrap up early", "session_id", c.sessionID, "reason", reason)

		case <-callTimer.C:
			c.logger.Warn("max call duration reached", "session_id", c.sessionID)
			interruptPlayback("max_duration")
			_ = c.sendJSONPriority(protocol.EngineHangup{Type: "hangup", Reason: string(EndMaxDuration)})
			flushAndClose()
			return finish(EndMaxDuration), nil

		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				return finish(EndCallerHangup), nil
			}
			if frame.messageType != websocket.TextMessage {
				return closeWithProtocolError("bad_request", "only text frames are accepted"), nil
			}
			msg, decErr := protocol.DecodeGatewayMessage(frame.data)
			if decErr != nil {
				code := "bad_request"
				if de, ok := decErr.(*protocol.DecodeError); ok {
					code = de.Code
				}
				return closeWithProtocolError(code, decErr.Error()), nil
			}
			switch m := msg.(type) {
			case protocol.GatewayAudioFrame:
				ulaw, err := audio.DecodeFrame(m.Payload)
				if err != nil {
					return closeWithProtocolError("bad_request", "invalid audio payload"), nil
				}
				if len(ulaw) > c.cfg.MaxAudioFrameBytes {
					return closeWithProtocolError("bad_request", "audio frame exceeds max size"), nil
				}
				if capture != nil && c.Phase() == PhaseListening {
					capture.Feed(audio.ULawToPCM(ulaw), c.now())
					checkCapture()
				}

			case protocol.GatewaySpeechStarted:
				if activeUtteranceID == "" {
					continue
				}
				// Caller speech cancels whatever is playing and the call
				// proceeds as if the prompt had finished: questions start
				// their listening window, the greeting skips ahead, and a
				// goodbye goes straight to hangup.
				bargeIns++
				c.logger.Debug("barge-in", "session_id", c.sessionID, "purpose", activePurpose.String())
				interruptPlayback("barge_in")
				if out := onPlayed(); out != nil {
					return out, nil
				}

			case protocol.GatewayDTMF:
				switch c.Phase() {
				case PhaseAsking, PhaseListening:
					answerByDigit(m.Digit)
				}

			case protocol.GatewayMark:
				if activeSegment == nil || m.Name != activeUtteranceID {
					continue
				}
				activeSegment.ack()
				if awaitingMark {
					awaitingMark = false
					stopTimer(&markTimer, &markActive)
					if out := onPlayed(); out != nil {
						return out, nil
					}
				}

			case protocol.GatewayStop:
				c.logger.Info("gateway stopped stream", "session_id", c.sessionID, "reason", m.Reason)
				return finish(EndCallerHangup), nil

			case protocol.UnknownMessage:
				c.logger.Debug("ignoring unknown gateway message", "session_id", c.sessionID, "type", m.Type)
			}

		case res := <-speakDoneCh:
			if res.utteranceID != activeUtteranceID {
				continue
			}
			speakCancel = nil
			if res.canceled {
				continue
			}
			if res.err != nil {
				c.logger.Error("speech synthesis failed", "session_id", c.sessionID, "error", res.err)
				_ = c.sendJSONPriority(protocol.EngineHangup{Type: "hangup", Reason: string(EndSpeechError)})
				flushAndClose()
				return finish(EndSpeechError), nil
			}
			if activeSegment != nil && activeSegment.isAcked() {
				if out := onPlayed(); out != nil {
					return out, nil
				}
				continue
			}
			awaitingMark = true
			resetTimer(&markTimer, &markActive, time.Duration(res.sentMS)*time.Millisecond+c.cfg.MarkWait)

		case <-markCh():
			markActive = false
			if !awaitingMark {
				continue
			}
			awaitingMark = false
			c.logger.Debug("playback ack timed out, assuming played", "session_id", c.sessionID, "utterance", activeUtteranceID)
			if out := onPlayed(); out != nil {
				return out, nil
			}

		case res := <-sttDoneCh:
			if res.qIndex != qIndex || c.Phase() != PhaseProcessing {
				continue
			}
			q := questions[qIndex]
			if res.err != nil {
				c.logger.Warn("transcription failed", "session_id", c.sessionID, "question", q.Position, "error", res.err)
				failAttempt("stt_error")
				continue
			}
			attemptTranscript = strings.TrimSpace(res.transcript.Text)
			nres := survey.Normalize(attemptTranscript, q, res.transcript.Confidence)
			attemptConfidence = nres.Confidence
			if nres.Value == nil || nres.Confidence < c.cfg.MinAnswerConfidence {
				failAttempt("unusable_answer")
				continue
			}
			acceptRecord(survey.ResponseRecord{
				QuestionPosition: q.Position,
				Transcript:       attemptTranscript,
				Value:            nres.Value,
				Confidence:       nres.Confidence,
				CaptureLatencyMs: captureLatencyMS(),
				Retries:          retries,
				Source:           survey.SourceVoice,
			})

		case <-listenTicker.C:
			checkCapture()
		}
	}
}

func (c *Call) speakPrompt(ctx context.Context, utteranceID, text string, seg *promptSegment, doneCh chan<- speakResult) {
	res := speakResult{utteranceID: utteranceID}
	defer func() {
		select {
		case doneCh <- res:
		case <-c.ctx.Done():
		}
	}()

	sentences := voice.SplitSentences(text)
	if len(sentences) == 0 {
		res.err = fmt.Errorf("empty prompt for utterance %s", utteranceID)
		return
	}

	// Synthesizing sentence by sentence lets the first chunk start
	// streaming while the rest of the prompt is still being rendered.
	frameBytes := c.cfg.FrameMS * 8
	seq := int64(1)
	for _, sentence := range sentences {
		synth, err := c.ttsp.Synthesize(ctx, sentence, tts.SynthesizeOptions{
			Voice:      c.cfg.Voice,
			Language:   c.language(),
			Format:     "pcm_s16le",
			SampleRate: 8000,
		})
		if err != nil {
			if ctx.Err() != nil {
				res.canceled = true
				return
			}
			res.err = err
			return
		}

		ulaw := audio.PCMToULaw(synth.Audio)
		if len(ulaw) == 0 {
			res.err = fmt.Errorf("empty synthesis for utterance %s", utteranceID)
			return
		}

		for off := 0; off < len(ulaw); off += frameBytes {
			end := min(off+frameBytes, len(ulaw))
			if ctx.Err() != nil || c.isUtteranceCanceled(utteranceID) {
				res.canceled = true
				return
			}
			payload, err := json.Marshal(protocol.EngineAudioFrame{
				Type:        "audio",
				UtteranceID: utteranceID,
				Seq:         seq,
				Payload:     audio.EncodeFrame(ulaw[off:end]),
			})
			if err != nil {
				res.err = err
				return
			}
			select {
			case c.outboundNormal <- outboundFrame{isPromptAudio: true, utteranceID: utteranceID, textPayload: payload}:
				seg.addFrame(end - off)
				seq++
			case <-ctx.Done():
				res.canceled = true
				return
			case <-c.ctx.Done():
				res.canceled = true
				return
			}
		}
	}

	markPayload, err := json.Marshal(protocol.EngineMark{Type: "mark", Name: utteranceID})
	if err != nil {
		res.err = err
		return
	}
	select {
	case c.outboundNormal <- outboundFrame{isPromptAudio: true, utteranceID: utteranceID, textPayload: markPayload}:
	case <-ctx.Done():
		res.canceled = true
		return
	case <-c.ctx.Done():
		res.canceled = true
		return
	}

	res.completed = true
	res.sentMS = seg.sentMS()
}

func (c *Call) language() string {
	if lang := strings.TrimSpace(c.template.Language); lang != "" {
		return lang
	}
	return c.cfg.Language
}

func (c *Call) setPhase(p Phase) {
	prev := c.Phase()
	if prev == p {
		return
	}
	c.phase.Store(p)
	c.logger.Debug("call phase", "session_id", c.sessionID, "from", string(prev), "to", string(p))
}

func (c *Call) nextUtteranceID() string {
	n := c.utteranceCounter.Add(1)
	return fmt.Sprintf("u_%d", n)
}

func (c *Call) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueuePriority(outboundFrame{textPayload: payload})
}

func (c *Call) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case c.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-c.outboundPriority:
		default:
		}
	}
	select {
	case c.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (c *Call) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-c.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Call) cancelUtteranceAudio(utteranceID string) {
	utteranceID = strings.TrimSpace(utteranceID)
	if utteranceID == "" {
		return
	}

	raw := c.canceledUtterances.Load()
	state, ok := raw.(canceledUtteranceState)
	if !ok {
		state = canceledUtteranceState{set: make(map[string]struct{}), order: nil}
	}
	if _, exists := state.set[utteranceID]; exists {
		return
	}

	nextSet := make(map[string]struct{}, len(state.set)+1)
	for k := range state.set {
		nextSet[k] = struct{}{}
	}
	nextOrder := make([]string, 0, len(state.order)+1)
	nextOrder = append(nextOrder, state.order...)
	nextOrder = append(nextOrder, utteranceID)
	nextSet[utteranceID] = struct{}{}

	for len(nextOrder) > maxCanceledUtteranceIDs {
		evict := nextOrder[0]
		nextOrder = nextOrder[1:]
		delete(nextSet, evict)
	}

	c.canceledUtterances.Store(canceledUtteranceState{set: nextSet, order: nextOrder})
}

func (c *Call) isUtteranceCanceled(utteranceID string) bool {
	utteranceID = strings.TrimSpace(utteranceID)
	if utteranceID == "" {
		return false
	}
	raw := c.canceledUtterances.Load()
	state, ok := raw.(canceledUtteranceState)
	if !ok || state.set == nil {
		return false
	}
	_, exists := state.set[utteranceID]
	return exists
}
