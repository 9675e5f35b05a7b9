package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sawt-health/sawt/pkg/core"
)

const (
	defaultMaxAttempts    = 4
	defaultBaseBackoff    = 500 * time.Millisecond
	defaultReplayInterval = 30 * time.Second
	defaultRequeueDelay   = time.Minute
	defaultSubmitTimeout  = 2 * time.Minute

	maxReplayDelay  = 15 * time.Minute
	replayBatchSize = 32
)

// Result classifies how one logical submission ended.
type Result string

const (
	// ResultDelivered means the store accepted the payload.
	ResultDelivered Result = "delivered"
	// ResultDuplicate means the store already had this idempotency key,
	// which counts as success.
	ResultDuplicate Result = "duplicate"
	// ResultRejected means the store refused the payload permanently.
	ResultRejected Result = "rejected"
	// ResultQueued means delivery exhausted its attempts and the payload
	// was parked in the fallback queue.
	ResultQueued Result = "queued"
	// ResultLost means delivery failed and no queue could hold the
	// payload. The full payload is written to the log as a last resort.
	ResultLost Result = "lost"
)

// Submitter delivers payloads to the response store. Transient failures
// retry with exponential backoff; exhaustion parks the payload in the
// fallback queue for the replayer to drain later.
type Submitter struct {
	endpoint   string
	minter     *CredentialMinter
	httpClient *http.Client
	queue      *Queue
	logger     *slog.Logger
	tracer     trace.Tracer

	maxAttempts    uint64
	baseBackoff    time.Duration
	replayInterval time.Duration
	requeueDelay   time.Duration
	submitTimeout  time.Duration
	observe        func(Result)

	wg sync.WaitGroup
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Submitter) {
		s.httpClient = client
	}
}

// WithLogger sets the logger for the submitter.
func WithLogger(l *slog.Logger) Option {
	return func(s *Submitter) {
		s.logger = l
	}
}

// WithTracer sets the OpenTelemetry tracer used to span delivery attempts.
func WithTracer(t trace.Tracer) Option {
	return func(s *Submitter) {
		s.tracer = t
	}
}

// WithQueue sets the durable fallback queue. Without one, exhausted
// submissions are logged in full and dropped.
func WithQueue(q *Queue) Option {
	return func(s *Submitter) {
		s.queue = q
	}
}

// WithMaxAttempts sets how many delivery attempts one submission gets
// before it is parked.
func WithMaxAttempts(n int) Option {
	return func(s *Submitter) {
		if n > 0 {
			s.maxAttempts = uint64(n)
		}
	}
}

// WithBackoff sets the initial backoff between delivery attempts.
func WithBackoff(d time.Duration) Option {
	return func(s *Submitter) {
		if d > 0 {
			s.baseBackoff = d
		}
	}
}

// WithReplayInterval sets how often the replayer sweeps the fallback queue.
func WithReplayInterval(d time.Duration) Option {
	return func(s *Submitter) {
		if d > 0 {
			s.replayInterval = d
		}
	}
}

// WithSubmitTimeout bounds one async submission end to end, including all
// of its retries.
func WithSubmitTimeout(d time.Duration) Option {
	return func(s *Submitter) {
		if d > 0 {
			s.submitTimeout = d
		}
	}
}

// WithObserver registers a callback invoked with each submission's final
// result, used to keep counters in sync.
func WithObserver(f func(Result)) Option {
	return func(s *Submitter) {
		s.observe = f
	}
}

// NewSubmitter creates a submitter for the given store endpoint.
func NewSubmitter(endpoint string, minter *CredentialMinter, opts ...Option) (*Submitter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("submission endpoint is empty")
	}
	if minter == nil {
		return nil, fmt.Errorf("credential minter is nil")
	}

	s := &Submitter{
		endpoint:       endpoint,
		minter:         minter,
		httpClient:     &http.Client{Timeout: 15 * time.Second},
		logger:         slog.Default(),
		tracer:         noop.NewTracerProvider().Tracer("submit"),
		maxAttempts:    defaultMaxAttempts,
		baseBackoff:    defaultBaseBackoff,
		replayInterval: defaultReplayInterval,
		requeueDelay:   defaultRequeueDelay,
		submitTimeout:  defaultSubmitTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SubmitAsync delivers a payload on a detached context so call teardown
// never blocks on the store. Wait blocks until in-flight submissions
// finish.
func (s *Submitter) SubmitAsync(p *Payload) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.submitTimeout)
		defer cancel()
		if _, err := s.Submit(ctx, p); err != nil {
			s.logger.Error("submission failed",
				"call_id", p.CallID,
				"idempotency_key", p.IdempotencyKey,
				"error", err)
		}
	}()
}

// Submit delivers one payload. Transient failures retry with backoff up to
// the attempt bound; exhaustion parks the payload in the fallback queue. A
// permanent rejection by the store is logged with an alert and dropped,
// since retrying cannot fix malformed data.
func (s *Submitter) Submit(ctx context.Context, p *Payload) (Result, error) {
	res, err := s.deliver(ctx, p)
	if err == nil {
		s.observeResult(res)
		return res, nil
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr.Type == core.ErrValidation {
		s.logger.Error("submission rejected by store",
			"alert", "submission_rejected",
			"call_id", p.CallID,
			"idempotency_key", p.IdempotencyKey,
			"error", err)
		s.observeResult(ResultRejected)
		return ResultRejected, err
	}

	return s.park(ctx, p, err)
}

// deliver runs the bounded retry loop around single attempts. Only errors
// classified transient are retried.
func (s *Submitter) deliver(ctx context.Context, p *Payload) (Result, error) {
	backoff := retry.WithMaxRetries(s.maxAttempts-1,
		retry.WithJitter(s.baseBackoff/4, retry.NewExponential(s.baseBackoff)))

	var res Result
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, aerr := s.attempt(ctx, p)
		if aerr == nil {
			res = r
			return nil
		}
		var coreErr *core.Error
		if errors.As(aerr, &coreErr) && coreErr.IsRetryable() {
			return retry.RetryableError(aerr)
		}
		return aerr
	})
	if err != nil {
		return "", err
	}
	return res, nil
}

// attempt performs one HTTP POST with a freshly minted credential.
func (s *Submitter) attempt(ctx context.Context, p *Payload) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "submit.attempt", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	token, err := s.minter.Mint()
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("mint credential: %w", err)
	}

	body, err := json.Marshal(p)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", p.IdempotencyKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", core.NewSubmissionError("post submission", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// The store already holds this idempotency key.
		return ResultDuplicate, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ResultDelivered, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		verr := core.NewValidationError(
			fmt.Sprintf("store rejected submission (%d): %s", resp.StatusCode, readBodyPrefix(resp.Body)))
		span.RecordError(verr)
		return "", verr
	default:
		serr := core.NewSubmissionError(
			fmt.Sprintf("store error %d: %s", resp.StatusCode, readBodyPrefix(resp.Body)), nil)
		span.RecordError(serr)
		return "", serr
	}
}

// park moves an undeliverable payload into the fallback queue. When no
// queue is configured, or the queue write itself fails, the payload is
// dumped into the log so the data is recoverable by hand.
func (s *Submitter) park(ctx context.Context, p *Payload, cause error) (Result, error) {
	if s.queue == nil {
		s.logger.Error("submission failed with no fallback queue",
			"alert", "submission_lost",
			"call_id", p.CallID,
			"idempotency_key", p.IdempotencyKey,
			"payload", payloadJSON(p),
			"error", cause)
		s.observeResult(ResultLost)
		return ResultLost, cause
	}

	// The delivery context may already be canceled, for example when
	// retries burned the whole submit timeout. Parking must still go
	// through, so the write gets its own deadline.
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.queue.Enqueue(qctx, p, time.Now().Add(s.requeueDelay)); err != nil {
		s.logger.Error("failed to park submission",
			"alert", "submission_lost",
			"call_id", p.CallID,
			"idempotency_key", p.IdempotencyKey,
			"payload", payloadJSON(p),
			"error", err)
		s.observeResult(ResultLost)
		return ResultLost, err
	}

	s.logger.Warn("submission parked for replay",
		"alert", "submission_parked",
		"call_id", p.CallID,
		"idempotency_key", p.IdempotencyKey,
		"error", cause)
	s.observeResult(ResultQueued)
	return ResultQueued, nil
}

// StartReplayer begins draining the fallback queue on an interval. The
// returned stop function halts the loop and waits for the current sweep to
// finish. Without a queue it is a no-op.
func (s *Submitter) StartReplayer(ctx context.Context) (stop func()) {
	if s.queue == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.replayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.replayOnce(ctx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// replayOnce attempts every entry that has come due.
func (s *Submitter) replayOnce(ctx context.Context) {
	now := time.Now()
	entries, err := s.queue.Due(ctx, now, replayBatchSize)
	if err != nil {
		s.logger.Error("failed to read fallback queue", "error", err)
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}

		res, err := s.deliver(ctx, e.Payload)
		if err == nil {
			if rerr := s.queue.Remove(ctx, e.ID); rerr != nil {
				s.logger.Error("failed to remove replayed submission", "id", e.ID, "error", rerr)
			}
			s.logger.Info("replayed parked submission",
				"call_id", e.Payload.CallID,
				"replay_attempts", e.Attempts+1,
				"result", string(res))
			s.observeResult(res)
			continue
		}

		var coreErr *core.Error
		if errors.As(err, &coreErr) && coreErr.Type == core.ErrValidation {
			s.logger.Error("parked submission rejected by store",
				"alert", "submission_rejected",
				"call_id", e.Payload.CallID,
				"idempotency_key", e.IdempotencyKey,
				"error", err)
			if rerr := s.queue.Remove(ctx, e.ID); rerr != nil {
				s.logger.Error("failed to remove rejected submission", "id", e.ID, "error", rerr)
			}
			s.observeResult(ResultRejected)
			continue
		}

		next := now.Add(s.replayBackoff(e.Attempts + 1))
		if merr := s.queue.MarkAttempt(ctx, e.ID, next); merr != nil {
			s.logger.Error("failed to reschedule submission", "id", e.ID, "error", merr)
		}
	}
}

// replayBackoff spreads repeated replay failures out linearly, capped so a
// long outage still gets probed every few minutes.
func (s *Submitter) replayBackoff(attempts int) time.Duration {
	d := time.Duration(attempts) * s.requeueDelay
	if d > maxReplayDelay {
		d = maxReplayDelay
	}
	return d
}

// QueueDepth reports how many submissions are parked, or zero without a
// queue.
func (s *Submitter) QueueDepth(ctx context.Context) (int, error) {
	if s.queue == nil {
		return 0, nil
	}
	return s.queue.Depth(ctx)
}

// Wait blocks until in-flight async submissions finish or ctx is done,
// reporting whether they all finished.
func (s *Submitter) Wait(ctx context.Context) bool {
	if ctx == nil {
		s.wg.Wait()
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Submitter) observeResult(r Result) {
	if s.observe != nil {
		s.observe(r)
	}
}

func payloadJSON(p *Payload) string {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("unencodable payload: %v", err)
	}
	return string(b)
}

func readBodyPrefix(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
