package submit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "submissions.db")
	q, err := OpenQueue(path)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, path
}

func TestQueue_EnqueueDueRoundTrip(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	ctx := context.Background()
	p := BuildPayload(sampleOutcome())

	if err := q.Enqueue(ctx, p, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entries, err := q.Due(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 due entry, got %d", len(entries))
	}

	e := entries[0]
	if e.IdempotencyKey != p.IdempotencyKey {
		t.Errorf("expected key %s, got %s", p.IdempotencyKey, e.IdempotencyKey)
	}
	if e.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", e.Attempts)
	}
	if e.Payload.CallID != p.CallID {
		t.Errorf("expected call id %s, got %s", p.CallID, e.Payload.CallID)
	}
	if len(e.Payload.Records) != len(p.Records) {
		t.Errorf("expected %d records, got %d", len(p.Records), len(e.Payload.Records))
	}
	if e.Payload.Records[0].Value == nil || e.Payload.Records[0].Value.Polarity != "affirmative" {
		t.Error("expected the first record's value to survive the round trip")
	}
}

func TestQueue_DueRespectsEligibility(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	if err := q.Enqueue(ctx, BuildPayload(sampleOutcome()), now.Add(time.Hour)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entries, err := q.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no due entries yet, got %d", len(entries))
	}

	entries, err = q.Due(ctx, now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("due after eligibility: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 due entry after eligibility, got %d", len(entries))
	}
}

func TestQueue_SameKeyEnqueuedOnce(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	ctx := context.Background()
	p := BuildPayload(sampleOutcome())

	if err := q.Enqueue(ctx, p, time.Now()); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, p, time.Now()); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected depth 1 after duplicate enqueue, got %d", depth)
	}
}

func TestQueue_MarkAttemptReschedules(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	if err := q.Enqueue(ctx, BuildPayload(sampleOutcome()), now.Add(-time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, err := q.Due(ctx, now, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 due entry, got %d (err %v)", len(entries), err)
	}

	if err := q.MarkAttempt(ctx, entries[0].ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}

	entries, err = q.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("due after reschedule: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no due entries after reschedule, got %d", len(entries))
	}

	entries, err = q.Due(ctx, now.Add(2*time.Hour), 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected rescheduled entry to come due, got %d (err %v)", len(entries), err)
	}
	if entries[0].Attempts != 1 {
		t.Errorf("expected 1 attempt recorded, got %d", entries[0].Attempts)
	}
}

func TestQueue_MarkAttemptUnknownID(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	if err := q.MarkAttempt(context.Background(), "missing", time.Now()); err == nil {
		t.Fatal("expected an error for an unknown id")
	}
}

func TestQueue_RemoveDeletes(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, BuildPayload(sampleOutcome()), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, err := q.Due(ctx, time.Now(), 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 due entry, got %d (err %v)", len(entries), err)
	}

	if err := q.Remove(ctx, entries[0].ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected empty queue after remove, got depth %d", depth)
	}
}

func TestQueue_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "submissions.db")
	ctx := context.Background()
	p := BuildPayload(sampleOutcome())

	q, err := OpenQueue(path)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	if err := q.Enqueue(ctx, p, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenQueue(path)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer reopened.Close()

	entries, err := reopened.Due(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("due after reopen: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the entry to survive a reopen, got %d", len(entries))
	}
	if entries[0].IdempotencyKey != p.IdempotencyKey {
		t.Errorf("expected key %s after reopen, got %s", p.IdempotencyKey, entries[0].IdempotencyKey)
	}
}
