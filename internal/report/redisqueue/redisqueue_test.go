package redisqueue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestTrigger(t *testing.T) (*Trigger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	trig, err := New(context.Background(), Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = trig.Close() })
	return trig, mr
}

func TestSubmitEnqueuesJob(t *testing.T) {
	trig, mr := newTestTrigger(t)

	jobID, err := trig.Submit(context.Background(), "sess-1", "transcripts/sess-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if jobID == "" {
		t.Fatal("Submit returned empty job ID")
	}

	raw, err := mr.Lpop(defaultQueueKey)
	if err != nil {
		t.Fatalf("Lpop: %v", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID != jobID {
		t.Errorf("job ID = %q, want %q", job.ID, jobID)
	}
	if job.SessionID != "sess-1" {
		t.Errorf("session ID = %q, want sess-1", job.SessionID)
	}
	if job.TranscriptRef != "transcripts/sess-1" {
		t.Errorf("transcript ref = %q", job.TranscriptRef)
	}
	if job.SubmittedAt.IsZero() {
		t.Error("submitted_at is zero")
	}
}

func TestSubmitUniqueJobIDs(t *testing.T) {
	trig, _ := newTestTrigger(t)

	a, err := trig.Submit(context.Background(), "sess-1", "ref")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b, err := trig.Submit(context.Background(), "sess-1", "ref")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a == b {
		t.Errorf("job IDs not unique: %q", a)
	}
}

func TestCustomQueueKey(t *testing.T) {
	mr := miniredis.RunT(t)
	trig, err := New(context.Background(), Config{Addr: mr.Addr(), QueueKey: "custom:jobs"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer trig.Close()

	if _, err := trig.Submit(context.Background(), "sess-2", "ref"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n, _ := mr.List("custom:jobs"); len(n) != 1 {
		t.Errorf("custom queue length = %d, want 1", len(n))
	}
}
