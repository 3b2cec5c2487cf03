package dispatch

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestQueueFIFOAndCapabilityMatch(t *testing.T) {
	q := NewQueue()

	first := NewJob(json.RawMessage(`1`), "", time.Second)
	first.RequiredCapabilities = []string{"docker"}
	second := NewJob(json.RawMessage(`2`), "", time.Second)

	q.Enqueue(first)
	q.Enqueue(second)

	// 无 docker 能力的节点越过队首，取到第二个任务。
	job := q.Dequeue([]string{"python-3.11"})
	if job == nil || job.JobID != second.JobID {
		t.Fatalf("expected second job, got %+v", job)
	}

	job = q.Dequeue([]string{"docker", "python-3.11"})
	if job == nil || job.JobID != first.JobID {
		t.Fatalf("expected first job, got %+v", job)
	}

	if q.Dequeue([]string{"docker"}) != nil {
		t.Fatalf("queue should be empty")
	}
}

func TestEnqueueDequeuePreservesRecord(t *testing.T) {
	q := NewQueue()
	job := NewJob(json.RawMessage(`{"goal":"x"}`), "coder", 2*time.Second)
	job.RequiredCapabilities = []string{"python-3.11"}
	before := *job

	q.Enqueue(job)
	got := q.Dequeue([]string{"python-3.11"})
	if got == nil {
		t.Fatalf("dequeue returned nil")
	}
	if got.RetryCount != before.RetryCount {
		t.Fatalf("retry count changed: %d", got.RetryCount)
	}
	if got.JobID != before.JobID || got.RunID != before.RunID ||
		!reflect.DeepEqual(got.RequiredCapabilities, before.RequiredCapabilities) {
		t.Fatalf("job record changed across enqueue/dequeue:\n want %+v\n got  %+v", before, *got)
	}
}

func TestMarkTimeoutRetriesThenDeadLetters(t *testing.T) {
	q := NewQueue()
	job := NewJob(nil, "", 100*time.Millisecond)
	q.Enqueue(job)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed := q.Claim(job.JobID, nil)
		if claimed == nil {
			t.Fatalf("attempt %d: job not pending", attempt)
		}
		q.MarkRunning(job, "n1")

		dead, ok := q.MarkTimeout(job.RunID)
		if !ok {
			t.Fatalf("attempt %d: run id not in running map", attempt)
		}
		if attempt < 3 {
			if dead != nil {
				t.Fatalf("attempt %d: dead-lettered too early", attempt)
			}
			if job.Status != JobPending {
				t.Fatalf("attempt %d: expected requeue, got %s", attempt, job.Status)
			}
		} else {
			if dead == nil {
				t.Fatalf("expected dead letter on third timeout")
			}
			if dead.LastError != "Exceeded max retries (3)" {
				t.Fatalf("unexpected dead letter error: %s", dead.LastError)
			}
		}
	}

	letters := q.DeadLetters()
	if len(letters) != 1 || letters[0].JobID != job.JobID {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}
	if stats := q.Stats(); stats.Pending != 0 || stats.Running != 0 {
		t.Fatalf("job leaked into another structure: %+v", stats)
	}
}

func TestMarkTimeoutUnknownRunIsNoop(t *testing.T) {
	q := NewQueue()
	if dead, ok := q.MarkTimeout("ghost"); ok || dead != nil {
		t.Fatalf("unknown run id should be a no-op")
	}
}

func TestSweepTimeouts(t *testing.T) {
	q := NewQueue()
	job := NewJob(nil, "", 10*time.Millisecond)
	q.Enqueue(job)
	if q.Claim(job.JobID, nil) == nil {
		t.Fatalf("claim failed")
	}
	q.MarkRunning(job, "n1")

	// 人为把起始时间拨回过去，触发扫描判定。
	q.mu.Lock()
	q.running[job.RunID].startedAt = time.Now().Add(-time.Second)
	q.mu.Unlock()

	q.SweepTimeouts()
	if job.Status != JobPending || job.RetryCount != 1 {
		t.Fatalf("expected one retry after sweep, got status=%s retries=%d", job.Status, job.RetryCount)
	}
}

func TestMarkCompleteMovesToCompleted(t *testing.T) {
	q := NewQueue()
	job := NewJob(nil, "", time.Second)
	q.Enqueue(job)
	q.Claim(job.JobID, nil)
	q.MarkRunning(job, "n1")

	if !q.MarkComplete(job.RunID, true, "") {
		t.Fatalf("mark complete failed")
	}
	if job.Status != JobSuccess {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	if q.MarkComplete(job.RunID, true, "") {
		t.Fatalf("second completion should be rejected")
	}
}
