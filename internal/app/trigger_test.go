package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"groupcast/internal/jobs"
	"groupcast/internal/orchestrator"
	"groupcast/internal/posting"
	"groupcast/internal/risk"
)

type fakeRunner struct {
	got orchestrator.RunRequest
	res orchestrator.RunResult
	err error
}

func (f *fakeRunner) Run(_ context.Context, req orchestrator.RunRequest) (orchestrator.RunResult, error) {
	f.got = req
	return f.res, f.err
}

func sampleJob() jobs.Job {
	return jobs.Job{
		ID:       "job-1",
		Identity: "alice",
		Mode:     posting.ModePicker,
		Payload: jobs.Payload{
			Subject:      posting.Subject{ID: "listing-1", Title: "Bike"},
			Targets:      []posting.Target{{ID: "g1", DisplayName: "Cyclists"}},
			MediaRefs:    []string{"/tmp/bike.jpg"},
			Tier:         "pro",
			CaptionStyle: "short",
			Cooldown:     2 * time.Hour,
			ComposeRef:   "https://example.test/compose",
			ProbeRef:     "https://example.test/home",
		},
	}
}

func TestRunRequestForJobCopiesPayload(t *testing.T) {
	t.Parallel()

	req := RunRequestForJob(sampleJob())
	if req.Identity != "alice" || req.Mode != posting.ModePicker || req.Tier != "pro" {
		t.Fatalf("request = %+v", req)
	}
	if req.Subject.ID != "listing-1" || len(req.Targets) != 1 || req.Targets[0].ID != "g1" {
		t.Fatalf("subject/targets = %+v / %+v", req.Subject, req.Targets)
	}
	if req.Cooldown != 2*time.Hour || req.ComposeRef == "" || req.ProbeRef == "" || req.CaptionStyle != "short" {
		t.Fatalf("options = %+v", req)
	}
	if req.Source != "job:job-1" {
		t.Fatalf("Source = %q, want job:job-1", req.Source)
	}
}

func TestJobTriggerReportsCounts(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{res: orchestrator.RunResult{
		RunID:         "run-1",
		State:         orchestrator.StateCompleted,
		Completed:     3,
		Failed:        1,
		DuplicateSkip: []posting.Target{{ID: "g9"}},
	}}
	res, err := JobTrigger(r)(context.Background(), sampleJob())
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if res.RunID != "run-1" || res.State != "completed" || res.Completed != 3 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Detail, "1 duplicate") {
		t.Fatalf("Detail = %q", res.Detail)
	}
}

func TestJobTriggerFailsOnRiskHalt(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{
		res: orchestrator.RunResult{
			State: orchestrator.StateHalted,
			Risk:  &risk.Signal{Detected: true, Category: risk.RateLimited, Reason: "http 429"},
		},
		err: orchestrator.ErrRiskHalt,
	}
	res, err := JobTrigger(r)(context.Background(), sampleJob())
	if !errors.Is(err, orchestrator.ErrRiskHalt) {
		t.Fatalf("err = %v, want ErrRiskHalt", err)
	}
	if !strings.Contains(err.Error(), "rate_limited: http 429") {
		t.Fatalf("err = %v, want risk detail", err)
	}
	if res.State != "halted" {
		t.Fatalf("State = %q, want halted", res.State)
	}
}
