package app

import (
	"context"
	"errors"
	"fmt"

	"groupcast/internal/jobs"
	"groupcast/internal/orchestrator"
)

// Runner is the orchestrator entry point a job fires into.
type Runner interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (orchestrator.RunResult, error)
}

// RunRequestForJob builds the run a job describes.
func RunRequestForJob(j jobs.Job) orchestrator.RunRequest {
	p := j.Payload
	return orchestrator.RunRequest{
		Identity:     j.Identity,
		Subject:      p.Subject,
		MediaRefs:    p.MediaRefs,
		Targets:      p.Targets,
		Tier:         p.Tier,
		Mode:         j.Mode,
		CaptionStyle: p.CaptionStyle,
		Cooldown:     p.Cooldown,
		ComposeRef:   p.ComposeRef,
		ProbeRef:     p.ProbeRef,
		Source:       "job:" + j.ID,
	}
}

// JobTrigger runs a job to completion. A halted, cancelled or exhausted run
// fails the job; a completed run with failed tasks does not.
func JobTrigger(r Runner) jobs.Trigger {
	return func(ctx context.Context, j jobs.Job) (jobs.Result, error) {
		res, err := r.Run(ctx, RunRequestForJob(j))
		out := jobs.Result{
			RunID:     res.RunID,
			State:     string(res.State),
			Completed: res.Completed,
			Failed:    res.Failed,
			Cancelled: res.Cancelled,
		}
		if n := len(res.DuplicateSkip) + len(res.OverLimitSkip); n > 0 {
			out.Detail = fmt.Sprintf("%d duplicate, %d over limit skipped", len(res.DuplicateSkip), len(res.OverLimitSkip))
		}
		if err != nil {
			if errors.Is(err, orchestrator.ErrRiskHalt) && res.Risk != nil {
				return out, fmt.Errorf("%w: %s", err, res.Risk)
			}
			return out, err
		}
		return out, nil
	}
}
