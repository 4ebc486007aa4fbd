package jobs

import (
	"context"
	"errors"
	"time"

	"groupcast/internal/posting"
)

var (
	ErrNotFound     = errors.New("jobs: job not found")
	ErrNotPending   = errors.New("jobs: job is not pending")
	ErrInvalidJob   = errors.New("jobs: invalid job")
	ErrNoTrigger    = errors.New("jobs: no trigger registered")
	ErrInterrupted  = errors.New("interrupted")
	errTriggerPanic = errors.New("trigger panicked")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Payload is the run a job fires. Every recognized field is explicit;
// unknown fields in stored documents are dropped on load.
type Payload struct {
	Subject      posting.Subject  `json:"subject"`
	Targets      []posting.Target `json:"targets"`
	MediaRefs    []string         `json:"media_refs,omitempty"`
	Tier         string           `json:"tier,omitempty"`
	CaptionStyle string           `json:"caption_style,omitempty"`
	Cooldown     time.Duration    `json:"cooldown,omitempty"`
	ComposeRef   string           `json:"compose_ref,omitempty"`
	ProbeRef     string           `json:"probe_ref,omitempty"`
}

// Result is what the trigger reports back.
type Result struct {
	RunID     string `json:"run_id,omitempty"`
	State     string `json:"state,omitempty"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	Detail    string `json:"detail,omitempty"`
}

type Job struct {
	ID         string       `json:"id"`
	Identity   string       `json:"identity"`
	Status     Status       `json:"status"`
	DueAt      time.Time    `json:"due_at"`
	Mode       posting.Mode `json:"mode"`
	Payload    Payload      `json:"payload"`
	Recurrence string       `json:"recurrence,omitempty"`
	// ParentID links an occurrence to the job that scheduled it.
	ParentID   string    `json:"parent_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Result     *Result   `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// AddRequest describes a new job. A zero DueAt with a recurrence schedules
// the first occurrence from now.
type AddRequest struct {
	Identity   string
	DueAt      time.Time
	Mode       posting.Mode
	Payload    Payload
	Recurrence string
}

// Trigger fires one job. It must block until the run it starts is over.
type Trigger func(ctx context.Context, job Job) (Result, error)

type document struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

const documentVersion = 1
