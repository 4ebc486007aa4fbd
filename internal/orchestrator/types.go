package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"groupcast/internal/ledger"
	"groupcast/internal/matcher"
	"groupcast/internal/posting"
	"groupcast/internal/risk"
	"groupcast/internal/session"
)

var (
	ErrInvalidRequest    = errors.New("orchestrator: invalid run request")
	ErrRunInProgress     = errors.New("orchestrator: identity already has an active run")
	ErrRiskCooldown      = errors.New("orchestrator: identity is in risk cooldown")
	ErrLedgerExhausted   = errors.New("orchestrator: no admissible targets")
	ErrRiskHalt          = errors.New("orchestrator: run halted on risk signal")
	ErrRunCancelled      = errors.New("orchestrator: run cancelled")
	ErrNoActiveRun       = errors.New("orchestrator: no active run for identity")
	ErrPickerUnavailable = errors.New("orchestrator: picker mode needs a cross-poster")
)

// State is the run lifecycle:
// idle -> running <-> paused -> cancelling -> {completed | cancelled | halted}.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateCancelling State = "cancelling"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateHalted     State = "halted"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateHalted
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	// TaskCancelled is terminal for tasks never dispatched because the run
	// was cancelled.
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// allowed lists the legal status moves. in_progress -> in_progress is a
// message update between a failed attempt and its retry.
var allowed = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskFailed, TaskCancelled},
	TaskInProgress: {TaskInProgress, TaskCompleted, TaskFailed},
}

func canMove(from, to TaskStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is one target within a run.
type Task struct {
	ID         string         `json:"id"`
	Target     posting.Target `json:"target"`
	BatchIndex int            `json:"batch_index"`
	Status     TaskStatus     `json:"status"`
	Message    string         `json:"message,omitempty"`
	ResultRef  string         `json:"result_ref,omitempty"`
	Attempts   int            `json:"attempts"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// RunRequest is validated at admission; zero fields take the documented
// defaults.
type RunRequest struct {
	Identity  string           `json:"identity"`
	Subject   posting.Subject  `json:"subject"`
	MediaRefs []string         `json:"media_refs,omitempty"`
	Targets   []posting.Target `json:"targets"`
	// Tier names the quota tier; empty uses the ledger default.
	Tier         string       `json:"tier,omitempty"`
	Mode         posting.Mode `json:"mode,omitempty"`
	CaptionStyle string       `json:"caption_style,omitempty"`
	// Cooldown additionally skips targets that received this subject within
	// the duration, across cycle boundaries. Only values shorter than a
	// cycle have an effect.
	Cooldown time.Duration `json:"cooldown,omitempty"`
	// ComposeRef is where picker mode composes the post.
	ComposeRef string `json:"compose_ref,omitempty"`
	// ProbeRef is loaded on the primary session before the first risk check.
	ProbeRef string `json:"probe_ref,omitempty"`
	// Source labels the audit entry ("cli", "job", ...).
	Source string `json:"source,omitempty"`
}

func (r *RunRequest) normalize() error {
	r.Identity = strings.TrimSpace(r.Identity)
	r.Subject.ID = strings.TrimSpace(r.Subject.ID)
	if r.Mode == "" {
		r.Mode = posting.ModeDirect
	}
	if r.MediaRefs == nil {
		r.MediaRefs = r.Subject.MediaRefs
	}
	if r.Source == "" {
		r.Source = "api"
	}

	var errs []error
	if r.Identity == "" {
		errs = append(errs, errors.New("identity is required"))
	}
	if r.Subject.ID == "" {
		errs = append(errs, errors.New("subject.id is required"))
	}
	if len(r.Targets) == 0 {
		errs = append(errs, errors.New("at least one target is required"))
	}
	if err := posting.ValidateTargets(r.Targets); err != nil {
		errs = append(errs, err)
	}
	if m, err := posting.ParseMode(string(r.Mode)); err != nil {
		errs = append(errs, err)
	} else {
		r.Mode = m
	}
	if r.Mode == posting.ModePicker && strings.TrimSpace(r.ComposeRef) == "" {
		errs = append(errs, errors.New("compose_ref is required in picker mode"))
	}
	if r.Mode == posting.ModeDirect {
		for i, t := range r.Targets {
			if strings.TrimSpace(t.DestinationRef) == "" {
				errs = append(errs, fmt.Errorf("targets[%d]: destination_ref is required in direct mode", i))
			}
		}
	}
	if r.Cooldown < 0 {
		errs = append(errs, errors.New("cooldown must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// RunResult is returned for every run, including refused, halted and
// cancelled ones.
type RunResult struct {
	RunID         string               `json:"run_id"`
	Identity      string               `json:"identity"`
	SubjectID     string               `json:"subject_id"`
	Mode          posting.Mode         `json:"mode"`
	State         State                `json:"state"`
	Completed     int                  `json:"completed"`
	Failed        int                  `json:"failed"`
	Cancelled     int                  `json:"cancelled"`
	Tasks         []Task               `json:"tasks"`
	DuplicateSkip []posting.Target     `json:"duplicate_skip,omitempty"`
	OverLimitSkip []posting.Target     `json:"over_limit_skip,omitempty"`
	Risk          *risk.Signal         `json:"risk,omitempty"`
	Quota         ledger.QuotaSnapshot `json:"quota"`
	Lanes         int                  `json:"lanes"`
	PeakLanes     int                  `json:"peak_lanes"`
	TotalBatches  int                  `json:"total_batches"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at,omitzero"`
	Error         string               `json:"error,omitempty"`
}

func (r *RunResult) count() {
	r.Completed, r.Failed, r.Cancelled = 0, 0, 0
	for _, t := range r.Tasks {
		switch t.Status {
		case TaskCompleted:
			r.Completed++
		case TaskFailed:
			r.Failed++
		case TaskCancelled:
			r.Cancelled++
		}
	}
}

// TaskView is the status-surface projection of a Task.
type TaskView struct {
	ID         string     `json:"id"`
	TargetID   string     `json:"target_id"`
	TargetName string     `json:"target_name"`
	BatchIndex int        `json:"batch_index"`
	Status     TaskStatus `json:"status"`
	Message    string     `json:"message,omitempty"`
}

// Status is the read-only view of one run. CurrentIndex counts tasks that
// reached a terminal state.
type Status struct {
	RunID             string     `json:"run_id"`
	Identity          string     `json:"identity"`
	IsRunning         bool       `json:"is_running"`
	IsPaused          bool       `json:"is_paused"`
	State             State      `json:"state"`
	CurrentIndex      int        `json:"current_index"`
	TotalCount        int        `json:"total_count"`
	PerTaskStatus     []TaskView `json:"per_task_status"`
	CurrentBatchIndex int        `json:"current_batch_index"`
	TotalBatches      int        `json:"total_batches"`
	StartedAt         time.Time  `json:"started_at"`
}

// StepError is a failure local to one unit of work.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step string, err error) error {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return err
	}
	return &StepError{Step: step, Err: err}
}

// Receipt reports which submitted targets the surface confirmed.
type Receipt struct {
	Delivered []string `json:"delivered"`
}

// CrossPoster drives a multi-destination share surface: a picker list of
// destinations plus an optional secondary affordance for stragglers.
type CrossPoster interface {
	OpenPicker(ctx context.Context, h session.Handle) (matcher.ListSurface, error)
	Submit(ctx context.Context, h session.Handle, selected []posting.Target) (Receipt, error)
	// OpenSecondary reports ok=false when the surface has no secondary
	// affordance.
	OpenSecondary(ctx context.Context, h session.Handle) (surface matcher.ListSurface, ok bool, err error)
}
