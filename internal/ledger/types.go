package ledger

import (
	"errors"
	"time"

	"groupcast/internal/posting"
)

var (
	ErrUnknownTier      = errors.New("ledger: unknown quota tier")
	ErrAlreadyDelivered = errors.New("ledger: subject already delivered to target this cycle")
	ErrInvalidOutcome   = errors.New("ledger: invalid outcome")
	ErrInvalidRecord    = errors.New("ledger: subject and target ids are required")
)

// Record is one delivery attempt. Records are never mutated once written.
type Record struct {
	SubjectID  string          `json:"subject_id"`
	TargetID   string          `json:"target_id"`
	TargetName string          `json:"target_name,omitempty"`
	At         time.Time       `json:"at"`
	Outcome    posting.Outcome `json:"outcome"`
	DayKey     string          `json:"day_key"`
	RunID      string          `json:"run_id,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Meta carries optional attribution for RecordPosting.
type Meta struct {
	RunID   string
	Message string
}

// BatchEntry is one line of the window's batch log. Kind is "run" for the
// entry written by NoteRun and "batch" otherwise.
type BatchEntry struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	RunID     string    `json:"run_id"`
	Index     int       `json:"index,omitempty"`
	Batches   int       `json:"batches,omitempty"`
	Size      int       `json:"size,omitempty"`
	Completed int       `json:"completed,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Retried   bool      `json:"retried,omitempty"`
	Halted    string    `json:"halted,omitempty"`
}

// Window is the active quota cycle.
type Window struct {
	DayKey           string       `json:"day_key"`
	Attempts         int          `json:"attempts"`
	Successes        int          `json:"successes"`
	Fails            int          `json:"fails"`
	RecordedTargets  []string     `json:"recorded_targets"`
	RecordedSubjects []string     `json:"recorded_subjects"`
	RunCount         int          `json:"run_count"`
	BatchLog         []BatchEntry `json:"batch_log"`
	FirstAttemptAt   time.Time    `json:"first_attempt_at,omitzero"`
	LastAttemptAt    time.Time    `json:"last_attempt_at,omitzero"`
}

// ArchivedWindow keeps the counters of a finished cycle.
type ArchivedWindow struct {
	DayKey         string    `json:"day_key"`
	Attempts       int       `json:"attempts"`
	Successes      int       `json:"successes"`
	Fails          int       `json:"fails"`
	Targets        int       `json:"targets"`
	Subjects       int       `json:"subjects"`
	RunCount       int       `json:"run_count"`
	FirstAttemptAt time.Time `json:"first_attempt_at,omitzero"`
	LastAttemptAt  time.Time `json:"last_attempt_at,omitzero"`
	ArchivedAt     time.Time `json:"archived_at"`
}

// Stats aggregates attempts for one target or one subject across cycles.
type Stats struct {
	Attempts      int       `json:"attempts"`
	Successes     int       `json:"successes"`
	Fails         int       `json:"fails"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
}

// QuotaSnapshot is the quota state as seen by one preflight.
type QuotaSnapshot struct {
	DayKey    string    `json:"day_key"`
	Tier      string    `json:"tier"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// PreflightResult partitions the input targets. Every input entry lands in
// exactly one of the three slices, in input order.
type PreflightResult struct {
	Admitted      []posting.Target `json:"admitted"`
	DuplicateSkip []posting.Target `json:"duplicate_skip"`
	OverLimitSkip []posting.Target `json:"over_limit_skip"`
	Quota         QuotaSnapshot    `json:"quota"`
	CanProceed    bool             `json:"can_proceed"`
}

// Snapshot is a read-only copy of the ledger state.
type Snapshot struct {
	Identity string           `json:"identity"`
	Window   Window           `json:"window"`
	History  []ArchivedWindow `json:"history"`
	Targets  map[string]Stats `json:"targets"`
	Subjects map[string]Stats `json:"subjects"`
	Records  int              `json:"records"`
	Tiers    map[string]int   `json:"tiers"`
}

// document is the persisted form, rewritten wholesale on every mutation.
type document struct {
	Version  int              `json:"version"`
	Identity string           `json:"identity"`
	Window   Window           `json:"window"`
	History  []ArchivedWindow `json:"history"`
	Records  []Record         `json:"records"`
	Targets  map[string]Stats `json:"targets"`
	Subjects map[string]Stats `json:"subjects"`
}

const documentVersion = 1
