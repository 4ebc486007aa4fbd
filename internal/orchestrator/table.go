package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/ledger"
	"groupcast/internal/posting"
	"groupcast/internal/risk"
	"groupcast/internal/session"
)

// run is the mutable state of one admitted run. Lanes touch only their own
// task through the methods below; mu guards the table for status readers.
type run struct {
	id        string
	req       RunRequest
	cfg       Config
	ctl       *controller
	led       *ledger.Ledger
	caption   string
	startedAt time.Time
	lanes     int
	now       func() time.Time

	mu           sync.Mutex
	state        State
	tasks        []Task
	lastErr      map[int]string
	batches      [][]int
	currentBatch int
	risk         *risk.Signal
	active       int
	peak         int

	primaryMu sync.Mutex
	primary   *session.Lease
}

func (r *run) build(targets []posting.Target, sizes []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.tasks = make([]Task, 0, len(targets))
	r.lastErr = map[int]string{}
	r.batches = make([][]int, 0, len(sizes))
	next := 0
	for bi, size := range sizes {
		idxs := make([]int, 0, size)
		for range size {
			r.tasks = append(r.tasks, Task{
				ID:         uuid.NewString(),
				Target:     targets[next],
				BatchIndex: bi,
				Status:     TaskPending,
				UpdatedAt:  now,
			})
			idxs = append(idxs, next)
			next++
		}
		r.batches = append(r.batches, idxs)
	}
}

func (r *run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *run) getState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *run) setBatch(bi int) {
	r.mu.Lock()
	r.currentBatch = bi
	r.mu.Unlock()
}

func (r *run) task(i int) Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[i]
}

// moveLocked applies a legal transition and reports whether it happened.
func (r *run) moveLocked(i int, to TaskStatus, msg string) bool {
	t := &r.tasks[i]
	if !canMove(t.Status, to) {
		return false
	}
	t.Status = to
	t.Message = msg
	t.UpdatedAt = r.now()
	return true
}

// dispatch claims task i for an attempt. The first attempt needs a pending
// task, a retry needs one left in_progress by the failed first attempt.
func (r *run) dispatch(i, attempt int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := TaskPending
	msg := ""
	if attempt > 0 {
		want = TaskInProgress
		msg = fmt.Sprintf("retry %d", attempt)
	}
	if r.tasks[i].Status != want || !r.moveLocked(i, TaskInProgress, msg) {
		return false
	}
	r.tasks[i].Attempts++
	return true
}

func (r *run) finish(i int, to TaskStatus, msg, ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.moveLocked(i, to, msg) {
		return false
	}
	if ref != "" {
		r.tasks[i].ResultRef = ref
	}
	delete(r.lastErr, i)
	return true
}

// awaitRetry keeps task i in_progress after a failed first attempt.
func (r *run) awaitRetry(i int, cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr[i] = cause
	r.moveLocked(i, TaskInProgress, "retry pending: "+cause)
}

// awaiting returns the tasks among idxs still waiting for a retry.
func (r *run) awaiting(idxs []int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, i := range idxs {
		if _, ok := r.lastErr[i]; ok && r.tasks[i].Status == TaskInProgress {
			out = append(out, i)
		}
	}
	return out
}

// failWithCause ends retry-pending tasks with their last error, plus a note.
func (r *run) failWithCause(idxs []int, note string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, i := range idxs {
		msg := r.lastErr[i]
		if msg == "" {
			msg = "failed"
		}
		if note != "" {
			msg += " (" + note + ")"
		}
		if r.moveLocked(i, TaskFailed, msg) {
			delete(r.lastErr, i)
			n++
		}
	}
	return n
}

// failFrom fails every non-terminal task in batches[from:].
func (r *run) failFrom(from int, msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, idxs := range r.batches[from:] {
		for _, i := range idxs {
			if r.moveLocked(i, TaskFailed, msg) {
				delete(r.lastErr, i)
				n++
			}
		}
	}
	return n
}

// cancelPending marks every undispatched task cancelled.
func (r *run) cancelPending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.tasks {
		if r.tasks[i].Status == TaskPending && r.moveLocked(i, TaskCancelled, "cancelled before dispatch") {
			n++
		}
	}
	return n
}

// failStragglers ends anything still in_progress once the run loop exits.
func (r *run) failStragglers() {
	var idxs []int
	r.mu.Lock()
	for i := range r.tasks {
		if r.tasks[i].Status == TaskInProgress {
			idxs = append(idxs, i)
		}
	}
	r.mu.Unlock()
	r.failWithCause(idxs, "not retried")
}

func (r *run) laneEnter() {
	r.mu.Lock()
	r.active++
	r.peak = max(r.peak, r.active)
	r.mu.Unlock()
}

func (r *run) laneExit() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
}

func (r *run) setRisk(sig risk.Signal) {
	r.mu.Lock()
	r.risk = &sig
	r.mu.Unlock()
}

func (r *run) status() Status {
	paused, _ := r.ctl.state()
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		RunID:             r.id,
		Identity:          r.req.Identity,
		State:             r.state,
		IsRunning:         !r.state.Terminal() && r.state != StateIdle,
		IsPaused:          paused,
		TotalCount:        len(r.tasks),
		PerTaskStatus:     make([]TaskView, 0, len(r.tasks)),
		CurrentBatchIndex: r.currentBatch,
		TotalBatches:      len(r.batches),
		StartedAt:         r.startedAt,
	}
	for _, t := range r.tasks {
		if t.Status.Terminal() {
			st.CurrentIndex++
		}
		st.PerTaskStatus = append(st.PerTaskStatus, TaskView{
			ID:         t.ID,
			TargetID:   t.Target.ID,
			TargetName: t.Target.DisplayName,
			BatchIndex: t.BatchIndex,
			Status:     t.Status,
			Message:    t.Message,
		})
	}
	return st
}

// fill copies the table into res and recounts.
func (r *run) fill(res *RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res.State = r.state
	res.Tasks = append([]Task(nil), r.tasks...)
	res.TotalBatches = len(r.batches)
	res.Lanes = r.lanes
	res.PeakLanes = r.peak
	if r.risk != nil {
		sig := *r.risk
		res.Risk = &sig
	}
	res.count()
}

// batchCounts reports completed and failed tasks of batch bi.
func (r *run) batchCounts(bi int) (completed, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.batches[bi] {
		switch r.tasks[i].Status {
		case TaskCompleted:
			completed++
		case TaskFailed:
			failed++
		}
	}
	return completed, failed
}

func (r *run) primaryHandle() (session.Handle, bool) {
	r.primaryMu.Lock()
	defer r.primaryMu.Unlock()
	if r.primary == nil {
		return session.Handle{}, false
	}
	return r.primary.Handle, true
}

func (r *run) setPrimary(l *session.Lease) {
	r.primaryMu.Lock()
	r.primary = l
	r.primaryMu.Unlock()
}

// dropPrimary releases (or discards, when lost) the primary lease.
func (r *run) dropPrimary(ctx context.Context, lost bool) {
	r.primaryMu.Lock()
	l := r.primary
	r.primary = nil
	r.primaryMu.Unlock()
	if l == nil {
		return
	}
	if lost {
		l.Discard(ctx)
		return
	}
	l.Release(ctx)
}
