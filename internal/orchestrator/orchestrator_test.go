package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"groupcast/internal/posting"
	"groupcast/internal/session"
)

func TestRunHaltsOnRiskSignal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(2), nil, nil)
	h.o.plan = fixedPlan(2, 2, 2)
	h.browser.StateHook = func(_ session.Handle, snap session.Snapshot) (session.Snapshot, error) {
		if h.filler.totalCalls() >= 2 {
			snap.Markers = append(snap.Markers, "captcha")
		}
		return snap, nil
	}

	res, err := h.o.Run(context.Background(), request(makeTargets(6)))
	if !errors.Is(err, ErrRiskHalt) {
		t.Fatalf("Run err = %v, want ErrRiskHalt", err)
	}
	if res.State != StateHalted {
		t.Fatalf("State = %s, want %s", res.State, StateHalted)
	}
	if res.Risk == nil || res.Risk.Category != "interstitial_verification" {
		t.Fatalf("Risk = %+v, want interstitial_verification", res.Risk)
	}
	for _, task := range res.Tasks {
		if task.BatchIndex == 0 {
			if task.Status != TaskCompleted {
				t.Fatalf("task %s = %s, want completed", task.Target.ID, task.Status)
			}
			continue
		}
		if task.Status != TaskFailed || task.Message != "risk: interstitial_verification" {
			t.Fatalf("task %s = %s %q, want failed with risk message", task.Target.ID, task.Status, task.Message)
		}
	}
	if res.Completed != 2 || res.Failed != 4 {
		t.Fatalf("completed/failed = %d/%d, want 2/4", res.Completed, res.Failed)
	}
	if got := h.filler.totalCalls(); got != 2 {
		t.Fatalf("fills = %d, want 2", got)
	}

	_, err = h.o.Run(context.Background(), request(makeTargets(6)[2:]))
	if !errors.Is(err, ErrRiskCooldown) {
		t.Fatalf("second Run err = %v, want ErrRiskCooldown", err)
	}
	if cd := h.o.Cooldowns(); len(cd) != 1 || cd[0].Identity != "alice" || cd[0].OpenUntil.IsZero() {
		t.Fatalf("Cooldowns = %+v", cd)
	}

	h.o.ClearCooldown("alice")
	h.browser.StateHook = nil
	h.o.plan = fixedPlan(2, 2)
	if _, err := h.o.Run(context.Background(), request(makeTargets(6)[2:])); err != nil {
		t.Fatalf("Run after ClearCooldown: %v", err)
	}
}

func TestCancelMarksPendingTasksAtOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(3), nil, nil)
	h.o.plan = fixedPlan(2, 3)
	release := make(chan struct{})
	h.filler.hook = func(ctx context.Context, _ string, _ int) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	type outcome struct {
		res RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.o.Run(context.Background(), request(makeTargets(5)))
		done <- outcome{res, err}
	}()

	waitFor(t, "both lanes in flight", func() bool { return h.filler.totalCalls() == 2 })
	if err := h.o.Cancel(" alice "); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	st, ok := h.o.Status("alice")
	if !ok {
		t.Fatalf("Status: no active run")
	}
	if st.State != StateCancelling {
		t.Fatalf("State = %s, want %s", st.State, StateCancelling)
	}
	cancelled := 0
	for _, v := range st.PerTaskStatus {
		if v.BatchIndex == 1 {
			if v.Status != TaskCancelled {
				t.Fatalf("task %s = %s, want cancelled", v.TargetID, v.Status)
			}
			cancelled++
		}
	}
	if cancelled != 3 || st.CurrentIndex != 3 {
		t.Fatalf("cancelled = %d, CurrentIndex = %d, want 3 and 3", cancelled, st.CurrentIndex)
	}

	close(release)
	out := <-done
	if !errors.Is(out.err, ErrRunCancelled) {
		t.Fatalf("Run err = %v, want ErrRunCancelled", out.err)
	}
	if out.res.State != StateCancelled {
		t.Fatalf("State = %s, want %s", out.res.State, StateCancelled)
	}
	if out.res.Completed != 2 || out.res.Cancelled != 3 || out.res.Failed != 0 {
		t.Fatalf("completed/cancelled/failed = %d/%d/%d, want 2/3/0", out.res.Completed, out.res.Cancelled, out.res.Failed)
	}
	if got := h.filler.totalCalls(); got != 2 {
		t.Fatalf("fills = %d, want 2", got)
	}
	if err := h.o.Cancel("alice"); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("Cancel after run = %v, want ErrNoActiveRun", err)
	}
}

func TestFailedTasksRetriedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(2), nil, nil)
	h.o.plan = fixedPlan(2)
	h.filler.hook = func(_ context.Context, id string, call int) error {
		if id == "g1" || call == 1 {
			return errors.New("boom")
		}
		return nil
	}

	res, err := h.o.Run(context.Background(), request(makeTargets(2)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("State = %s, want completed", res.State)
	}
	byID := map[string]Task{}
	for _, task := range res.Tasks {
		byID[task.Target.ID] = task
	}
	if g0 := byID["g0"]; g0.Status != TaskCompleted || g0.Attempts != 2 {
		t.Fatalf("g0 = %s after %d attempts, want completed after 2", g0.Status, g0.Attempts)
	}
	g1 := byID["g1"]
	if g1.Status != TaskFailed || g1.Attempts != 2 || !strings.Contains(g1.Message, "boom") {
		t.Fatalf("g1 = %s %q after %d attempts", g1.Status, g1.Message, g1.Attempts)
	}
	if got := h.filler.callsFor("g1"); got != 2 {
		t.Fatalf("g1 fills = %d, want 2", got)
	}
}

func TestRetryCappedByQuota(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(3), map[string]int{"standard": 3}, nil)
	h.o.plan = fixedPlan(3)
	h.filler.hook = func(context.Context, string, int) error { return errors.New("boom") }

	res, err := h.o.Run(context.Background(), request(makeTargets(3)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, task := range res.Tasks {
		if task.Status != TaskFailed || !strings.Contains(task.Message, "no quota left for retry") {
			t.Fatalf("task %s = %s %q, want failed without retry", task.Target.ID, task.Status, task.Message)
		}
		if task.Attempts != 1 {
			t.Fatalf("task %s attempts = %d, want 1", task.Target.ID, task.Attempts)
		}
	}
}

func TestNoRetryAfterRiskSignal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(1), nil, nil)
	h.o.plan = fixedPlan(1)
	h.filler.hook = func(context.Context, string, int) error { return errors.New("boom") }
	h.browser.StateHook = func(_ session.Handle, snap session.Snapshot) (session.Snapshot, error) {
		if h.filler.totalCalls() > 0 {
			snap.Status = 429
		}
		return snap, nil
	}

	res, err := h.o.Run(context.Background(), request(makeTargets(1)))
	if !errors.Is(err, ErrRiskHalt) {
		t.Fatalf("Run err = %v, want ErrRiskHalt", err)
	}
	if got := h.filler.callsFor("g0"); got != 1 {
		t.Fatalf("fills = %d, want 1", got)
	}
	if task := res.Tasks[0]; task.Status != TaskFailed || task.Message != "risk: rate_limited" {
		t.Fatalf("task = %s %q", task.Status, task.Message)
	}
}

func TestLanesNeverExceedCap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(3), nil, nil)
	h.o.plan = fixedPlan(8)
	h.filler.hook = func(ctx context.Context, _ string, _ int) error {
		return sleepCtx(ctx, 5*time.Millisecond)
	}

	res, err := h.o.Run(context.Background(), request(makeTargets(8)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed != 8 {
		t.Fatalf("Completed = %d, want 8", res.Completed)
	}
	if res.Lanes != 3 || res.PeakLanes > 3 || res.PeakLanes < 1 {
		t.Fatalf("Lanes = %d, PeakLanes = %d", res.Lanes, res.PeakLanes)
	}
	if got := h.filler.peakActive(); got > 3 {
		t.Fatalf("concurrent fills = %d, want <= 3", got)
	}
	if got := h.browser.MaxOpen("alice"); got > 3 {
		t.Fatalf("open sessions = %d, want <= 3", got)
	}
}

func TestPickerModeUsesSecondaryPass(t *testing.T) {
	t.Parallel()

	poster := &fakePoster{
		primary:   newSurface("Group 0", "Group 1", "Unrelated Chat"),
		secondary: newSurface("Group 1"),
		deliver: func(call int, selected []posting.Target) []string {
			if call == 1 {
				return []string{"g0"}
			}
			var ids []string
			for _, t := range selected {
				ids = append(ids, t.ID)
			}
			return ids
		},
	}
	cfg := fastConfig(2)
	cfg.RetryFailedBatches = false
	h := newHarness(t, cfg, nil, poster)
	h.o.plan = fixedPlan(3)

	req := request(makeTargets(3))
	req.Mode = posting.ModePicker
	req.ComposeRef = "https://example.test/compose"
	res, err := h.o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Lanes != 1 {
		t.Fatalf("Lanes = %d, want 1", res.Lanes)
	}
	want := map[string]TaskStatus{"g0": TaskCompleted, "g1": TaskCompleted, "g2": TaskFailed}
	for _, task := range res.Tasks {
		if task.Status != want[task.Target.ID] {
			t.Fatalf("task %s = %s %q, want %s", task.Target.ID, task.Status, task.Message, want[task.Target.ID])
		}
	}
	if g2 := res.Tasks[2]; !strings.Contains(g2.Message, "not found") {
		t.Fatalf("g2 message = %q", g2.Message)
	}
	if got := h.filler.callsFor("compose"); got != 1 {
		t.Fatalf("compose fills = %d, want 1", got)
	}
	if poster.submits != 2 || poster.secondOps != 1 {
		t.Fatalf("submits = %d, secondary opens = %d", poster.submits, poster.secondOps)
	}
}

func TestPickerModeNeedsPoster(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(1), nil, nil)
	req := request(makeTargets(1))
	req.Mode = posting.ModePicker
	req.ComposeRef = "https://example.test/compose"
	if _, err := h.o.Run(context.Background(), req); !errors.Is(err, ErrPickerUnavailable) {
		t.Fatalf("Run err = %v, want ErrPickerUnavailable", err)
	}
}

func TestLedgerExhaustedOpensNoSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(1), nil, nil)
	h.o.plan = fixedPlan(1)
	if _, err := h.o.Run(context.Background(), request(makeTargets(1))); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	opened, _, _ := h.browser.Stats()

	res, err := h.o.Run(context.Background(), request(makeTargets(1)))
	if !errors.Is(err, ErrLedgerExhausted) {
		t.Fatalf("second Run err = %v, want ErrLedgerExhausted", err)
	}
	if len(res.DuplicateSkip) != 1 || len(res.Tasks) != 0 {
		t.Fatalf("DuplicateSkip = %d, Tasks = %d", len(res.DuplicateSkip), len(res.Tasks))
	}
	if again, _, _ := h.browser.Stats(); again != opened {
		t.Fatalf("sessions opened = %d, want %d", again, opened)
	}
	if recent := h.o.Recent(1); len(recent) != 1 || recent[0].RunID != res.RunID {
		t.Fatalf("Recent = %+v", recent)
	}
}

func TestOneRunPerIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(1), nil, nil)
	h.o.plan = fixedPlan(1)
	release := make(chan struct{})
	h.filler.hook = func(_ context.Context, id string, _ int) error {
		if id == "g0" {
			<-release
		}
		return nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := h.o.Run(context.Background(), request(makeTargets(1)))
		done <- err
	}()
	waitFor(t, "first run in flight", func() bool { return h.filler.totalCalls() == 1 })

	if _, err := h.o.Run(context.Background(), request(makeTargets(2)[1:])); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second Run err = %v, want ErrRunInProgress", err)
	}
	other := request(makeTargets(2)[1:])
	other.Identity = "bob"
	if _, err := h.o.Run(context.Background(), other); err != nil {
		t.Fatalf("Run for another identity: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}
}

func TestPauseHoldsNextBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(1), nil, nil)
	h.o.plan = fixedPlan(1, 1)
	release := make(chan struct{})
	h.filler.hook = func(_ context.Context, id string, _ int) error {
		if id == "g0" {
			<-release
		}
		return nil
	}
	done := make(chan RunResult, 1)
	go func() {
		res, _ := h.o.Run(context.Background(), request(makeTargets(2)))
		done <- res
	}()
	waitFor(t, "first lane in flight", func() bool { return h.filler.totalCalls() == 1 })

	if err := h.o.Pause("alice"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)
	waitFor(t, "first task completed", func() bool {
		st, _ := h.o.Status("alice")
		return st.CurrentIndex == 1
	})
	time.Sleep(20 * time.Millisecond)
	st, _ := h.o.Status("alice")
	if !st.IsPaused || st.State != StatePaused {
		t.Fatalf("Status = %+v, want paused", st)
	}
	if got := h.filler.callsFor("g1"); got != 0 {
		t.Fatalf("g1 fills while paused = %d, want 0", got)
	}

	if err := h.o.Resume("alice"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	res := <-done
	if res.State != StateCompleted || res.Completed != 2 {
		t.Fatalf("State = %s, Completed = %d", res.State, res.Completed)
	}
}

func TestInvalidRequestRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(1), nil, nil)
	tests := []struct {
		name string
		mut  func(*RunRequest)
	}{
		{"no identity", func(r *RunRequest) { r.Identity = " " }},
		{"no subject", func(r *RunRequest) { r.Subject.ID = "" }},
		{"no targets", func(r *RunRequest) { r.Targets = nil }},
		{"missing destination", func(r *RunRequest) { r.Targets[0].DestinationRef = "" }},
		{"picker without compose ref", func(r *RunRequest) { r.Mode = posting.ModePicker }},
		{"mixed-case picker without compose ref", func(r *RunRequest) { r.Mode = " Picker " }},
		{"unknown mode", func(r *RunRequest) { r.Mode = "broadcast" }},
		{"negative cooldown", func(r *RunRequest) { r.Cooldown = -time.Hour }},
	}
	for _, tt := range tests {
		req := request(makeTargets(2))
		tt.mut(&req)
		if _, err := h.o.Run(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: err = %v, want ErrInvalidRequest", tt.name, err)
		}
	}
	if opened, _, _ := h.browser.Stats(); opened != 0 {
		t.Fatalf("sessions opened = %d, want 0", opened)
	}
}

func TestNormalizeCanonicalizesMode(t *testing.T) {
	t.Parallel()

	req := request(makeTargets(1))
	req.Mode = " Picker "
	req.ComposeRef = "https://example.test/compose"
	if err := req.normalize(); err != nil {
		t.Fatalf("normalize() = %v", err)
	}
	if req.Mode != posting.ModePicker {
		t.Fatalf("Mode = %q, want %q", req.Mode, posting.ModePicker)
	}
}
