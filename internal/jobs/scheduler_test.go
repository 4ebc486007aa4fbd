package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"groupcast/internal/posting"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, store storage.Store, trig Trigger) (*Scheduler, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)}
	if store == nil {
		store = storage.NewMemory()
	}
	s := New(Config{Location: time.UTC, Retention: 48 * time.Hour}, store, trig, logx.Nop(), nil, WithClock(clk.Now))
	return s, clk
}

func payload() Payload {
	return Payload{
		Subject: posting.Subject{ID: "listing-1", Title: "Rumah Depok"},
		Targets: []posting.Target{{ID: "g1", DisplayName: "Group 1", DestinationRef: "https://example.test/g1"}},
	}
}

func TestRunDueFiresOldestFirst(t *testing.T) {
	t.Parallel()

	var order []string
	trig := func(_ context.Context, j Job) (Result, error) {
		order = append(order, j.Payload.Tier)
		return Result{RunID: "run-" + j.Payload.Tier, State: "completed", Completed: 1}, nil
	}
	s, clk := newTestScheduler(t, nil, trig)
	ctx := context.Background()
	base := clk.Now()
	for _, tc := range []struct {
		tier string
		due  time.Duration
	}{{"late", 20 * time.Minute}, {"early", 10 * time.Minute}, {"future", 2 * time.Hour}} {
		p := payload()
		p.Tier = tc.tier
		if _, err := s.Add(ctx, AddRequest{Identity: "alice", DueAt: base.Add(tc.due), Payload: p}); err != nil {
			t.Fatalf("Add(%s): %v", tc.tier, err)
		}
	}

	if n := s.RunDue(ctx); n != 0 {
		t.Fatalf("RunDue before due = %d, want 0", n)
	}
	clk.Advance(30 * time.Minute)
	if n := s.RunDue(ctx); n != 2 {
		t.Fatalf("RunDue = %d, want 2", n)
	}
	if strings.Join(order, ",") != "early,late" {
		t.Fatalf("order = %v, want early,late", order)
	}

	jobs, err := s.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Status{StatusCompleted, StatusCompleted, StatusPending}
	for i, j := range jobs {
		if j.Status != want[i] {
			t.Fatalf("jobs[%d] = %s, want %s", i, j.Status, want[i])
		}
	}
	if jobs[0].Result == nil || jobs[0].Result.RunID != "run-early" {
		t.Fatalf("result = %+v", jobs[0].Result)
	}
}

func TestTriggerFailuresStayPerJob(t *testing.T) {
	t.Parallel()

	trig := func(_ context.Context, j Job) (Result, error) {
		switch j.Payload.Tier {
		case "boom":
			return Result{}, errors.New("browser gone")
		case "panic":
			panic("nil page")
		}
		return Result{State: "completed"}, nil
	}
	s, clk := newTestScheduler(t, nil, trig)
	ctx := context.Background()
	for i, tier := range []string{"boom", "panic", "ok"} {
		p := payload()
		p.Tier = tier
		if _, err := s.Add(ctx, AddRequest{Identity: "alice", DueAt: clk.Now().Add(time.Duration(i) * time.Second), Payload: p}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	clk.Advance(time.Minute)
	if n := s.RunDue(ctx); n != 3 {
		t.Fatalf("RunDue = %d, want 3", n)
	}
	jobs, _ := s.List(ctx, "alice")
	if jobs[0].Status != StatusFailed || jobs[0].Error != "browser gone" {
		t.Fatalf("boom job = %s %q", jobs[0].Status, jobs[0].Error)
	}
	if jobs[1].Status != StatusFailed || !strings.Contains(jobs[1].Error, "nil page") {
		t.Fatalf("panic job = %s %q", jobs[1].Status, jobs[1].Error)
	}
	if jobs[2].Status != StatusCompleted {
		t.Fatalf("ok job = %s", jobs[2].Status)
	}
}

func TestMissingTriggerFailsJob(t *testing.T) {
	t.Parallel()

	s, clk := newTestScheduler(t, nil, nil)
	ctx := context.Background()
	j, err := s.Add(ctx, AddRequest{Identity: "alice", DueAt: clk.Now(), Payload: payload()})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.RunDue(ctx)
	got, err := s.Get(ctx, "alice", j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed || got.Error != ErrNoTrigger.Error() {
		t.Fatalf("job = %s %q", got.Status, got.Error)
	}
}

func TestRecurringJobRearms(t *testing.T) {
	t.Parallel()

	calls := 0
	trig := func(context.Context, Job) (Result, error) {
		calls++
		if calls == 1 {
			return Result{}, errors.New("first fails")
		}
		return Result{State: "completed"}, nil
	}
	s, clk := newTestScheduler(t, nil, trig)
	ctx := context.Background()
	first, err := s.Add(ctx, AddRequest{Identity: "alice", Recurrence: "02:00", Payload: payload()})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if want := clk.Now().Add(2 * time.Hour); !first.DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want %v", first.DueAt, want)
	}

	clk.Advance(2 * time.Hour)
	s.RunDue(ctx)
	jobs, _ := s.List(ctx, "alice")
	if len(jobs) != 2 || jobs[0].Status != StatusFailed || jobs[1].Status != StatusPending {
		t.Fatalf("jobs after failure = %+v", jobs)
	}
	if jobs[1].ParentID != first.ID || !jobs[1].DueAt.Equal(first.DueAt.Add(2*time.Hour)) {
		t.Fatalf("next = parent %s due %v", jobs[1].ParentID, jobs[1].DueAt)
	}

	// A long outage skips missed slots instead of replaying them.
	clk.Advance(9 * time.Hour)
	if n := s.RunDue(ctx); n != 1 {
		t.Fatalf("RunDue after outage = %d, want 1", n)
	}
	jobs, _ = s.List(ctx, "alice")
	last := jobs[len(jobs)-1]
	if last.Status != StatusPending || !last.DueAt.After(clk.Now()) {
		t.Fatalf("re-armed job = %s due %v, now %v", last.Status, last.DueAt, clk.Now())
	}

	if _, err := s.Cancel(ctx, "alice", last.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	clk.Advance(24 * time.Hour)
	if n := s.RunDue(ctx); n != 0 {
		t.Fatalf("RunDue after cancel = %d, want 0", n)
	}
}

func TestLoadFailsInterruptedJobs(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()
	doc := document{Version: documentVersion, Jobs: []Job{
		{ID: "a", Identity: "alice", Status: StatusRunning, Payload: payload()},
		{ID: "b", Identity: "alice", Status: StatusPending, Payload: payload()},
	}}
	raw, _ := json.Marshal(doc)
	if err := store.Save(ctx, storage.Key{Identity: "alice", Kind: storage.KindSchedule}, raw); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s, _ := newTestScheduler(t, store, nil)
	if err := s.Load(ctx, "alice"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	a, _ := s.Get(ctx, "alice", "a")
	if a.Status != StatusFailed || a.Error != "interrupted" {
		t.Fatalf("job a = %s %q", a.Status, a.Error)
	}
	if b, _ := s.Get(ctx, "alice", "b"); b.Status != StatusPending {
		t.Fatalf("job b = %s", b.Status)
	}

	// The recovery was persisted.
	s2, _ := newTestScheduler(t, store, nil)
	if a, _ := s2.Get(ctx, "alice", "a"); a.Status != StatusFailed {
		t.Fatalf("reloaded job a = %s", a.Status)
	}
}

func TestLoadRearmsInterruptedRecurringJob(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()
	s, clk := newTestScheduler(t, store, nil)
	due := clk.Now().Add(-30 * time.Minute)
	doc := document{Version: documentVersion, Jobs: []Job{
		{ID: "a", Identity: "alice", Status: StatusRunning, DueAt: due, Recurrence: "1h", Payload: payload()},
	}}
	raw, _ := json.Marshal(doc)
	if err := store.Save(ctx, storage.Key{Identity: "alice", Kind: storage.KindSchedule}, raw); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Load(ctx, "alice"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	list, err := s.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var next *Job
	for i := range list {
		if list[i].ParentID == "a" {
			next = &list[i]
		}
	}
	if next == nil {
		t.Fatalf("no occurrence re-armed from interrupted job: %+v", list)
	}
	if next.Status != StatusPending || !next.DueAt.Equal(due.Add(time.Hour)) {
		t.Fatalf("next = %s at %v, want pending at %v", next.Status, next.DueAt, due.Add(time.Hour))
	}
}

func TestRunDueMergesEditsFromOtherProcesses(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()
	var fired []string
	server, clk := newTestScheduler(t, store, func(_ context.Context, j Job) (Result, error) {
		fired = append(fired, j.ID)
		return Result{State: "completed"}, nil
	})
	if err := server.Load(ctx, "alice"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cli, _ := newTestScheduler(t, store, nil)
	soon, err := cli.Add(ctx, AddRequest{Identity: "alice", DueAt: clk.Now().Add(5 * time.Minute), Payload: payload()})
	if err != nil {
		t.Fatalf("Add soon: %v", err)
	}
	cli2, _ := newTestScheduler(t, store, nil)
	later, err := cli2.Add(ctx, AddRequest{Identity: "alice", DueAt: clk.Now().Add(2 * time.Hour), Payload: payload()})
	if err != nil {
		t.Fatalf("Add later: %v", err)
	}
	cli3, _ := newTestScheduler(t, store, nil)
	if _, err := cli3.Cancel(ctx, "alice", later.ID); err != nil {
		t.Fatalf("Cancel later: %v", err)
	}

	clk.Advance(3 * time.Hour)
	if n := server.RunDue(ctx); n != 1 {
		t.Fatalf("RunDue = %d, want 1", n)
	}
	if len(fired) != 1 || fired[0] != soon.ID {
		t.Fatalf("fired = %v, want [%s]", fired, soon.ID)
	}
	if j, _ := server.Get(ctx, "alice", later.ID); j.Status != StatusCancelled {
		t.Fatalf("later = %s, want cancelled", j.Status)
	}
}

func TestLazyLookupLeavesRunningJobsAlone(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()
	doc := document{Version: documentVersion, Jobs: []Job{
		{ID: "a", Identity: "alice", Status: StatusRunning, Payload: payload()},
	}}
	raw, _ := json.Marshal(doc)
	if err := store.Save(ctx, storage.Key{Identity: "alice", Kind: storage.KindSchedule}, raw); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cli, _ := newTestScheduler(t, store, nil)
	if j, err := cli.Get(ctx, "alice", "a"); err != nil || j.Status != StatusRunning {
		t.Fatalf("Get = %s, %v; want running", j.Status, err)
	}
}

func TestAddValidates(t *testing.T) {
	t.Parallel()

	s, clk := newTestScheduler(t, nil, nil)
	ctx := context.Background()
	tests := []struct {
		name string
		req  AddRequest
	}{
		{"no identity", AddRequest{DueAt: clk.Now(), Payload: payload()}},
		{"no due", AddRequest{Identity: "alice", Payload: payload()}},
		{"no targets", AddRequest{Identity: "alice", DueAt: clk.Now(), Payload: Payload{Subject: posting.Subject{ID: "x"}}}},
		{"bad recurrence", AddRequest{Identity: "alice", Recurrence: "every tuesday-ish", Payload: payload()}},
		{"too frequent", AddRequest{Identity: "alice", Recurrence: "10s", Payload: payload()}},
		{"picker without compose", AddRequest{Identity: "alice", DueAt: clk.Now(), Mode: posting.ModePicker, Payload: payload()}},
		{"mixed-case picker without compose", AddRequest{Identity: "alice", DueAt: clk.Now(), Mode: "Picker", Payload: payload()}},
		{"unknown mode", AddRequest{Identity: "alice", DueAt: clk.Now(), Mode: "broadcast", Payload: payload()}},
	}
	for _, tt := range tests {
		if _, err := s.Add(ctx, tt.req); !errors.Is(err, ErrInvalidJob) {
			t.Fatalf("%s: err = %v, want ErrInvalidJob", tt.name, err)
		}
	}
}

func TestAddCanonicalizesMode(t *testing.T) {
	t.Parallel()

	s, clk := newTestScheduler(t, nil, nil)
	ctx := context.Background()
	j, err := s.Add(ctx, AddRequest{Identity: "alice", DueAt: clk.Now(), Mode: " DIRECT ", Payload: payload()})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if j.Mode != posting.ModeDirect {
		t.Fatalf("Mode = %q, want %q", j.Mode, posting.ModeDirect)
	}
	got, err := s.Get(ctx, "alice", j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Mode != posting.ModeDirect {
		t.Fatalf("stored Mode = %q, want %q", got.Mode, posting.ModeDirect)
	}
}

func TestRunDoesNotStallOnBusyIdentity(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	aliceStarted := make(chan struct{})
	bobFired := make(chan struct{})
	var once sync.Once
	trig := func(ctx context.Context, j Job) (Result, error) {
		switch j.Identity {
		case "alice":
			once.Do(func() { close(aliceStarted) })
			select {
			case <-release:
			case <-ctx.Done():
			}
		case "bob":
			close(bobFired)
		}
		return Result{State: "completed", Completed: 1}, nil
	}
	clk := &fakeClock{t: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)}
	s := New(Config{Location: time.UTC, TickInterval: 10 * time.Millisecond}, storage.NewMemory(), trig, logx.Nop(), nil, WithClock(clk.Now))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.Add(ctx, AddRequest{Identity: "alice", DueAt: clk.Now(), Payload: payload()}); err != nil {
		t.Fatalf("Add alice: %v", err)
	}
	if _, err := s.Add(ctx, AddRequest{Identity: "bob", DueAt: clk.Now().Add(time.Hour), Payload: payload()}); err != nil {
		t.Fatalf("Add bob: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-aliceStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("alice's job never fired")
	}
	clk.Advance(2 * time.Hour)
	select {
	case <-bobFired:
	case <-time.After(2 * time.Second):
		t.Fatal("bob's job did not fire while alice's run was in flight")
	}

	close(release)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCancelAndPrune(t *testing.T) {
	t.Parallel()

	s, clk := newTestScheduler(t, nil, func(context.Context, Job) (Result, error) { return Result{}, nil })
	ctx := context.Background()
	j, _ := s.Add(ctx, AddRequest{Identity: "alice", DueAt: clk.Now().Add(time.Hour), Payload: payload()})

	if _, err := s.Cancel(ctx, "alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel missing = %v, want ErrNotFound", err)
	}
	if _, err := s.Cancel(ctx, "alice", j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := s.Cancel(ctx, "alice", j.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second Cancel = %v, want ErrNotPending", err)
	}

	if n := s.Prune(ctx); n != 0 {
		t.Fatalf("Prune inside retention = %d, want 0", n)
	}
	clk.Advance(49 * time.Hour)
	if n := s.Prune(ctx); n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}
	if _, err := s.Get(ctx, "alice", j.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after prune = %v, want ErrNotFound", err)
	}
}
