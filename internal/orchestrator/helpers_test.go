package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"groupcast/internal/content"
	"groupcast/internal/ledger"
	"groupcast/internal/matcher"
	"groupcast/internal/posting"
	"groupcast/internal/session"
	"groupcast/internal/session/sessiontest"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

type fakeFiller struct {
	mu     sync.Mutex
	calls  map[string]int
	total  int
	active int
	peak   int
	hook   func(ctx context.Context, target string, call int) error
}

func newFakeFiller() *fakeFiller { return &fakeFiller{calls: map[string]int{}} }

func (f *fakeFiller) Fill(ctx context.Context, _ session.Handle, p content.Payload, _ []string) error {
	id := "compose"
	if p.Target != nil {
		id = p.Target.ID
	}
	f.mu.Lock()
	f.calls[id]++
	f.total++
	n := f.calls[id]
	f.active++
	f.peak = max(f.peak, f.active)
	hook := f.hook
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	if hook != nil {
		return hook(ctx, id, n)
	}
	return nil
}

func (f *fakeFiller) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeFiller) peakActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type harness struct {
	o       *Orchestrator
	browser *sessiontest.Browser
	filler  *fakeFiller
	book    *ledger.Book
	store   storage.Store
}

func fastConfig(lanes int) Config {
	return Config{
		MinLanes:           lanes,
		MaxLanes:           lanes,
		SleepIncrement:     time.Millisecond,
		PausePoll:          time.Millisecond,
		NavTimeout:         time.Second,
		FillTimeout:        5 * time.Second,
		MatchTimeout:       5 * time.Second,
		RiskTimeout:        time.Second,
		RetryFailedBatches: true,
		Cooldown:           CooldownConfig{Threshold: 1, Base: time.Hour, Max: 4 * time.Hour},
	}
}

func newHarness(t *testing.T, cfg Config, tiers map[string]int, poster CrossPoster) *harness {
	t.Helper()
	if tiers == nil {
		tiers = map[string]int{"standard": 100}
	}
	b := sessiontest.New()
	reg := session.NewRegistry(b, session.RegistryConfig{MaxPerIdentity: 4}, logx.Nop(), nil)
	store := storage.NewMemory()
	book := ledger.NewBook(ledger.Config{Location: time.UTC, Tiers: tiers}, store, logx.Nop(), nil)
	filler := newFakeFiller()
	o, err := New(cfg, Deps{
		Sessions: reg,
		Ledgers:  book,
		Matcher:  matcher.New(matcher.Config{StaleScrollLimit: 1}, logx.Nop()),
		Filler:   filler,
		Poster:   poster,
		Audit:    store,
		Log:      logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{o: o, browser: b, filler: filler, book: book, store: store}
}

// fixedPlan pins the batch layout.
func fixedPlan(sizes ...int) func(int, int) []int {
	return func(int, int) []int { return sizes }
}

func makeTargets(n int) []posting.Target {
	out := make([]posting.Target, 0, n)
	for i := range n {
		out = append(out, posting.Target{
			ID:             fmt.Sprintf("g%d", i),
			DisplayName:    fmt.Sprintf("Group %d", i),
			DestinationRef: fmt.Sprintf("https://example.test/groups/%d", i),
		})
	}
	return out
}

func request(targets []posting.Target) RunRequest {
	return RunRequest{
		Identity: "alice",
		Subject:  posting.Subject{ID: "listing-1", Title: "Rumah Depok"},
		Targets:  targets,
		Source:   "test",
	}
}

func statuses(res RunResult) map[TaskStatus]int {
	out := map[TaskStatus]int{}
	for _, t := range res.Tasks {
		out[t.Status]++
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// fakeSurface is a static picker list.
type fakeSurface struct {
	mu       sync.Mutex
	entries  []matcher.Entry
	selected map[string]bool
}

func newSurface(names ...string) *fakeSurface {
	s := &fakeSurface{selected: map[string]bool{}}
	for i, n := range names {
		s.entries = append(s.entries, matcher.Entry{Key: fmt.Sprint(i), Name: n})
	}
	return s
}

func (s *fakeSurface) Visible(context.Context) ([]matcher.Entry, error) {
	return s.entries, nil
}

func (s *fakeSurface) IsSelected(_ context.Context, e matcher.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected[e.Key], nil
}

func (s *fakeSurface) Select(_ context.Context, e matcher.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected[e.Key] = true
	return nil
}

func (s *fakeSurface) ScrollPosition(context.Context) (float64, error) { return 0, nil }

func (s *fakeSurface) Scroll(context.Context, matcher.ScrollStrategy) error { return nil }

type fakePoster struct {
	mu        sync.Mutex
	primary   *fakeSurface
	secondary *fakeSurface
	// deliver decides per submit call which targets are confirmed.
	deliver   func(call int, selected []posting.Target) []string
	submits   int
	secondOps int
}

func (p *fakePoster) OpenPicker(context.Context, session.Handle) (matcher.ListSurface, error) {
	return p.primary, nil
}

func (p *fakePoster) Submit(_ context.Context, _ session.Handle, selected []posting.Target) (Receipt, error) {
	p.mu.Lock()
	p.submits++
	call := p.submits
	p.mu.Unlock()
	var ids []string
	if p.deliver != nil {
		ids = p.deliver(call, selected)
	} else {
		for _, t := range selected {
			ids = append(ids, t.ID)
		}
	}
	return Receipt{Delivered: ids}, nil
}

func (p *fakePoster) OpenSecondary(context.Context, session.Handle) (matcher.ListSurface, bool, error) {
	p.mu.Lock()
	p.secondOps++
	p.mu.Unlock()
	if p.secondary == nil {
		return nil, false, nil
	}
	return p.secondary, true, nil
}

func (f *fakeFiller) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}
