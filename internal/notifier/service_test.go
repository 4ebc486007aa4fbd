package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/ledger"
	"groupcast/internal/orchestrator"
	"groupcast/internal/risk"
	kit "groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fail  int
}

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return kit.MessageRef{}, errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: 1, MessageID: len(f.texts)}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func testConfig() Config {
	return Config{
		Enabled:    true,
		Target:     kit.ChatTarget{ChatID: 42},
		RatePerSec: 1000,
		RetryMax:   2,
		RetryBase:  time.Millisecond,
	}
}

func startService(t *testing.T, cfg Config, sender kit.Sender, bus eventbus.Bus) (*Service, func()) {
	t.Helper()
	s := New(cfg, sender, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service did not start")
		}
		time.Sleep(time.Millisecond)
	}
	return s, func() {
		cancel()
		<-done
	}
}

func waitSent(t *testing.T, f *fakeSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(f.sent()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("sent %d reports, want %d", len(f.sent()), n)
		}
		time.Sleep(time.Millisecond)
	}
	return f.sent()
}

func TestRunFinishedIsReported(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sender := &fakeSender{}
	_, stop := startService(t, testConfig(), sender, bus)
	defer stop()

	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Identity: "alice", Data: orchestrator.RunResult{
		Identity:  "alice",
		SubjectID: "listing-1",
		Mode:      "direct",
		State:     orchestrator.StateHalted,
		Completed: 2,
		Failed:    4,
		Tasks:     make([]orchestrator.Task, 6),
		Risk:      &risk.Signal{Detected: true, Category: risk.InterstitialVerification, Reason: "captcha present"},
		Quota:     ledger.QuotaSnapshot{Tier: "standard", Limit: 25, Used: 6},
	}})

	got := waitSent(t, sender, 1)[0]
	for _, want := range []string{"run halted for alice", "completed 2, failed 4", "risk: interstitial_verification: captcha present", "quota: 6/25 used (standard)"} {
		if !strings.Contains(got, want) {
			t.Fatalf("report %q missing %q", got, want)
		}
	}
}

func TestReportOnFiltersStates(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sender := &fakeSender{}
	cfg := testConfig()
	cfg.ReportOn = []string{"halted"}
	_, stop := startService(t, cfg, sender, bus)

	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: orchestrator.RunResult{Identity: "a", State: orchestrator.StateCompleted}})
	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: orchestrator.RunResult{Identity: "b", State: orchestrator.StateHalted}})
	waitSent(t, sender, 1)
	stop()

	got := sender.sent()
	if len(got) != 1 || !strings.Contains(got[0], "for b") {
		t.Fatalf("sent = %q, want only the halted run", got)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{fail: 2}
	s, stop := startService(t, testConfig(), sender, eventbus.New())
	defer stop()

	if err := s.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitSent(t, sender, 1)
	if h := s.History(); len(h) != 1 || h[0].Err != "" {
		t.Fatalf("History = %+v", h)
	}
}

func TestDedupWindowDropsRepeats(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	cfg := testConfig()
	cfg.DedupWindow = time.Hour
	s, stop := startService(t, cfg, sender, eventbus.New())

	for range 3 {
		if err := s.Notify(context.Background(), "same"); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if err := s.Notify(context.Background(), "other"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitSent(t, sender, 2)
	stop()
	if got := sender.sent(); len(got) != 2 {
		t.Fatalf("sent = %q, want 2", got)
	}
}

func TestDisabledServiceRejects(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, &fakeSender{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify without target = %v, want ErrDisabled", err)
	}
}
