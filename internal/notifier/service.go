package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"groupcast/internal/eventbus"
	kit "groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyMax = 200

// Service is safe for concurrent use. Run owns the workers; Notify only
// enqueues.
type Service struct {
	cfg     Config
	sender  kit.Sender
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.Mutex
	queue   chan string
	running bool

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		now:     time.Now,
		queue:   make(chan string, cfg.QueueSize),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	return s.cfg.Enabled && s.sender != nil && !s.cfg.Target.IsZero()
}

// Notify queues text for delivery. Text repeated inside the dedup window is
// dropped silently.
func (s *Service) Notify(ctx context.Context, text string) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if text == "" || !s.dedupAllow(text) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrStopped
	}
	select {
	case s.queue <- text:
		return nil
	default:
		s.log.Warn("report dropped: queue full")
		return ErrQueueFull
	}
}

// Run turns bus events into reports and delivers them until ctx ends.
// Queued reports get a few seconds to flush on the way out. Run must be
// called at most once.
func (s *Service) Run(ctx context.Context) error {
	if !s.Enabled() {
		<-ctx.Done()
		return nil
	}
	events, unsub := s.bus.Subscribe(64, eventbus.RunFinished, eventbus.RiskDetected, eventbus.JobFinished)
	defer unsub()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	for range s.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(workCtx)
		}()
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case e, ok := <-events:
			if !ok {
				break loop
			}
			text, ok := s.report(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, text); err != nil && ctx.Err() == nil {
				s.log.Debug("report not queued", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}

	s.mu.Lock()
	s.running = false
	close(s.queue)
	s.mu.Unlock()

	flushed := make(chan struct{})
	go func() {
		wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(5 * time.Second):
		s.log.Warn("report flush timed out")
		stopWorkers()
		<-flushed
	}
	return nil
}

func (s *Service) worker(ctx context.Context) {
	for text := range s.queue {
		s.send(ctx, text)
	}
}

func (s *Service) send(ctx context.Context, text string) {
	attempts := 1 + s.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err := s.sender.SendText(callCtx, s.cfg.Target, text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.appendHistory(text, nil)
			return
		}
		lastErr = err
		s.log.Debug("report send failed", logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(s.retryDelay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	s.appendHistory(text, lastErr)
	s.log.Warn("report not delivered", logx.Int("attempts", attempts), logx.Err(lastErr))
}

// retryDelay is base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func (s *Service) retryDelay(attempt int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempt && d < s.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, s.cfg.RetryMaxDelay)
	return min(time.Duration(float64(d)*(0.7+rand.Float64()*0.6)), s.cfg.RetryMaxDelay)
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(text string) bool {
	if s.cfg.DedupWindow <= 0 {
		return true
	}
	key := dedupKey(text)
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	return true
}

func (s *Service) appendHistory(text string, err error) {
	item := HistoryItem{At: s.now(), Text: text}
	if err != nil {
		item.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if over := len(s.history) - historyMax; over > 0 {
		s.history = slices.Clone(s.history[over:])
	}
	s.hmu.Unlock()
}

// History returns delivered and failed reports, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return slices.Clone(s.history)
}
