// Package matcher finds named targets in a lazily rendered selection list,
// ticking each one exactly once while scrolling until the list is exhausted.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"groupcast/internal/posting"
	logx "groupcast/pkg/logx"
)

var (
	ErrTooManyTargets = errors.New("matcher: more targets than max_ticks")
	ErrNotSelected    = errors.New("matcher: entry did not become selected")
)

type Config struct {
	MaxTicks          int
	MaxScrollAttempts int
	// StaleScrollLimit ends the scan after this many consecutive scrolls
	// reveal no new names.
	StaleScrollLimit int
	SettleDelay      time.Duration
	FuzzyThreshold   float64
	Stoplist         []string
}

func (c Config) withDefaults() Config {
	if c.MaxTicks <= 0 {
		c.MaxTicks = 30
	}
	if c.MaxScrollAttempts <= 0 {
		c.MaxScrollAttempts = 40
	}
	if c.StaleScrollLimit <= 0 {
		c.StaleScrollLimit = 4
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.FuzzyThreshold <= 0 {
		c.FuzzyThreshold = 0.5
	}
	if c.Stoplist == nil {
		c.Stoplist = DefaultStoplist
	}
	return c
}

type StopReason string

const (
	StopAllMatched     StopReason = "all_matched"
	StopAttemptCeiling StopReason = "attempt_ceiling"
	StopEndOfList      StopReason = "end_of_list"
	StopCancelled      StopReason = "cancelled"
)

type Match struct {
	Target          posting.Target
	Entry           Entry
	Exact           bool
	Score           float64
	AlreadySelected bool
}

type Failure struct {
	Target posting.Target
	Entry  Entry
	Err    error
}

// Result partitions the input targets into three disjoint sets.
type Result struct {
	Matched      []Match
	SelectFailed []Failure
	NotFound     []posting.Target
	Scrolls      int
	Observed     int
	Stop         StopReason
}

func (r Result) MatchedTargets() []posting.Target {
	out := make([]posting.Target, 0, len(r.Matched))
	for _, m := range r.Matched {
		out = append(out, m.Target)
	}
	return out
}

type Matcher struct {
	cfg  Config
	log  logx.Logger
	stop map[string]bool
}

func New(cfg Config, log logx.Logger) *Matcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	stop := make(map[string]bool, len(cfg.Stoplist))
	for _, w := range cfg.Stoplist {
		stop[Normalize(w)] = true
	}
	return &Matcher{cfg: cfg, log: log.With(logx.String("comp", "matcher")), stop: stop}
}

func (m *Matcher) Config() Config { return m.cfg }

type candidate struct {
	target posting.Target
	norm   string
	tokens map[string]struct{}
}

// Run scans the surface for targets. On context cancellation it returns the
// partial result (unmatched targets reported not-found) with the context
// error.
func (m *Matcher) Run(ctx context.Context, s ListSurface, targets []posting.Target) (Result, error) {
	if len(targets) > m.cfg.MaxTicks {
		return Result{}, fmt.Errorf("%w: %d > %d", ErrTooManyTargets, len(targets), m.cfg.MaxTicks)
	}
	remaining := make([]candidate, 0, len(targets))
	for _, t := range targets {
		n := Normalize(t.DisplayName)
		remaining = append(remaining, candidate{target: t, norm: n, tokens: Tokens(n)})
	}

	var (
		res          Result
		observed     = map[string]bool{}
		matchedForms = map[string]bool{}
		stale        int
		runErr       error
	)

scan:
	for {
		if err := ctx.Err(); err != nil {
			res.Stop, runErr = StopCancelled, err
			break
		}
		entries, err := s.Visible(ctx)
		if err != nil {
			m.log.Debug("read visible entries failed", logx.Err(err))
		}

		fresh := 0
		for _, e := range entries {
			n := Normalize(e.Name)
			if n == "" {
				continue
			}
			if !observed[n] {
				observed[n] = true
				fresh++
			}
			// A matched entry that re-renders under new text is not matched again.
			if matchedForms[e.Name] || matchedForms[n] {
				continue
			}
			idx, exact, score := m.best(n, remaining)
			if idx < 0 {
				continue
			}
			c := remaining[idx]
			remaining = append(remaining[:idx], remaining[idx+1:]...)
			matchedForms[e.Name], matchedForms[n] = true, true

			already, err := m.ensureSelected(ctx, s, e)
			if err != nil {
				res.SelectFailed = append(res.SelectFailed, Failure{Target: c.target, Entry: e, Err: err})
				m.log.Debug("select failed", logx.String("target", c.target.ID), logx.String("entry", e.Name), logx.Err(err))
				continue
			}
			res.Matched = append(res.Matched, Match{Target: c.target, Entry: e, Exact: exact, Score: score, AlreadySelected: already})
		}

		switch {
		case len(remaining) == 0:
			res.Stop = StopAllMatched
			break scan
		case res.Scrolls >= m.cfg.MaxScrollAttempts:
			res.Stop = StopAttemptCeiling
			break scan
		}
		if res.Scrolls > 0 {
			if fresh == 0 {
				stale++
			} else {
				stale = 0
			}
			if stale >= m.cfg.StaleScrollLimit {
				res.Stop = StopEndOfList
				break scan
			}
		}

		m.scroll(ctx, s)
		res.Scrolls++
		if err := sleepCtx(ctx, m.cfg.SettleDelay); err != nil {
			res.Stop, runErr = StopCancelled, err
			break
		}
	}

	for _, c := range remaining {
		res.NotFound = append(res.NotFound, c.target)
	}
	res.Observed = len(observed)
	m.log.Debug("scan finished",
		logx.Int("matched", len(res.Matched)),
		logx.Int("select_failed", len(res.SelectFailed)),
		logx.Int("not_found", len(res.NotFound)),
		logx.Int("scrolls", res.Scrolls),
		logx.String("stop", string(res.Stop)),
	)
	return res, runErr
}

// best prefers an exact normalized match anywhere in remaining, then the
// highest qualifying token overlap (earliest wins ties).
func (m *Matcher) best(name string, remaining []candidate) (idx int, exact bool, score float64) {
	for i, c := range remaining {
		if c.norm == name {
			return i, true, 1
		}
	}
	toks := Tokens(name)
	idx = -1
	for i, c := range remaining {
		sc, informative := overlap(toks, c.tokens, m.stop)
		if informative && sc >= m.cfg.FuzzyThreshold && sc > score {
			idx, score = i, sc
		}
	}
	return idx, false, score
}

// ensureSelected is idempotent: an already-checked entry is left alone, and
// a select that does not stick is re-issued once.
func (m *Matcher) ensureSelected(ctx context.Context, s ListSurface, e Entry) (already bool, err error) {
	sel, err := s.IsSelected(ctx, e)
	if err != nil {
		return false, fmt.Errorf("read selection: %w", err)
	}
	if sel {
		return true, nil
	}
	lastErr := ErrNotSelected
	for attempt := 0; attempt < 2; attempt++ {
		if err := s.Select(ctx, e); err != nil {
			lastErr = err
			continue
		}
		sel, err := s.IsSelected(ctx, e)
		if err != nil {
			lastErr = err
			continue
		}
		if sel {
			return false, nil
		}
		lastErr = ErrNotSelected
	}
	return false, lastErr
}

// scroll tries each strategy in escalation order and stops at the first
// one that moves the list. It reports whether anything moved.
func (m *Matcher) scroll(ctx context.Context, s ListSurface) bool {
	before, err := s.ScrollPosition(ctx)
	if err != nil {
		m.log.Debug("read scroll position failed", logx.Err(err))
	}
	var tried []string
	for _, st := range ScrollOrder {
		if err := s.Scroll(ctx, st); err != nil {
			if !errors.Is(err, ErrStrategyUnsupported) {
				m.log.Debug("scroll failed", logx.String("strategy", st.String()), logx.Err(err))
			}
			continue
		}
		tried = append(tried, st.String())
		after, err := s.ScrollPosition(ctx)
		if err == nil && after != before {
			return true
		}
	}
	m.log.Trace("no scroll strategy moved the list", logx.String("tried", strings.Join(tried, ",")))
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
