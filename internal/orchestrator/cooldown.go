package orchestrator

import (
	"strings"
	"sync"
	"time"
)

// CooldownConfig drives the per-identity risk breaker.
//
// Threshold < 0 disables it; 0 applies the default.
type CooldownConfig struct {
	Threshold  int
	Base       time.Duration
	Max        time.Duration
	ResetAfter time.Duration
}

func (c CooldownConfig) withDefaults() CooldownConfig {
	if c.Threshold == 0 {
		c.Threshold = 1
	}
	if c.Base <= 0 {
		c.Base = 30 * time.Minute
	}
	if c.Max <= 0 {
		c.Max = 6 * time.Hour
	}
	if c.Max < c.Base {
		c.Max = c.Base
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 24 * time.Hour
	}
	return c
}

// breakerState counts consecutive risk halts for one identity.
//   - A run that finishes without a halt closes the breaker.
//   - Each halt increments halts; once halts >= Threshold the identity is
//     refused for an exponentially growing cooldown.
type breakerState struct {
	halts     int
	openUntil time.Time
	lastHalt  time.Time
	category  string
}

type riskBreaker struct {
	mu sync.Mutex
	m  map[string]*breakerState
}

func (b *riskBreaker) get(identity string) *breakerState {
	k := strings.TrimSpace(identity)
	if b.m == nil {
		b.m = map[string]*breakerState{}
	}
	st := b.m[k]
	if st == nil {
		st = &breakerState{}
		b.m[k] = st
	}
	return st
}

// staleReset forgets halts older than ResetAfter. Callers hold b.mu.
func (st *breakerState) staleReset(now time.Time, cfg CooldownConfig) {
	if !st.lastHalt.IsZero() && now.Sub(st.lastHalt) > cfg.ResetAfter {
		st.halts = 0
		st.openUntil = time.Time{}
	}
}

func (b *riskBreaker) isOpen(now time.Time, identity string, cfg CooldownConfig) (bool, time.Time) {
	if cfg.Threshold < 0 {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(identity)
	st.staleReset(now, cfg)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record updates the breaker after a run. halted=false resets it.
func (b *riskBreaker) record(now time.Time, identity string, cfg CooldownConfig, halted bool, category string) time.Time {
	if cfg.Threshold < 0 {
		return time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.get(identity)
	st.staleReset(now, cfg)

	if !halted {
		*st = breakerState{}
		return time.Time{}
	}
	st.halts++
	st.lastHalt = now
	st.category = category
	if st.halts < cfg.Threshold {
		return time.Time{}
	}

	d := cfg.Base
	for i := 0; i < st.halts-cfg.Threshold; i++ {
		d *= 2
		if d >= cfg.Max {
			break
		}
	}
	d = min(d, cfg.Max)
	st.openUntil = now.Add(d)
	return st.openUntil
}

// CooldownView is a diagnostics row.
type CooldownView struct {
	Identity  string    `json:"identity"`
	Halts     int       `json:"halts"`
	OpenUntil time.Time `json:"open_until,omitzero"`
	Category  string    `json:"category,omitempty"`
}

func (b *riskBreaker) snapshot(now time.Time) []CooldownView {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []CooldownView
	for id, st := range b.m {
		if st.halts == 0 {
			continue
		}
		v := CooldownView{Identity: id, Halts: st.halts, Category: st.category}
		if now.Before(st.openUntil) {
			v.OpenUntil = st.openUntil
		}
		out = append(out, v)
	}
	return out
}

// clear closes the breaker for identity, e.g. after an operator confirmed
// the account is healthy again.
func (b *riskBreaker) clear(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, strings.TrimSpace(identity))
}
