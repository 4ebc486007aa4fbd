package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"groupcast/internal/eventbus"
	logx "groupcast/pkg/logx"
)

type RegistryConfig struct {
	// MaxPerIdentity caps concurrently open sessions (primary included).
	MaxPerIdentity int
	// IdleTimeout closes an unreferenced primary session after this long.
	IdleTimeout  time.Duration
	ReapInterval time.Duration
}

// Registry hands out sessions per identity. Each identity has at most one
// long-lived primary session, shared by reference count, plus short-lived
// secondaries; together they never exceed MaxPerIdentity. Acquire waits for
// capacity instead of overcommitting.
type Registry struct {
	browser Browser
	cfg     RegistryConfig
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	mu     sync.Mutex
	pools  map[string]*pool
	closed bool
}

type pool struct {
	identity string
	open     int // includes reservations for sessions being opened

	primary     *Handle
	primaryRefs int
	lastUsed    time.Time
	opening     bool // primary open in flight

	// changed is closed and replaced whenever capacity or primary state
	// changes, waking every waiter.
	changed chan struct{}
}

func (p *pool) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// PoolStats is a point-in-time view of one identity's sessions.
type PoolStats struct {
	Identity    string    `json:"identity"`
	Open        int       `json:"open"`
	Cap         int       `json:"cap"`
	PrimaryOpen bool      `json:"primary_open"`
	PrimaryRefs int       `json:"primary_refs"`
	LastUsed    time.Time `json:"last_used"`
}

func NewRegistry(b Browser, cfg RegistryConfig, log logx.Logger, bus eventbus.Bus) *Registry {
	if cfg.MaxPerIdentity <= 0 {
		cfg.MaxPerIdentity = 3
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Registry{
		browser: b,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "session.registry")),
		bus:     bus,
		now:     time.Now,
		pools:   map[string]*pool{},
	}
}

func (r *Registry) Browser() Browser { return r.browser }

func (r *Registry) Cap() int { return r.cfg.MaxPerIdentity }

func (r *Registry) poolLocked(identity string) *pool {
	p := r.pools[identity]
	if p == nil {
		p = &pool{identity: identity, changed: make(chan struct{})}
		r.pools[identity] = p
	}
	return p
}

// Lease is a borrowed session. Release it exactly once; extra calls are
// no-ops.
type Lease struct {
	Handle Handle

	r    *Registry
	once sync.Once
}

// Release returns the session. Secondaries are closed; the primary stays
// open for reuse until it idles out.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() { l.r.release(ctx, l.Handle, false) })
}

// Discard closes the session even when it is the primary, e.g. after
// ErrSessionLost. The next primary Acquire opens a fresh one.
func (l *Lease) Discard(ctx context.Context) {
	l.once.Do(func() { l.r.release(ctx, l.Handle, true) })
}

// Acquire borrows the identity's primary session (opening it on demand) or
// opens a new secondary. It blocks until capacity is available or ctx ends.
func (r *Registry) Acquire(ctx context.Context, identity string, primary bool) (*Lease, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		p := r.poolLocked(identity)

		if primary && p.primary != nil {
			p.primaryRefs++
			p.lastUsed = r.now()
			h := *p.primary
			r.mu.Unlock()
			return &Lease{Handle: h, r: r}, nil
		}
		if primary && p.opening {
			wait := p.changed
			r.mu.Unlock()
			if err := waitFor(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		if p.open < r.cfg.MaxPerIdentity {
			p.open++
			if primary {
				p.opening = true
			}
			r.mu.Unlock()
			return r.openReserved(ctx, p, identity, primary)
		}
		wait := p.changed
		r.mu.Unlock()
		if err := waitFor(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func waitFor(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (r *Registry) openReserved(ctx context.Context, p *pool, identity string, primary bool) (*Lease, error) {
	h, err := r.browser.Open(ctx, identity, primary)

	r.mu.Lock()
	defer r.mu.Unlock()
	if primary {
		p.opening = false
	}
	if err != nil {
		p.open--
		p.notify()
		return nil, fmt.Errorf("open session for %s: %w", identity, err)
	}
	h.Identity = identity
	h.Primary = primary
	if primary {
		p.primary = &h
		p.primaryRefs = 1
		p.lastUsed = r.now()
	}
	p.notify()
	r.bus.Publish(eventbus.Event{Type: eventbus.SessionOpened, Identity: identity, Data: h})
	r.log.Debug("session opened", logx.String("identity", identity), logx.String("session", h.ID), logx.Bool("primary", primary))
	return &Lease{Handle: h, r: r}, nil
}

func (r *Registry) release(ctx context.Context, h Handle, discard bool) {
	r.mu.Lock()
	p := r.pools[h.Identity]
	if p == nil {
		r.mu.Unlock()
		return
	}
	closeIt := !h.Primary
	if h.Primary && p.primary != nil && p.primary.ID == h.ID {
		if p.primaryRefs > 0 {
			p.primaryRefs--
		}
		p.lastUsed = r.now()
		if discard {
			p.primary = nil
			p.primaryRefs = 0
			closeIt = true
		}
	}
	if closeIt {
		p.open--
	}
	p.notify()
	r.mu.Unlock()

	if closeIt {
		r.closeHandle(ctx, h, eventbus.SessionClosed)
	}
}

func (r *Registry) closeHandle(ctx context.Context, h Handle, evType string) {
	if err := r.browser.Close(ctx, h); err != nil {
		r.log.Warn("session close failed", logx.String("identity", h.Identity), logx.String("session", h.ID), logx.Err(err))
	}
	r.bus.Publish(eventbus.Event{Type: evType, Identity: h.Identity, Data: h})
}

// Reap closes primaries idle longer than IdleTimeout and forgets empty pools.
// It returns the number of sessions closed.
func (r *Registry) Reap(ctx context.Context) int {
	now := r.now()
	var victims []Handle

	r.mu.Lock()
	for id, p := range r.pools {
		if p.primary != nil && p.primaryRefs == 0 && now.Sub(p.lastUsed) >= r.cfg.IdleTimeout {
			victims = append(victims, *p.primary)
			p.primary = nil
			p.open--
			p.notify()
		}
		if p.open == 0 && p.primary == nil && !p.opening {
			delete(r.pools, id)
		}
	}
	r.mu.Unlock()

	for _, h := range victims {
		r.log.Info("evicting idle session", logx.String("identity", h.Identity), logx.String("session", h.ID))
		r.closeHandle(ctx, h, eventbus.SessionEvicted)
	}
	return len(victims)
}

// Run reaps on ReapInterval until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Reap(ctx)
		}
	}
}

// Close shuts every idle primary and refuses further Acquire calls.
// Leased sessions are closed by their holders on Release.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	var victims []Handle
	for _, p := range r.pools {
		if p.primary != nil && p.primaryRefs == 0 {
			victims = append(victims, *p.primary)
			p.primary = nil
			p.open--
		}
		p.notify()
	}
	r.mu.Unlock()
	for _, h := range victims {
		r.closeHandle(ctx, h, eventbus.SessionClosed)
	}
}

func (r *Registry) Stats() []PoolStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PoolStats, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, PoolStats{
			Identity:    p.identity,
			Open:        p.open,
			Cap:         r.cfg.MaxPerIdentity,
			PrimaryOpen: p.primary != nil,
			PrimaryRefs: p.primaryRefs,
			LastUsed:    p.lastUsed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
