// Package orchestrator runs delivery of one subject to many targets in
// randomly sized batches of staggered concurrent lanes, gated by the ledger
// and halted by the risk detector.
package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"groupcast/internal/content"
	"groupcast/internal/eventbus"
	"groupcast/internal/ledger"
	"groupcast/internal/matcher"
	"groupcast/internal/risk"
	"groupcast/internal/session"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

var tracer = otel.Tracer("groupcast/internal/orchestrator")

// Deps are the collaborators of an Orchestrator. Sessions, Ledgers and
// Filler are required; Poster is only needed for picker mode.
type Deps struct {
	Sessions *session.Registry
	Ledgers  *ledger.Book
	Risk     *risk.Detector
	Matcher  *matcher.Matcher
	Filler   content.FormFiller
	Poster   CrossPoster
	Captions content.CaptionProvider
	// Audit receives one entry per finished run when set.
	Audit storage.Store
	Bus   eventbus.Bus
	Log   logx.Logger
}

type Option func(*Orchestrator)

// WithRandSource makes batch sizes, lane counts and delays reproducible.
func WithRandSource(src rand.Source) Option {
	return func(o *Orchestrator) { o.pacer = newPacer(src) }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type Orchestrator struct {
	deps  Deps
	log   logx.Logger
	bus   eventbus.Bus
	pacer *pacer
	now   func() time.Time
	// plan overrides the random batch layout.
	plan func(n, maxSize int) []int

	breaker riskBreaker

	mu      sync.Mutex
	cfg     Config
	active  map[string]*run
	history []RunResult
}

func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	var errs []error
	if deps.Sessions == nil {
		errs = append(errs, errors.New("orchestrator: session registry is required"))
	}
	if deps.Ledgers == nil {
		errs = append(errs, errors.New("orchestrator: ledger book is required"))
	}
	if deps.Filler == nil {
		errs = append(errs, errors.New("orchestrator: form filler is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Risk == nil {
		deps.Risk = risk.New(nil, deps.Log)
	}
	if deps.Matcher == nil {
		deps.Matcher = matcher.New(matcher.Config{}, deps.Log)
	}
	o := &Orchestrator{
		deps:   deps,
		log:    deps.Log.With(logx.String("comp", "orchestrator")),
		bus:    deps.Bus,
		pacer:  newPacer(nil),
		now:    time.Now,
		cfg:    cfg.withDefaults(),
		active: map[string]*run{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// SetConfig applies new pacing settings to runs admitted afterwards.
func (o *Orchestrator) SetConfig(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
}

func (o *Orchestrator) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

func (o *Orchestrator) activeRun(identity string) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.active[strings.TrimSpace(identity)]
	if !ok {
		return nil, ErrNoActiveRun
	}
	return r, nil
}

// Pause stops dispatching new work for identity's run. In-flight lanes
// finish; the inter-batch sleep is suspended.
func (o *Orchestrator) Pause(identity string) error {
	r, err := o.activeRun(identity)
	if err != nil {
		return err
	}
	if r.ctl.pause() {
		r.setState(StatePaused)
		o.publish(eventbus.RunPaused, identity, map[string]any{"run_id": r.id})
		o.log.Info("run paused", logx.String("identity", identity), logx.String("run", r.id))
	}
	return nil
}

func (o *Orchestrator) Resume(identity string) error {
	r, err := o.activeRun(identity)
	if err != nil {
		return err
	}
	if r.ctl.resume() {
		r.setState(StateRunning)
		o.publish(eventbus.RunResumed, identity, map[string]any{"run_id": r.id})
		o.log.Info("run resumed", logx.String("identity", identity), logx.String("run", r.id))
	}
	return nil
}

// Cancel stops identity's run: nothing new is dispatched, undispatched
// tasks become cancelled at once and in-flight lanes run to completion.
func (o *Orchestrator) Cancel(identity string) error {
	r, err := o.activeRun(identity)
	if err != nil {
		return err
	}
	if !r.ctl.cancel() {
		return nil
	}
	r.setState(StateCancelling)
	n := r.cancelPending()
	o.publish(eventbus.RunCancelled, identity, map[string]any{"run_id": r.id, "cancelled": n})
	o.log.Info("run cancel requested", logx.String("identity", identity), logx.String("run", r.id), logx.Int("cancelled", n))
	return nil
}

// Status returns the active run of identity.
func (o *Orchestrator) Status(identity string) (Status, bool) {
	r, err := o.activeRun(identity)
	if err != nil {
		return Status{Identity: identity, State: StateIdle}, false
	}
	return r.status(), true
}

// Active lists every active run, ordered by identity.
func (o *Orchestrator) Active() []Status {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.active))
	for _, r := range o.active {
		runs = append(runs, r)
	}
	o.mu.Unlock()
	out := make([]Status, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Recent returns up to limit finished runs, newest first.
func (o *Orchestrator) Recent(limit int) []RunResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := slices.Clone(o.history)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (o *Orchestrator) remember(res RunResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, res)
	if over := len(o.history) - o.cfg.HistorySize; over > 0 {
		o.history = slices.Clone(o.history[over:])
	}
}

// Cooldowns reports identities with recorded risk halts.
func (o *Orchestrator) Cooldowns() []CooldownView {
	out := o.breaker.snapshot(o.now())
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// ClearCooldown closes identity's risk breaker.
func (o *Orchestrator) ClearCooldown(identity string) {
	o.breaker.clear(identity)
	o.log.Info("risk cooldown cleared", logx.String("identity", identity))
}

func (o *Orchestrator) publish(typ, identity string, data any) {
	o.bus.Publish(eventbus.Event{Type: typ, Identity: identity, Time: o.now(), Data: data})
}

func (o *Orchestrator) audit(ctx context.Context, res RunResult, source string) {
	if o.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:        res.FinishedAt,
		Identity:  res.Identity,
		RunID:     res.RunID,
		Source:    source,
		Outcome:   string(res.State),
		Completed: res.Completed,
		Failed:    res.Failed,
		Cancelled: res.Cancelled,
		Detail:    res.Error,
		TookMS:    res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	}
	if err := o.deps.Audit.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		o.log.Warn("append run audit failed", logx.String("run", res.RunID), logx.Err(err))
	}
}
