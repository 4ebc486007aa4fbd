package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/eventbus"
	"groupcast/internal/posting"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

type Config struct {
	TickInterval time.Duration
	// Retention bounds how long finished jobs are kept.
	Retention time.Duration
	Location  *time.Location
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler owns one schedule document per identity. Documents are loaded
// lazily and rewritten wholesale on every change.
type Scheduler struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	trigMu  sync.RWMutex
	trigger Trigger

	mu    sync.Mutex
	books map[string]*book
}

// book is the in-memory schedule of one identity.
type book struct {
	mu        sync.Mutex
	jobs      []Job
	recovered bool
	// firing serializes ticks for the identity.
	firing sync.Mutex
}

func New(cfg Config, store storage.Store, trigger Trigger, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		store:   store,
		log:     log.With(logx.String("comp", "jobs")),
		bus:     bus,
		now:     time.Now,
		trigger: trigger,
		books:   map[string]*book{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTrigger replaces the trigger; nil makes every due job fail.
func (s *Scheduler) SetTrigger(t Trigger) {
	s.trigMu.Lock()
	s.trigger = t
	s.trigMu.Unlock()
}

func (s *Scheduler) currentTrigger() Trigger {
	s.trigMu.RLock()
	defer s.trigMu.RUnlock()
	return s.trigger
}

func (s *Scheduler) Interval() time.Duration { return s.cfg.TickInterval }

// Load reads the schedules of identities and fails jobs left running by a
// previous process with "interrupted". Only the process that fires jobs
// calls Load; lookups from other processes load lazily and leave running
// jobs alone.
func (s *Scheduler) Load(ctx context.Context, identities ...string) error {
	var errs []error
	for _, id := range identities {
		b, err := s.book(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		s.recoverInterrupted(ctx, strings.TrimSpace(id), b)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) book(ctx context.Context, identity string) (*book, error) {
	identity = strings.TrimSpace(identity)
	key := storage.Key{Identity: identity, Kind: storage.KindSchedule}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[identity]; ok {
		return b, nil
	}

	b := &book{}
	raw, err := s.store.Load(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load schedule: %w", err)
	default:
		var doc document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode schedule: %w", err)
		}
		b.jobs = doc.Jobs
	}
	s.books[identity] = b
	return b, nil
}

// recoverInterrupted runs once per book.
func (s *Scheduler) recoverInterrupted(ctx context.Context, identity string, b *book) {
	b.mu.Lock()
	if b.recovered {
		b.mu.Unlock()
		return
	}
	b.recovered = true
	var recovered []Job
	now := s.now()
	for i := range b.jobs {
		if b.jobs[i].Status == StatusRunning {
			b.jobs[i].Status = StatusFailed
			b.jobs[i].Error = ErrInterrupted.Error()
			b.jobs[i].FinishedAt = now
			recovered = append(recovered, b.jobs[i])
		}
	}
	for _, j := range recovered {
		if _, err := s.rearmLocked(b, j); err != nil {
			s.log.Warn("recurrence not re-armed", logx.String("job", j.ID), logx.String("recurrence", j.Recurrence), logx.Err(err))
		}
	}
	b.mu.Unlock()
	if len(recovered) > 0 {
		s.log.Warn("failed jobs interrupted by restart", logx.String("identity", identity), logx.Int("jobs", len(recovered)))
		s.persist(ctx, identity, b)
	}
}

// Identities lists the loaded schedules.
func (s *Scheduler) Identities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.books))
	for id := range s.books {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) persist(ctx context.Context, identity string, b *book) {
	b.mu.Lock()
	raw, err := json.Marshal(document{Version: documentVersion, Jobs: b.jobs})
	b.mu.Unlock()
	if err == nil {
		err = s.store.Save(context.WithoutCancel(ctx), storage.Key{Identity: identity, Kind: storage.KindSchedule}, raw)
	}
	if err != nil {
		s.log.Warn("persist schedule failed; keeping in-memory state", logx.String("identity", identity), logx.Err(err))
		s.publish(eventbus.JobPersistFailed, identity, map[string]any{"error": err.Error()})
	}
}

func (s *Scheduler) publish(typ, identity string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Identity: identity, Time: s.now(), Data: data})
}

func validate(req AddRequest) error {
	var errs []error
	if strings.TrimSpace(req.Identity) == "" {
		errs = append(errs, errors.New("identity is required"))
	}
	if strings.TrimSpace(req.Payload.Subject.ID) == "" {
		errs = append(errs, errors.New("payload.subject.id is required"))
	}
	if len(req.Payload.Targets) == 0 {
		errs = append(errs, errors.New("payload.targets must not be empty"))
	} else if err := posting.ValidateTargets(req.Payload.Targets); err != nil {
		errs = append(errs, err)
	}
	if _, err := posting.ParseMode(string(req.Mode)); err != nil {
		errs = append(errs, err)
	}
	if req.Mode == posting.ModePicker && strings.TrimSpace(req.Payload.ComposeRef) == "" {
		errs = append(errs, errors.New("payload.compose_ref is required in picker mode"))
	}
	if req.DueAt.IsZero() && req.Recurrence == "" {
		errs = append(errs, errors.New("due_at or recurrence is required"))
	}
	if req.Payload.Cooldown < 0 {
		errs = append(errs, errors.New("payload.cooldown must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	return nil
}

// Add validates and stores a pending job.
func (s *Scheduler) Add(ctx context.Context, req AddRequest) (Job, error) {
	req.Identity = strings.TrimSpace(req.Identity)
	req.Recurrence = strings.TrimSpace(req.Recurrence)
	if m, err := posting.ParseMode(string(req.Mode)); err == nil {
		req.Mode = m
	}
	if err := validate(req); err != nil {
		return Job{}, err
	}
	now := s.now()
	if req.Recurrence != "" {
		sched, err := ParseRecurrence(req.Recurrence)
		if err != nil {
			return Job{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
		}
		if req.DueAt.IsZero() {
			req.DueAt = sched.Next(now.In(s.cfg.Location))
		}
	}
	b, err := s.book(ctx, req.Identity)
	if err != nil {
		return Job{}, err
	}
	j := Job{
		ID:         uuid.NewString(),
		Identity:   req.Identity,
		Status:     StatusPending,
		DueAt:      req.DueAt,
		Mode:       req.Mode,
		Payload:    req.Payload,
		Recurrence: req.Recurrence,
		CreatedAt:  now,
	}
	b.mu.Lock()
	b.jobs = append(b.jobs, j)
	b.mu.Unlock()
	s.persist(ctx, req.Identity, b)
	s.publish(eventbus.JobAdded, req.Identity, map[string]any{"job_id": j.ID, "due_at": j.DueAt, "recurrence": j.Recurrence})
	s.log.Info("job added", logx.String("identity", j.Identity), logx.String("job", j.ID), logx.Time("due_at", j.DueAt), logx.String("recurrence", j.Recurrence))
	return j, nil
}

// Cancel stops a pending job. For recurring jobs this ends the series.
func (s *Scheduler) Cancel(ctx context.Context, identity, id string) (Job, error) {
	b, err := s.book(ctx, identity)
	if err != nil {
		return Job{}, err
	}
	b.mu.Lock()
	i := indexOf(b.jobs, id)
	if i < 0 {
		b.mu.Unlock()
		return Job{}, ErrNotFound
	}
	if b.jobs[i].Status != StatusPending {
		st := b.jobs[i].Status
		b.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrNotPending, st)
	}
	b.jobs[i].Status = StatusCancelled
	b.jobs[i].FinishedAt = s.now()
	j := b.jobs[i]
	b.mu.Unlock()
	s.persist(ctx, identity, b)
	s.log.Info("job cancelled", logx.String("identity", identity), logx.String("job", id))
	return j, nil
}

func (s *Scheduler) Get(ctx context.Context, identity, id string) (Job, error) {
	b, err := s.book(ctx, identity)
	if err != nil {
		return Job{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := indexOf(b.jobs, id); i >= 0 {
		return b.jobs[i], nil
	}
	return Job{}, ErrNotFound
}

// List returns identity's jobs ordered by due time.
func (s *Scheduler) List(ctx context.Context, identity string) ([]Job, error) {
	b, err := s.book(ctx, identity)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	out := slices.Clone(b.jobs)
	b.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func indexOf(jobs []Job, id string) int {
	for i := range jobs {
		if jobs[i].ID == id {
			return i
		}
	}
	return -1
}

// Prune drops finished jobs older than the retention from every loaded
// schedule and returns how many went.
func (s *Scheduler) Prune(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.Retention)
	total := 0
	for _, id := range s.Identities() {
		b, err := s.book(ctx, id)
		if err != nil {
			continue
		}
		b.mu.Lock()
		before := len(b.jobs)
		b.jobs = slices.DeleteFunc(b.jobs, func(j Job) bool {
			return j.Status.Finished() && !j.FinishedAt.IsZero() && j.FinishedAt.Before(cutoff)
		})
		n := before - len(b.jobs)
		b.mu.Unlock()
		if n > 0 {
			total += n
			s.persist(ctx, id, b)
		}
	}
	if total > 0 {
		s.log.Debug("pruned finished jobs", logx.Int("jobs", total))
	}
	return total
}

// Run ticks until ctx ends. Identities fire independently: a tick does not
// wait for another identity's run, and an identity still firing is skipped
// until it is done. Run returns once every in-flight trigger has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		s.dispatch(ctx, &wg)
		s.Prune(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, wg *sync.WaitGroup) {
	for _, id := range s.Identities() {
		b, err := s.book(ctx, id)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runIdentity(ctx, id, b)
		}()
	}
}

// RunDue fires every due pending job and returns how many fired. Identities
// are worked in parallel; within one identity jobs fire oldest first, one
// at a time.
func (s *Scheduler) RunDue(ctx context.Context) int {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired int
	)
	for _, id := range s.Identities() {
		b, err := s.book(ctx, id)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := s.runIdentity(ctx, id, b)
			mu.Lock()
			fired += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	return fired
}

func (s *Scheduler) runIdentity(ctx context.Context, identity string, b *book) int {
	if !b.firing.TryLock() {
		return 0
	}
	defer b.firing.Unlock()

	s.recoverInterrupted(ctx, identity, b)
	s.merge(ctx, identity, b)
	now := s.now()
	b.mu.Lock()
	var due []Job
	for _, j := range b.jobs {
		if j.Status == StatusPending && !j.DueAt.After(now) {
			due = append(due, j)
		}
	}
	b.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })

	fired := 0
	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		if s.fire(ctx, identity, b, j.ID) {
			fired++
		}
	}
	return fired
}

// merge picks up edits other processes made to the stored schedule (a CLI
// "schedule add" or "schedule cancel" against a running server): unknown
// jobs are adopted and pending jobs cancelled in the store are cancelled
// here. Everything else keeps the in-memory state.
func (s *Scheduler) merge(ctx context.Context, identity string, b *book) {
	raw, err := s.store.Load(ctx, storage.Key{Identity: identity, Kind: storage.KindSchedule})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Debug("schedule merge skipped", logx.String("identity", identity), logx.Err(err))
		}
		return
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.log.Debug("schedule merge skipped", logx.String("identity", identity), logx.Err(err))
		return
	}

	adopted, cancelled := 0, 0
	b.mu.Lock()
	stale := len(doc.Jobs) != len(b.jobs)
	for _, stored := range doc.Jobs {
		i := indexOf(b.jobs, stored.ID)
		switch {
		case i < 0:
			b.jobs = append(b.jobs, stored)
			adopted++
		case i >= 0 && stored.Status == StatusCancelled && b.jobs[i].Status == StatusPending:
			b.jobs[i].Status = StatusCancelled
			b.jobs[i].FinishedAt = stored.FinishedAt
			cancelled++
		case i >= 0 && stored.Status != b.jobs[i].Status:
			stale = true
		}
	}
	b.mu.Unlock()
	if adopted+cancelled > 0 {
		s.log.Info("schedule merged from store", logx.String("identity", identity), logx.Int("adopted", adopted), logx.Int("cancelled", cancelled))
	}
	// A writer working from an older copy may have rolled statuses back.
	if stale {
		s.persist(ctx, identity, b)
	}
}

// fire runs one job. It reports false when the job was no longer pending.
func (s *Scheduler) fire(ctx context.Context, identity string, b *book, id string) bool {
	b.mu.Lock()
	i := indexOf(b.jobs, id)
	if i < 0 || b.jobs[i].Status != StatusPending {
		b.mu.Unlock()
		return false
	}
	b.jobs[i].Status = StatusRunning
	b.jobs[i].StartedAt = s.now()
	j := b.jobs[i]
	b.mu.Unlock()
	s.persist(ctx, identity, b)

	log := s.log.With(logx.String("identity", identity), logx.String("job", id))
	s.publish(eventbus.JobFired, identity, map[string]any{"job_id": id, "due_at": j.DueAt})
	log.Info("job fired", logx.Time("due_at", j.DueAt))

	res, err := s.invoke(ctx, j, log)

	b.mu.Lock()
	if i = indexOf(b.jobs, id); i >= 0 {
		finished := &b.jobs[i]
		finished.FinishedAt = s.now()
		if res != (Result{}) {
			r := res
			finished.Result = &r
		}
		if err != nil {
			finished.Status = StatusFailed
			finished.Error = err.Error()
		} else {
			finished.Status = StatusCompleted
		}
		j = *finished
	}
	next, rerr := s.rearmLocked(b, j)
	b.mu.Unlock()
	if rerr != nil {
		log.Warn("recurrence not re-armed", logx.String("recurrence", j.Recurrence), logx.Err(rerr))
	}
	s.persist(ctx, identity, b)

	s.publish(eventbus.JobFinished, identity, map[string]any{
		"job_id": id,
		"status": string(j.Status),
		"error":  j.Error,
		"result": j.Result,
		"next":   next,
	})
	if err != nil {
		log.Warn("job failed", logx.Err(err))
	} else {
		log.Info("job completed", logx.String("run", res.RunID), logx.String("state", res.State))
	}
	return true
}

// invoke calls the trigger, turning a missing trigger or a panic into an
// error for this job only.
func (s *Scheduler) invoke(ctx context.Context, j Job, log logx.Logger) (res Result, err error) {
	trig := s.currentTrigger()
	if trig == nil {
		return Result{}, ErrNoTrigger
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job trigger panic", logx.Any("panic", rec), logx.Stack(logx.StackTrace(3, 32)))
			res, err = Result{}, fmt.Errorf("%w: %v", errTriggerPanic, rec)
		}
	}()
	return trig(ctx, j)
}

// rearmLocked appends the next occurrence of a recurring job. Callers hold
// b.mu.
func (s *Scheduler) rearmLocked(b *book, j Job) (time.Time, error) {
	if j.Recurrence == "" || j.Status == StatusCancelled {
		return time.Time{}, nil
	}
	sched, err := ParseRecurrence(j.Recurrence)
	if err != nil {
		return time.Time{}, err
	}
	now := s.now().In(s.cfg.Location)
	next := nextAfter(sched, j.DueAt.In(s.cfg.Location), now)
	parent := j.ParentID
	if parent == "" {
		parent = j.ID
	}
	b.jobs = append(b.jobs, Job{
		ID:         uuid.NewString(),
		Identity:   j.Identity,
		Status:     StatusPending,
		DueAt:      next,
		Mode:       j.Mode,
		Payload:    j.Payload,
		Recurrence: j.Recurrence,
		ParentID:   parent,
		CreatedAt:  now,
	})
	return next, nil
}
