// Package ledger tracks the daily attempt quota and per-cycle delivery
// dedup for one identity, persisted as a single document.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/posting"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

type Config struct {
	// ResetHour is the local hour at which a new cycle starts.
	ResetHour        int
	Location         *time.Location
	DefaultTier      string
	Tiers            map[string]int
	HistoryRetention int
	// RecordRetention bounds the raw record log; never shorter than two
	// cycles so the active cycle's dedup survives a rollover.
	RecordRetention time.Duration
	BatchLogMax     int
}

// DefaultTiers is used when the configuration names none.
var DefaultTiers = map[string]int{"basic": 10, "standard": 25, "pro": 50}

func (c Config) withDefaults() Config {
	if c.ResetHour < 0 || c.ResetHour > 23 {
		c.ResetHour = 0
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers
	}
	if c.DefaultTier == "" {
		if _, ok := c.Tiers["standard"]; ok {
			c.DefaultTier = "standard"
		} else {
			c.DefaultTier = slices.Sorted(maps.Keys(c.Tiers))[0]
		}
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 30
	}
	switch {
	case c.RecordRetention == 0:
		c.RecordRetention = 14 * 24 * time.Hour
	case c.RecordRetention < 48*time.Hour:
		c.RecordRetention = 48 * time.Hour
	}
	if c.BatchLogMax <= 0 {
		c.BatchLogMax = 200
	}
	return c
}

type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type successKey struct{ subject, target, day string }

type Ledger struct {
	identity string
	cfg      Config
	store    storage.Store
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	mu      sync.Mutex
	doc     document
	success map[successKey]struct{}
}

// New returns an empty ledger. Call Load to restore persisted state; a nil
// store keeps the ledger in memory only.
func New(identity string, cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	l := &Ledger{
		identity: identity,
		cfg:      cfg.withDefaults(),
		store:    store,
		log:      log.With(logx.String("comp", "ledger"), logx.String("identity", identity)),
		bus:      bus,
		now:      time.Now,
		success:  map[successKey]struct{}{},
	}
	for _, o := range opts {
		o(l)
	}
	l.doc = l.emptyDocument()
	return l
}

func (l *Ledger) Identity() string { return l.identity }

func (l *Ledger) key() storage.Key {
	return storage.Key{Identity: l.identity, Kind: storage.KindLedger}
}

func (l *Ledger) emptyDocument() document {
	return document{
		Version:  documentVersion,
		Identity: l.identity,
		History:  []ArchivedWindow{},
		Records:  []Record{},
		Targets:  map[string]Stats{},
		Subjects: map[string]Stats{},
	}
}

// Load restores the persisted document. A missing document leaves a fresh
// window in place.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	raw, err := l.store.Load(ctx, l.key())
	if errors.Is(err, storage.ErrNotFound) {
		l.log.Debug("no ledger document; starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ledger %s: %w", l.identity, err)
	}
	doc := l.emptyDocument()
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode ledger %s: %w", l.identity, err)
	}
	if doc.Targets == nil {
		doc.Targets = map[string]Stats{}
	}
	if doc.Subjects == nil {
		doc.Subjects = map[string]Stats{}
	}

	l.mu.Lock()
	l.doc = doc
	l.rebuildIndexLocked()
	rolled := l.checkCycleLocked(l.now())
	l.mu.Unlock()

	if rolled {
		l.afterRollover(ctx)
	}
	l.log.Info("ledger loaded",
		logx.String("day_key", doc.Window.DayKey),
		logx.Int("attempts", doc.Window.Attempts),
		logx.Int("records", len(doc.Records)),
	)
	return nil
}

// CheckCycle archives the active window when the cycle changed. Every
// ledger operation calls it; calling it twice at the same instant rolls
// over at most once.
func (l *Ledger) CheckCycle() bool {
	l.mu.Lock()
	rolled := l.checkCycleLocked(l.now())
	l.mu.Unlock()
	if rolled {
		l.afterRollover(context.Background())
	}
	return rolled
}

func (l *Ledger) afterRollover(ctx context.Context) {
	l.mu.Lock()
	day := l.doc.Window.DayKey
	l.mu.Unlock()
	l.log.Info("quota cycle rolled over", logx.String("day_key", day))
	l.bus.Publish(eventbus.Event{Type: eventbus.LedgerRollover, Identity: l.identity, Data: map[string]any{"day_key": day}})
	l.persist(ctx)
}

// ResolveTier returns the tier name and limit, applying the default tier
// for an empty name.
func (l *Ledger) ResolveTier(tier string) (string, int, error) {
	tier = strings.TrimSpace(tier)
	if tier == "" {
		tier = l.cfg.DefaultTier
	}
	limit, ok := l.cfg.Tiers[tier]
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return tier, limit, nil
}

// Quota reports the current quota for tier.
func (l *Ledger) Quota(tier string) (QuotaSnapshot, error) {
	name, limit, err := l.ResolveTier(tier)
	if err != nil {
		return QuotaSnapshot{}, err
	}
	l.CheckCycle()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quotaLocked(name, limit, l.now()), nil
}

func (l *Ledger) quotaLocked(tier string, limit int, now time.Time) QuotaSnapshot {
	used := l.doc.Window.Attempts
	_, next := CycleBounds(now, l.cfg.ResetHour, l.cfg.Location)
	return QuotaSnapshot{
		DayKey:    l.doc.Window.DayKey,
		Tier:      tier,
		Limit:     limit,
		Used:      used,
		Remaining: max(limit-used, 0),
		ResetsAt:  next,
	}
}

// Preflight splits targets into duplicate-skip (already delivered this
// cycle, or repeated in the input), over-limit-skip (beyond the remaining
// quota) and admitted.
func (l *Ledger) Preflight(subjectID string, targets []posting.Target, tier string) (PreflightResult, error) {
	name, limit, err := l.ResolveTier(tier)
	if err != nil {
		return PreflightResult{}, err
	}
	l.CheckCycle()

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	res := PreflightResult{
		Admitted:      []posting.Target{},
		DuplicateSkip: []posting.Target{},
		OverLimitSkip: []posting.Target{},
		Quota:         l.quotaLocked(name, limit, now),
	}
	seen := make(map[string]struct{}, len(targets))
	remaining := res.Quota.Remaining
	for _, t := range targets {
		if _, dup := seen[t.ID]; dup {
			res.DuplicateSkip = append(res.DuplicateSkip, t)
			continue
		}
		seen[t.ID] = struct{}{}
		if _, done := l.success[successKey{subjectID, t.ID, l.doc.Window.DayKey}]; done {
			res.DuplicateSkip = append(res.DuplicateSkip, t)
			continue
		}
		if len(res.Admitted) >= remaining {
			res.OverLimitSkip = append(res.OverLimitSkip, t)
			continue
		}
		res.Admitted = append(res.Admitted, t)
	}
	res.CanProceed = len(res.Admitted) > 0
	l.log.Debug("preflight",
		logx.String("subject", subjectID),
		logx.Int("input", len(targets)),
		logx.Int("admitted", len(res.Admitted)),
		logx.Int("duplicate", len(res.DuplicateSkip)),
		logx.Int("over_limit", len(res.OverLimitSkip)),
		logx.Int("remaining", remaining),
	)
	return res, nil
}

// RecordPosting appends an attempt and rewrites the persisted document. A
// second success for the same subject and target in one cycle is rejected
// with ErrAlreadyDelivered and not counted. Persistence failures are logged
// and published; the in-memory state stays authoritative.
func (l *Ledger) RecordPosting(ctx context.Context, subjectID string, target posting.Target, outcome posting.Outcome, meta Meta) error {
	if outcome != posting.Success && outcome != posting.Fail {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	if subjectID == "" || target.ID == "" {
		return ErrInvalidRecord
	}
	l.CheckCycle()

	l.mu.Lock()
	now := l.now()
	day := l.doc.Window.DayKey
	sk := successKey{subjectID, target.ID, day}
	if _, done := l.success[sk]; done && outcome == posting.Success {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (%s)", ErrAlreadyDelivered, subjectID, target.ID, day)
	}

	rec := Record{
		SubjectID:  subjectID,
		TargetID:   target.ID,
		TargetName: target.DisplayName,
		At:         now,
		Outcome:    outcome,
		DayKey:     day,
		RunID:      meta.RunID,
		Message:    meta.Message,
	}
	l.doc.Records = append(l.doc.Records, rec)
	l.doc.Targets[target.ID] = bump(l.doc.Targets[target.ID], outcome, now)
	l.doc.Subjects[subjectID] = bump(l.doc.Subjects[subjectID], outcome, now)

	w := &l.doc.Window
	w.Attempts++
	if outcome == posting.Success {
		w.Successes++
		l.success[sk] = struct{}{}
	} else {
		w.Fails++
	}
	if !slices.Contains(w.RecordedTargets, target.ID) {
		w.RecordedTargets = append(w.RecordedTargets, target.ID)
	}
	if !slices.Contains(w.RecordedSubjects, subjectID) {
		w.RecordedSubjects = append(w.RecordedSubjects, subjectID)
	}
	if w.FirstAttemptAt.IsZero() {
		w.FirstAttemptAt = now
	}
	w.LastAttemptAt = now
	attempts := w.Attempts
	l.mu.Unlock()

	l.bus.Publish(eventbus.Event{Type: eventbus.LedgerRecorded, Identity: l.identity, Data: map[string]any{
		"subject":  subjectID,
		"target":   target.ID,
		"outcome":  string(outcome),
		"day_key":  day,
		"attempts": attempts,
		"run_id":   meta.RunID,
	}})
	l.persist(ctx)
	return nil
}

func bump(s Stats, outcome posting.Outcome, now time.Time) Stats {
	s.Attempts++
	s.LastAttemptAt = now
	if outcome == posting.Success {
		s.Successes++
		s.LastSuccessAt = now
	} else {
		s.Fails++
	}
	return s
}

// CanPostToGroup reports whether subject may still go to target. By default
// only a success in the active cycle blocks; a cooldown shorter than one
// cycle also blocks successes within that duration, across the cycle
// boundary.
func (l *Ledger) CanPostToGroup(subjectID, targetID string, cooldown time.Duration) bool {
	l.CheckCycle()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canPostLocked(subjectID, targetID, cooldown, l.now())
}

func (l *Ledger) canPostLocked(subjectID, targetID string, cooldown time.Duration, now time.Time) bool {
	if _, done := l.success[successKey{subjectID, targetID, l.doc.Window.DayKey}]; done {
		return false
	}
	if cooldown <= 0 || cooldown >= 24*time.Hour {
		return true
	}
	cutoff := now.Add(-cooldown)
	for i := len(l.doc.Records) - 1; i >= 0; i-- {
		r := l.doc.Records[i]
		if r.At.Before(cutoff) {
			break
		}
		if r.SubjectID == subjectID && r.TargetID == targetID && r.Outcome == posting.Success {
			return false
		}
	}
	return true
}

// FilterAvailable keeps the targets CanPostToGroup would allow, in order.
func (l *Ledger) FilterAvailable(subjectID string, targets []posting.Target, cooldown time.Duration) []posting.Target {
	l.CheckCycle()
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make([]posting.Target, 0, len(targets))
	for _, t := range targets {
		if l.canPostLocked(subjectID, t.ID, cooldown, now) {
			out = append(out, t)
		}
	}
	return out
}

// NoteRun counts a run against the active window.
func (l *Ledger) NoteRun(ctx context.Context, runID string, batches int) {
	l.CheckCycle()
	l.mu.Lock()
	l.doc.Window.RunCount++
	l.appendBatchLogLocked(BatchEntry{At: l.now(), Kind: "run", RunID: runID, Batches: batches})
	l.mu.Unlock()
	l.persist(ctx)
}

// NoteBatch appends a finished batch to the window's batch log.
func (l *Ledger) NoteBatch(ctx context.Context, e BatchEntry) {
	l.CheckCycle()
	l.mu.Lock()
	if e.At.IsZero() {
		e.At = l.now()
	}
	if e.Kind == "" {
		e.Kind = "batch"
	}
	l.appendBatchLogLocked(e)
	l.mu.Unlock()
	l.persist(ctx)
}

func (l *Ledger) appendBatchLogLocked(e BatchEntry) {
	w := &l.doc.Window
	w.BatchLog = append(w.BatchLog, e)
	if over := len(w.BatchLog) - l.cfg.BatchLogMax; over > 0 {
		w.BatchLog = append([]BatchEntry(nil), w.BatchLog[over:]...)
	}
}

// Snapshot returns a deep copy of the ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.CheckCycle()
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.doc.Window
	w.RecordedTargets = slices.Clone(w.RecordedTargets)
	w.RecordedSubjects = slices.Clone(w.RecordedSubjects)
	w.BatchLog = slices.Clone(w.BatchLog)
	return Snapshot{
		Identity: l.identity,
		Window:   w,
		History:  slices.Clone(l.doc.History),
		Targets:  maps.Clone(l.doc.Targets),
		Subjects: maps.Clone(l.doc.Subjects),
		Records:  len(l.doc.Records),
		Tiers:    maps.Clone(l.cfg.Tiers),
	}
}

// Records returns the raw records of the active cycle, oldest first.
func (l *Ledger) Records() []Record {
	l.CheckCycle()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, r := range l.doc.Records {
		if r.DayKey == l.doc.Window.DayKey {
			out = append(out, r)
		}
	}
	return out
}

func (l *Ledger) rebuildIndexLocked() {
	l.success = map[successKey]struct{}{}
	for _, r := range l.doc.Records {
		if r.Outcome == posting.Success {
			l.success[successKey{r.SubjectID, r.TargetID, r.DayKey}] = struct{}{}
		}
	}
}

// persist rewrites the whole document. Writes are serialized under mu so a
// later state never lands before an earlier one.
func (l *Ledger) persist(ctx context.Context) {
	if l.store == nil {
		return
	}
	// A cancelled run still gets its last records written.
	ctx = context.WithoutCancel(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := json.Marshal(l.doc)
	if err == nil {
		err = l.store.Save(ctx, l.key(), raw)
	}
	if err != nil {
		l.log.Warn("persist ledger failed", logx.Err(err))
		l.bus.Publish(eventbus.Event{Type: eventbus.LedgerPersistFailed, Identity: l.identity, Data: map[string]any{"error": err.Error()}})
	}
}
