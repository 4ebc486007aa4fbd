package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"groupcast/internal/content"
	"groupcast/internal/eventbus"
	"groupcast/internal/ledger"
	"groupcast/internal/posting"
	"groupcast/internal/risk"
	"groupcast/internal/session"
	logx "groupcast/pkg/logx"
)

// Run admits req and executes it to the end. The returned RunResult is
// always populated; the error is non-nil when the run was refused, halted,
// cancelled or could not start.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	cfg := o.Config()
	startedAt := o.now()
	res := RunResult{
		RunID:     uuid.NewString(),
		Identity:  req.Identity,
		SubjectID: req.Subject.ID,
		Mode:      req.Mode,
		State:     StateIdle,
		StartedAt: startedAt,
	}
	refuse := func(err error) (RunResult, error) {
		res.Error = err.Error()
		res.FinishedAt = o.now()
		return res, err
	}

	if err := req.normalize(); err != nil {
		return refuse(err)
	}
	res.Identity, res.SubjectID, res.Mode = req.Identity, req.Subject.ID, req.Mode
	if req.Mode == posting.ModePicker && o.deps.Poster == nil {
		return refuse(ErrPickerUnavailable)
	}

	o.mu.Lock()
	if _, busy := o.active[req.Identity]; busy {
		o.mu.Unlock()
		return refuse(ErrRunInProgress)
	}
	if open, until := o.breaker.isOpen(startedAt, req.Identity, cfg.Cooldown); open {
		o.mu.Unlock()
		return refuse(fmt.Errorf("%w until %s", ErrRiskCooldown, until.Format(time.RFC3339)))
	}
	r := &run{
		id:        res.RunID,
		req:       req,
		cfg:       cfg,
		ctl:       newController(),
		startedAt: startedAt,
		now:       o.now,
		state:     StateIdle,
	}
	o.active[req.Identity] = r
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, req.Identity)
		o.mu.Unlock()
	}()

	led, err := o.deps.Ledgers.Get(ctx, req.Identity)
	if err != nil {
		return refuse(fmt.Errorf("ledger: %w", err))
	}
	pre, err := led.Preflight(req.Subject.ID, req.Targets, req.Tier)
	if err != nil {
		return refuse(err)
	}
	res.Quota = pre.Quota
	res.DuplicateSkip = pre.DuplicateSkip
	res.OverLimitSkip = pre.OverLimitSkip
	admitted := pre.Admitted
	if req.Cooldown > 0 {
		avail := led.FilterAvailable(req.Subject.ID, admitted, req.Cooldown)
		res.DuplicateSkip = append(res.DuplicateSkip, without(admitted, avail)...)
		admitted = avail
	}
	if len(admitted) == 0 {
		err := fmt.Errorf("%w: %d duplicate, %d over limit (%d of %d used, tier %s)",
			ErrLedgerExhausted, len(res.DuplicateSkip), len(res.OverLimitSkip),
			pre.Quota.Used, pre.Quota.Limit, pre.Quota.Tier)
		o.log.Info("run refused by ledger", logx.String("identity", req.Identity), logx.String("subject", req.Subject.ID), logx.Err(err))
		res, err = refuse(err)
		o.remember(res)
		return res, err
	}

	r.led = led
	r.caption = content.Caption(ctx, o.deps.Captions, req.Subject, req.CaptionStyle)
	maxSize := 0
	r.lanes = o.pacer.lanes(cfg)
	if req.Mode == posting.ModePicker {
		maxSize = o.deps.Matcher.Config().MaxTicks
		r.lanes = 1
	}
	plan := o.pacer.planBatches
	if o.plan != nil {
		plan = o.plan
	}
	r.build(admitted, plan(len(admitted), maxSize))
	return o.execute(ctx, r, res)
}

// without returns the entries of all that are missing from kept.
func without(all, kept []posting.Target) []posting.Target {
	keep := make(map[string]struct{}, len(kept))
	for _, t := range kept {
		keep[t.ID] = struct{}{}
	}
	var out []posting.Target
	for _, t := range all {
		if _, ok := keep[t.ID]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func (o *Orchestrator) execute(ctx context.Context, r *run, res RunResult) (RunResult, error) {
	log := o.log.With(logx.String("run", r.id), logx.String("identity", r.req.Identity))
	ctx, span := tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", r.id),
		attribute.String("run.identity", r.req.Identity),
		attribute.String("run.subject", r.req.Subject.ID),
		attribute.String("run.mode", string(r.req.Mode)),
		attribute.Int("run.tasks", len(r.tasks)),
		attribute.Int("run.batches", len(r.batches)),
		attribute.Int("run.lanes", r.lanes),
	))
	defer span.End()

	r.led.NoteRun(ctx, r.id, len(r.batches))
	r.setState(StateRunning)
	o.publish(eventbus.RunStarted, r.req.Identity, map[string]any{
		"run_id":  r.id,
		"subject": r.req.Subject.ID,
		"mode":    string(r.req.Mode),
		"tasks":   len(r.tasks),
		"batches": len(r.batches),
		"lanes":   r.lanes,
	})
	log.Info("run started",
		logx.String("subject", r.req.Subject.ID),
		logx.String("mode", string(r.req.Mode)),
		logx.Int("tasks", len(r.tasks)),
		logx.Int("batches", len(r.batches)),
		logx.Int("lanes", r.lanes),
		logx.Int("duplicate_skip", len(res.DuplicateSkip)),
		logx.Int("over_limit_skip", len(res.OverLimitSkip)),
	)

	runErr := o.drive(ctx, r, log)

	r.cancelPending()
	r.failStragglers()
	var final State
	switch {
	case r.risk != nil:
		final = StateHalted
		runErr = fmt.Errorf("%w: %s", ErrRiskHalt, r.risk)
	case r.ctl.isCancelled():
		final = StateCancelled
		runErr = ErrRunCancelled
	case ctx.Err() != nil:
		final = StateCancelled
		runErr = errors.Join(ErrRunCancelled, ctx.Err())
	default:
		final = StateCompleted
	}
	r.setState(final)

	res.FinishedAt = o.now()
	r.fill(&res)
	if runErr != nil {
		res.Error = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(final))
	}
	span.SetAttributes(
		attribute.String("run.state", string(final)),
		attribute.Int("run.completed", res.Completed),
		attribute.Int("run.failed", res.Failed),
		attribute.Int("run.cancelled", res.Cancelled),
	)

	category := ""
	if res.Risk != nil {
		category = string(res.Risk.Category)
	}
	if until := o.breaker.record(res.FinishedAt, r.req.Identity, r.cfg.Cooldown, final == StateHalted, category); !until.IsZero() {
		log.Warn("risk cooldown opened", logx.Time("until", until), logx.String("category", category))
	}
	o.audit(ctx, res, r.req.Source)
	o.remember(res)
	o.publish(eventbus.RunFinished, r.req.Identity, res)
	log.Info("run finished",
		logx.String("state", string(final)),
		logx.Int("completed", res.Completed),
		logx.Int("failed", res.Failed),
		logx.Int("cancelled", res.Cancelled),
		logx.Int("peak_lanes", res.PeakLanes),
		logx.Duration("took", res.FinishedAt.Sub(res.StartedAt)),
	)
	return res, runErr
}

// drive acquires the primary session and walks the batches. It returns an
// error only when the run could not start.
func (o *Orchestrator) drive(ctx context.Context, r *run, log logx.Logger) error {
	cfg := r.cfg
	lease, err := o.deps.Sessions.Acquire(ctx, r.req.Identity, true)
	if err != nil {
		msg := stepErr("session", err).Error()
		r.failFrom(0, msg)
		log.Warn("primary session unavailable", logx.Err(err))
		return fmt.Errorf("acquire primary session: %w", err)
	}
	r.setPrimary(lease)
	defer r.dropPrimary(context.WithoutCancel(ctx), false)

	if r.req.ProbeRef != "" {
		if err := o.navigate(ctx, lease.Handle, r.req.ProbeRef, cfg.NavTimeout); err != nil {
			log.Warn("probe navigation failed", logx.String("ref", r.req.ProbeRef), logx.Err(err))
		}
	}

	last := len(r.batches) - 1
	for bi, idxs := range r.batches {
		if !r.ctl.wait(ctx, cfg.PausePoll) {
			return nil
		}
		r.setBatch(bi)
		if sig, halted := o.riskGate(ctx, r, log); halted {
			o.halt(r, bi, sig, log)
			return nil
		}

		o.runBatch(ctx, r, bi, 0, idxs, log)
		retried := false
		if pending := r.awaiting(idxs); len(pending) > 0 {
			retried = true
			if halted := o.retryBatch(ctx, r, bi, pending, log); halted {
				return nil
			}
		}

		completed, failed := r.batchCounts(bi)
		r.led.NoteBatch(ctx, ledger.BatchEntry{
			RunID:     r.id,
			Index:     bi,
			Size:      len(idxs),
			Completed: completed,
			Failed:    failed,
			Retried:   retried,
		})

		if bi < last {
			delay := o.pacer.batchDelay(cfg)
			log.Debug("inter-batch delay", logx.Int("batch", bi), logx.Duration("delay", delay))
			if !r.ctl.sleep(ctx, delay, cfg.SleepIncrement, cfg.PausePoll) {
				return nil
			}
		}
	}
	return nil
}

// riskGate checks the primary session before a batch. A failed state read
// is logged and treated as no signal.
func (o *Orchestrator) riskGate(ctx context.Context, r *run, log logx.Logger) (risk.Signal, bool) {
	h, ok := r.primaryHandle()
	if !ok {
		lease, err := o.deps.Sessions.Acquire(ctx, r.req.Identity, true)
		if err != nil {
			log.Warn("risk check skipped: primary session unavailable", logx.Err(err))
			return risk.Signal{Category: risk.None}, false
		}
		r.setPrimary(lease)
		h = lease.Handle
	}
	sig, err := o.deps.Risk.Check(ctx, o.deps.Sessions.Browser(), h, r.cfg.RiskTimeout)
	if err != nil {
		log.Warn("risk check could not read session state; continuing", logx.Err(err))
		if errors.Is(err, session.ErrSessionLost) {
			r.dropPrimary(context.WithoutCancel(ctx), true)
		}
		return sig, false
	}
	return sig, sig.Detected
}

// halt fails batch bi and every later batch with the risk category.
func (o *Orchestrator) halt(r *run, bi int, sig risk.Signal, log logx.Logger) {
	r.setRisk(sig)
	n := r.failFrom(bi, "risk: "+string(sig.Category))
	o.publish(eventbus.RiskDetected, r.req.Identity, map[string]any{
		"run_id":   r.id,
		"batch":    bi,
		"category": string(sig.Category),
		"reason":   sig.Reason,
		"failed":   n,
	})
	log.Warn("run halted on risk signal",
		logx.Int("batch", bi),
		logx.String("category", string(sig.Category)),
		logx.String("reason", sig.Reason),
		logx.Int("failed", n),
	)
}

// retryBatch gives the failed tasks of batch bi one more end-to-end
// attempt, capped by the remaining quota. It reports whether the run halted.
func (o *Orchestrator) retryBatch(ctx context.Context, r *run, bi int, pending []int, log logx.Logger) bool {
	cfg := r.cfg
	if r.ctl.isCancelled() || ctx.Err() != nil {
		r.failWithCause(pending, "run cancelled before retry")
		return false
	}
	allowed := len(pending)
	if q, err := r.led.Quota(r.req.Tier); err == nil {
		allowed = min(allowed, q.Remaining)
	}
	if allowed < len(pending) {
		r.failWithCause(pending[allowed:], "no quota left for retry")
		pending = pending[:allowed]
	}
	if len(pending) == 0 {
		return false
	}
	if !r.ctl.sleep(ctx, o.pacer.stagger(cfg), cfg.SleepIncrement, cfg.PausePoll) {
		r.failWithCause(pending, "run cancelled before retry")
		return false
	}
	if sig, halted := o.riskGate(ctx, r, log); halted {
		o.halt(r, bi, sig, log)
		return true
	}
	o.publish(eventbus.BatchRetry, r.req.Identity, map[string]any{"run_id": r.id, "batch": bi, "tasks": len(pending)})
	log.Info("retrying failed tasks", logx.Int("batch", bi), logx.Int("tasks", len(pending)))
	o.runBatch(ctx, r, bi, 1, pending, log)
	return false
}

func (o *Orchestrator) runBatch(ctx context.Context, r *run, bi, attempt int, idxs []int, log logx.Logger) {
	ctx, span := tracer.Start(ctx, "orchestrator.batch", trace.WithAttributes(
		attribute.Int("batch.index", bi),
		attribute.Int("batch.attempt", attempt),
		attribute.Int("batch.size", len(idxs)),
	))
	defer span.End()

	o.publish(eventbus.BatchStarted, r.req.Identity, map[string]any{
		"run_id":  r.id,
		"batch":   bi,
		"attempt": attempt,
		"size":    len(idxs),
		"total":   len(r.batches),
	})
	if r.req.Mode == posting.ModePicker {
		o.pickerBatch(ctx, r, bi, attempt, idxs, log)
	} else {
		o.directBatch(ctx, r, attempt, idxs, log)
	}
	completed, failed := r.batchCounts(bi)
	span.SetAttributes(attribute.Int("batch.completed", completed), attribute.Int("batch.failed", failed))
	o.publish(eventbus.BatchFinished, r.req.Identity, map[string]any{
		"run_id":    r.id,
		"batch":     bi,
		"attempt":   attempt,
		"completed": completed,
		"failed":    failed,
	})
}

// directBatch runs one lane per task through a sliding window of r.lanes
// slots. Slot 0 drives the primary session.
func (o *Orchestrator) directBatch(ctx context.Context, r *run, attempt int, idxs []int, log logx.Logger) {
	slots := make(chan int, r.lanes)
	for i := range r.lanes {
		slots <- i
	}
	var wg sync.WaitGroup
	for _, ti := range idxs {
		if !r.ctl.wait(ctx, r.cfg.PausePoll) {
			break
		}
		var slot int
		select {
		case slot = <-slots:
		case <-r.ctl.done:
		case <-ctx.Done():
		}
		if r.ctl.isCancelled() || ctx.Err() != nil {
			// slot may or may not have been taken; the channel is not reused.
			break
		}
		if !r.dispatch(ti, attempt) {
			slots <- slot
			continue
		}
		wg.Add(1)
		go func(slot, ti int) {
			defer wg.Done()
			defer func() { slots <- slot }()
			o.lane(ctx, r, slot, ti, attempt, log)
		}(slot, ti)
	}
	wg.Wait()
}

func (o *Orchestrator) lane(ctx context.Context, r *run, slot, ti, attempt int, log logx.Logger) {
	r.laneEnter()
	defer r.laneExit()
	t := r.task(ti)
	ctx, span := tracer.Start(ctx, "orchestrator.lane", trace.WithAttributes(
		attribute.Int("lane.slot", slot),
		attribute.String("lane.target", t.Target.ID),
		attribute.Int("lane.attempt", attempt),
	))
	defer span.End()
	o.publish(eventbus.LaneStarted, r.req.Identity, map[string]any{"run_id": r.id, "slot": slot, "target": t.Target.ID})

	var (
		ref string
		err error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = &StepError{Step: "panic", Err: fmt.Errorf("%v", rec)}
				log.Error("lane panic", logx.String("target", t.Target.ID), logx.Any("panic", rec), logx.Stack(logx.StackTrace(3, 32)))
			}
		}()
		ref, err = o.directUnit(ctx, r, slot, t)
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unit failed")
	}
	o.settle(ctx, r, ti, attempt, ref, err, log)
	o.publish(eventbus.LaneFinished, r.req.Identity, map[string]any{"run_id": r.id, "slot": slot, "target": t.Target.ID, "ok": err == nil})
}

// settle records the attempt in the ledger and moves the task on. A failed
// first attempt waits for the batch retry when retries are enabled.
func (o *Orchestrator) settle(ctx context.Context, r *run, ti, attempt int, ref string, err error, log logx.Logger) {
	t := r.task(ti)
	meta := ledger.Meta{RunID: r.id}
	if err == nil {
		msg := ""
		switch rerr := r.led.RecordPosting(ctx, r.req.Subject.ID, t.Target, posting.Success, meta); {
		case errors.Is(rerr, ledger.ErrAlreadyDelivered):
			msg = "already delivered this cycle"
		case rerr != nil:
			log.Warn("record success failed", logx.String("target", t.Target.ID), logx.Err(rerr))
		}
		r.finish(ti, TaskCompleted, msg, ref)
		o.taskFinished(r, ti)
		return
	}

	meta.Message = err.Error()
	if rerr := r.led.RecordPosting(ctx, r.req.Subject.ID, t.Target, posting.Fail, meta); rerr != nil {
		log.Warn("record failure failed", logx.String("target", t.Target.ID), logx.Err(rerr))
	}
	log.Debug("unit failed", logx.String("target", t.Target.ID), logx.Int("attempt", attempt), logx.Err(err))
	if attempt == 0 && r.cfg.RetryFailedBatches {
		r.awaitRetry(ti, err.Error())
		return
	}
	r.finish(ti, TaskFailed, err.Error(), "")
	o.taskFinished(r, ti)
}

func (o *Orchestrator) taskFinished(r *run, ti int) {
	t := r.task(ti)
	o.publish(eventbus.TaskFinished, r.req.Identity, map[string]any{
		"run_id":   r.id,
		"task_id":  t.ID,
		"target":   t.Target.ID,
		"batch":    t.BatchIndex,
		"status":   string(t.Status),
		"message":  t.Message,
		"attempts": t.Attempts,
	})
}
