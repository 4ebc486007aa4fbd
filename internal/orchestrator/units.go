package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groupcast/internal/content"
	"groupcast/internal/eventbus"
	"groupcast/internal/matcher"
	"groupcast/internal/posting"
	"groupcast/internal/session"
	logx "groupcast/pkg/logx"
)

var (
	errNotFound     = errors.New("target not found in picker")
	errNotDelivered = errors.New("submitted but not confirmed delivered")
	errNoSecondary  = errors.New("not delivered and no secondary affordance")
)

func (o *Orchestrator) navigate(ctx context.Context, h session.Handle, ref string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return o.deps.Sessions.Browser().Navigate(ctx, h, ref, timeout)
}

// primaryFor returns the run's primary handle, reacquiring it after a loss.
func (o *Orchestrator) primaryFor(ctx context.Context, r *run) (session.Handle, error) {
	if h, ok := r.primaryHandle(); ok {
		return h, nil
	}
	lease, err := o.deps.Sessions.Acquire(ctx, r.req.Identity, true)
	if err != nil {
		return session.Handle{}, err
	}
	r.setPrimary(lease)
	return lease.Handle, nil
}

// directUnit delivers to one target. Slot 0 reuses the primary session;
// other slots open a secondary after a random stagger and give it back
// when done.
func (o *Orchestrator) directUnit(ctx context.Context, r *run, slot int, t Task) (string, error) {
	if slot == 0 {
		h, err := o.primaryFor(ctx, r)
		if err != nil {
			return "", stepErr("session", err)
		}
		ref, err := o.deliverDirect(ctx, r, h, t)
		if errors.Is(err, session.ErrSessionLost) {
			r.dropPrimary(context.WithoutCancel(ctx), true)
		}
		return ref, err
	}

	if err := sleepCtx(ctx, o.pacer.stagger(r.cfg)); err != nil {
		return "", stepErr("session", err)
	}
	lease, err := o.deps.Sessions.Acquire(ctx, r.req.Identity, false)
	if err != nil {
		return "", stepErr("session", err)
	}
	ref, err := o.deliverDirect(ctx, r, lease.Handle, t)
	if errors.Is(err, session.ErrSessionLost) {
		lease.Discard(context.WithoutCancel(ctx))
	} else {
		lease.Release(context.WithoutCancel(ctx))
	}
	return ref, err
}

func (o *Orchestrator) deliverDirect(ctx context.Context, r *run, h session.Handle, t Task) (string, error) {
	if err := o.navigate(ctx, h, t.Target.DestinationRef, r.cfg.NavTimeout); err != nil {
		return "", stepErr("navigate", err)
	}
	fctx, cancel := context.WithTimeout(ctx, r.cfg.FillTimeout)
	target := t.Target
	err := o.deps.Filler.Fill(fctx, h, content.Payload{Subject: r.req.Subject, Caption: r.caption, Target: &target}, r.req.MediaRefs)
	cancel()
	if err != nil {
		return "", stepErr("fill", err)
	}
	ref := t.Target.DestinationRef
	if snap, err := o.deps.Sessions.Browser().ReadState(ctx, h); err == nil && snap.URL != "" {
		ref = snap.URL
	}
	return ref, nil
}

// pickerBatch composes once on the primary session and ticks the batch's
// targets in the share picker. It counts as a single lane.
func (o *Orchestrator) pickerBatch(ctx context.Context, r *run, bi, attempt int, idxs []int, log logx.Logger) {
	if !r.ctl.wait(ctx, r.cfg.PausePoll) {
		return
	}
	var dispatched []int
	for _, ti := range idxs {
		if r.dispatch(ti, attempt) {
			dispatched = append(dispatched, ti)
		}
	}
	if len(dispatched) == 0 {
		return
	}
	r.laneEnter()
	defer r.laneExit()
	o.publish(eventbus.LaneStarted, r.req.Identity, map[string]any{"run_id": r.id, "slot": 0, "batch": bi, "targets": len(dispatched)})

	out := make(map[int]error, len(dispatched))
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("picker unit panic", logx.Int("batch", bi), logx.Any("panic", rec), logx.Stack(logx.StackTrace(3, 32)))
				failRest(out, dispatched, &StepError{Step: "panic", Err: fmt.Errorf("%v", rec)})
			}
		}()
		o.deliverPicker(ctx, r, bi, dispatched, out, log)
	}()

	ref := r.req.ComposeRef
	for _, ti := range dispatched {
		err, ok := out[ti]
		if !ok {
			err = stepErr("picker", errors.New("no outcome recorded"))
		}
		o.settle(ctx, r, ti, attempt, ref, err, log)
	}
	o.publish(eventbus.LaneFinished, r.req.Identity, map[string]any{"run_id": r.id, "slot": 0, "batch": bi})
}

// failRest sets err for every task without an outcome yet.
func failRest(out map[int]error, idxs []int, err error) {
	for _, ti := range idxs {
		if _, done := out[ti]; !done {
			out[ti] = err
		}
	}
}

// deliverPicker fills out with one entry per task: nil for delivered,
// otherwise the step that failed.
func (o *Orchestrator) deliverPicker(ctx context.Context, r *run, bi int, idxs []int, out map[int]error, log logx.Logger) {
	h, err := o.primaryFor(ctx, r)
	if err != nil {
		failRest(out, idxs, stepErr("session", err))
		return
	}
	lost := func(err error) {
		if errors.Is(err, session.ErrSessionLost) {
			r.dropPrimary(context.WithoutCancel(ctx), true)
		}
	}

	if err := o.navigate(ctx, h, r.req.ComposeRef, r.cfg.NavTimeout); err != nil {
		lost(err)
		failRest(out, idxs, stepErr("navigate", err))
		return
	}
	fctx, cancel := context.WithTimeout(ctx, r.cfg.FillTimeout)
	err = o.deps.Filler.Fill(fctx, h, content.Payload{Subject: r.req.Subject, Caption: r.caption}, r.req.MediaRefs)
	cancel()
	if err != nil {
		lost(err)
		failRest(out, idxs, stepErr("fill", err))
		return
	}
	surface, err := o.deps.Poster.OpenPicker(ctx, h)
	if err != nil {
		lost(err)
		failRest(out, idxs, stepErr("picker", err))
		return
	}

	byID := make(map[string]int, len(idxs))
	targets := make([]posting.Target, 0, len(idxs))
	for _, ti := range idxs {
		t := r.task(ti).Target
		byID[t.ID] = ti
		targets = append(targets, t)
	}

	matched, err := o.match(ctx, r, bi, "primary", surface, targets, byID, out)
	if err != nil {
		lost(err)
		failRest(out, idxs, stepErr("match", err))
		return
	}
	if len(matched) == 0 {
		return
	}
	receipt, err := o.deps.Poster.Submit(ctx, h, matched)
	if err != nil {
		lost(err)
		failRest(out, idxs, stepErr("submit", err))
		return
	}
	pending := applyReceipt(receipt, matched, byID, out)
	if len(pending) == 0 {
		return
	}

	// One more match+submit for the stragglers through the secondary
	// affordance, when the surface has one.
	surface2, ok, err := o.deps.Poster.OpenSecondary(ctx, h)
	switch {
	case err != nil:
		lost(err)
		failRest(out, idxs, stepErr("secondary", err))
		return
	case !ok:
		failRest(out, idxs, stepErr("submit", errNoSecondary))
		return
	}
	log.Debug("secondary pass", logx.Int("batch", bi), logx.Int("targets", len(pending)))
	matched2, err := o.match(ctx, r, bi, "secondary", surface2, pending, byID, out)
	if err != nil || len(matched2) == 0 {
		failRest(out, idxs, stepErr("secondary", errNotDelivered))
		return
	}
	receipt2, err := o.deps.Poster.Submit(ctx, h, matched2)
	if err != nil {
		lost(err)
		failRest(out, idxs, stepErr("secondary", err))
		return
	}
	applyReceipt(receipt2, matched2, byID, out)
	failRest(out, idxs, stepErr("secondary", errNotDelivered))
}

// match runs the matcher and records not-found and select failures in out.
// A matcher error with nothing matched is returned; partial results are
// used as they are.
func (o *Orchestrator) match(ctx context.Context, r *run, bi int, pass string, s matcher.ListSurface, targets []posting.Target, byID map[string]int, out map[int]error) ([]posting.Target, error) {
	mctx, cancel := context.WithTimeout(ctx, r.cfg.MatchTimeout)
	res, err := o.deps.Matcher.Run(mctx, s, targets)
	cancel()
	o.publish(eventbus.MatcherFinished, r.req.Identity, map[string]any{
		"run_id":        r.id,
		"batch":         bi,
		"pass":          pass,
		"matched":       len(res.Matched),
		"select_failed": len(res.SelectFailed),
		"not_found":     len(res.NotFound),
		"scrolls":       res.Scrolls,
		"observed":      res.Observed,
		"stop":          string(res.Stop),
	})
	if err != nil && len(res.Matched) == 0 {
		return nil, err
	}
	for _, t := range res.NotFound {
		if ti, ok := byID[t.ID]; ok {
			out[ti] = stepErr("match", errNotFound)
		}
	}
	for _, f := range res.SelectFailed {
		if ti, ok := byID[f.Target.ID]; ok {
			out[ti] = stepErr("select", f.Err)
		}
	}
	return res.MatchedTargets(), nil
}

// applyReceipt marks confirmed targets delivered and returns the rest.
func applyReceipt(rc Receipt, submitted []posting.Target, byID map[string]int, out map[int]error) []posting.Target {
	ok := make(map[string]bool, len(rc.Delivered))
	for _, id := range rc.Delivered {
		ok[id] = true
	}
	var pending []posting.Target
	for _, t := range submitted {
		if ok[t.ID] {
			out[byID[t.ID]] = nil
			continue
		}
		pending = append(pending, t)
	}
	return pending
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
