// Package sessiontest provides an in-memory session.Browser for tests.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"groupcast/internal/session"
)

// Browser is a scriptable fake. Zero hooks mean every call succeeds and
// ReadState reports the last navigated ref as the page URL.
type Browser struct {
	// OpenHook, NavigateHook and ActHook may inject errors or delays.
	OpenHook     func(identity string, primary bool) error
	NavigateHook func(h session.Handle, ref string) error
	ActHook      func(h session.Handle, a session.Action) error
	// StateHook rewrites the snapshot returned by ReadState.
	StateHook func(h session.Handle, snap session.Snapshot) (session.Snapshot, error)

	mu        sync.Mutex
	seq       int
	open      map[string]session.Handle
	pages     map[string]string
	maxOpen   map[string]int
	opened    int
	closed    int
	navs      []Nav
	actions   []session.Action
	closedIDs []string
}

type Nav struct {
	Handle session.Handle
	Ref    string
}

func New() *Browser {
	return &Browser{
		open:    map[string]session.Handle{},
		pages:   map[string]string{},
		maxOpen: map[string]int{},
	}
}

func (b *Browser) Open(ctx context.Context, identity string, primary bool) (session.Handle, error) {
	if err := ctx.Err(); err != nil {
		return session.Handle{}, err
	}
	if b.OpenHook != nil {
		if err := b.OpenHook(identity, primary); err != nil {
			return session.Handle{}, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	h := session.Handle{
		ID:       fmt.Sprintf("s%d", b.seq),
		Identity: identity,
		Primary:  primary,
		OpenedAt: time.Now(),
	}
	b.open[h.ID] = h
	b.opened++
	n := 0
	for _, o := range b.open {
		if o.Identity == identity {
			n++
		}
	}
	b.maxOpen[identity] = max(b.maxOpen[identity], n)
	return h, nil
}

func (b *Browser) check(h session.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.open[h.ID]; !ok {
		return fmt.Errorf("%w: %s", session.ErrUnknown, h.ID)
	}
	return nil
}

func (b *Browser) Navigate(ctx context.Context, h session.Handle, ref string, _ time.Duration) error {
	if err := b.check(h); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.NavigateHook != nil {
		if err := b.NavigateHook(h, ref); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.pages[h.ID] = ref
	b.navs = append(b.navs, Nav{Handle: h, Ref: ref})
	b.mu.Unlock()
	return nil
}

func (b *Browser) ReadState(ctx context.Context, h session.Handle) (session.Snapshot, error) {
	if err := b.check(h); err != nil {
		return session.Snapshot{}, err
	}
	b.mu.Lock()
	snap := session.Snapshot{URL: b.pages[h.ID], TakenAt: time.Now()}
	b.mu.Unlock()
	if b.StateHook != nil {
		return b.StateHook(h, snap)
	}
	return snap, ctx.Err()
}

func (b *Browser) Act(ctx context.Context, h session.Handle, a session.Action) error {
	if err := b.check(h); err != nil {
		return err
	}
	if b.ActHook != nil {
		if err := b.ActHook(h, a); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.actions = append(b.actions, a)
	b.mu.Unlock()
	return ctx.Err()
}

func (b *Browser) Close(_ context.Context, h session.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.open[h.ID]; !ok {
		return fmt.Errorf("%w: %s", session.ErrUnknown, h.ID)
	}
	delete(b.open, h.ID)
	delete(b.pages, h.ID)
	b.closed++
	b.closedIDs = append(b.closedIDs, h.ID)
	return nil
}

// Stats returns (opened, closed, currently open).
func (b *Browser) Stats() (opened, closed, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened, b.closed, len(b.open)
}

// MaxOpen is the highest number of simultaneously open sessions observed
// for identity.
func (b *Browser) MaxOpen(identity string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxOpen[identity]
}

func (b *Browser) Navigations() []Nav {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Nav(nil), b.navs...)
}

func (b *Browser) Actions() []session.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]session.Action(nil), b.actions...)
}
