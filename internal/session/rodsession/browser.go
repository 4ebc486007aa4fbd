// Package rodsession implements the session, picker and form contracts on
// top of a Chrome instance driven through go-rod.
//
// Every identity gets its own browser process (and profile directory when
// one is configured); primary and secondary sessions are pages within it.
// With a debugger URL all identities share the attached browser.
package rodsession

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"groupcast/internal/session"
	logx "groupcast/pkg/logx"
)

type Config struct {
	DebuggerURL    string
	Bin            string
	Headless       bool
	Flags          []string
	ProfileDir     string
	ViewportWidth  int
	ViewportHeight int
	// Markers maps a risk marker name to a selector whose presence sets it.
	Markers map[string]string
	// TextLimit caps the page text returned by ReadState.
	TextLimit int
}

type page struct {
	p      *rod.Page
	handle session.Handle
	mu     sync.Mutex
	status int
	// stop ends the page context and with it the event listener.
	stop context.CancelFunc
}

func (pg *page) setStatus(code int) {
	pg.mu.Lock()
	pg.status = code
	pg.mu.Unlock()
}

func (pg *page) lastStatus() int {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.status
}

// Browser is a session.Browser backed by Chrome.
type Browser struct {
	cfg Config
	log logx.Logger
	now func() time.Time

	mu       sync.Mutex
	seq      int
	browsers map[string]*rod.Browser // identity, or "" when attached
	pages    map[string]*page
}

var _ session.Browser = (*Browser)(nil)

func New(cfg Config, log logx.Logger) *Browser {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 900
	}
	if cfg.TextLimit <= 0 {
		cfg.TextLimit = 32 << 10
	}
	return &Browser{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "browser")),
		now:      time.Now,
		browsers: map[string]*rod.Browser{},
		pages:    map[string]*page{},
	}
}

// launchArgs turns "--name=value" style flags into launcher settings.
func launchArgs(l *launcher.Launcher, raw []string) *launcher.Launcher {
	for _, f := range raw {
		name, val, hasVal := strings.Cut(strings.TrimLeft(strings.TrimSpace(f), "-"), "=")
		if name == "" {
			continue
		}
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

func (b *Browser) browserFor(identity string) (*rod.Browser, error) {
	key := identity
	if b.cfg.DebuggerURL != "" {
		key = ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.browsers[key]; ok {
		return br, nil
	}

	controlURL := b.cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(b.cfg.Headless)
		if b.cfg.Bin != "" {
			l = l.Bin(b.cfg.Bin)
		}
		if b.cfg.ProfileDir != "" {
			l = l.UserDataDir(filepath.Join(b.cfg.ProfileDir, identity))
		}
		u, err := launchArgs(l, b.cfg.Flags).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome for %s: %w", identity, err)
		}
		controlURL = u
	}
	br := rod.New().ControlURL(controlURL)
	if err := br.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	b.browsers[key] = br
	b.log.Info("browser connected", logx.String("identity", identity), logx.Bool("attached", b.cfg.DebuggerURL != ""))
	return br, nil
}

func (b *Browser) Open(ctx context.Context, identity string, primary bool) (session.Handle, error) {
	br, err := b.browserFor(identity)
	if err != nil {
		return session.Handle{}, err
	}
	p, err := br.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return session.Handle{}, fmt.Errorf("create page: %w", err)
	}
	pctx, cancel := context.WithCancel(context.Background())
	p = p.Context(pctx)
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             b.cfg.ViewportWidth,
		Height:            b.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}).Call(p); err != nil {
		b.log.Debug("set viewport failed", logx.Err(err))
	}

	b.mu.Lock()
	b.seq++
	h := session.Handle{
		ID:       fmt.Sprintf("%s-%d", identity, b.seq),
		Identity: identity,
		Primary:  primary,
		OpenedAt: b.now(),
	}
	pg := &page{p: p, handle: h, stop: cancel}
	b.pages[h.ID] = pg
	b.mu.Unlock()

	if err := (proto.NetworkEnable{}).Call(p); err == nil {
		wait := p.EachEvent(func(e *proto.NetworkResponseReceived) {
			if e.Type == proto.NetworkResourceTypeDocument && e.Response != nil {
				pg.setStatus(e.Response.Status)
			}
		})
		go wait()
	}
	return h, nil
}

func (b *Browser) page(h session.Handle) (*page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pg, ok := b.pages[h.ID]
	if !ok {
		return nil, session.ErrUnknown
	}
	return pg, nil
}

// classify maps a failed page call onto ErrSessionLost when the page itself
// no longer answers.
func (b *Browser) classify(pg *page, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if _, infoErr := pg.p.Timeout(2 * time.Second).Info(); infoErr != nil {
		return fmt.Errorf("%w: %w", session.ErrSessionLost, err)
	}
	return err
}

func (b *Browser) Navigate(ctx context.Context, h session.Handle, ref string, timeout time.Duration) error {
	pg, err := b.page(h)
	if err != nil {
		return err
	}
	p := pg.p.Context(ctx)
	if timeout > 0 {
		p = p.Timeout(timeout)
	}
	if err := p.Navigate(ref); err != nil {
		return b.classify(pg, err)
	}
	if err := p.WaitLoad(); err != nil {
		return b.classify(pg, err)
	}
	return nil
}

const pageTextJS = `() => document.body ? document.body.innerText : ""`

func (b *Browser) ReadState(ctx context.Context, h session.Handle) (session.Snapshot, error) {
	pg, err := b.page(h)
	if err != nil {
		return session.Snapshot{}, err
	}
	p := pg.p.Context(ctx)
	info, err := p.Info()
	if err != nil {
		return session.Snapshot{}, b.classify(pg, err)
	}
	snap := session.Snapshot{URL: info.URL, Title: info.Title, Status: pg.lastStatus(), TakenAt: b.now()}
	if res, err := p.Eval(pageTextJS); err == nil {
		text := res.Value.Str()
		if len(text) > b.cfg.TextLimit {
			text = text[:b.cfg.TextLimit]
		}
		snap.Text = text
	}
	for name, sel := range b.cfg.Markers {
		if ok, _, err := p.Has(sel); err == nil && ok {
			snap.Markers = append(snap.Markers, name)
		}
	}
	return snap, nil
}

var keys = map[string]input.Key{
	"enter":    input.Enter,
	"escape":   input.Escape,
	"tab":      input.Tab,
	"end":      input.End,
	"home":     input.Home,
	"pagedown": input.PageDown,
	"pageup":   input.PageUp,
}

func keyFor(name string) (input.Key, bool) {
	k, ok := keys[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

func (b *Browser) Act(ctx context.Context, h session.Handle, a session.Action) error {
	pg, err := b.page(h)
	if err != nil {
		return err
	}
	p := pg.p.Context(ctx)
	if a.Kind == session.ActionPress && a.Selector == "" {
		k, ok := keyFor(a.Value)
		if !ok {
			return fmt.Errorf("unknown key %q", a.Value)
		}
		return b.classify(pg, p.Keyboard.Type(k))
	}
	el, err := p.Element(a.Selector)
	if err != nil {
		return b.classify(pg, fmt.Errorf("element %q: %w", a.Selector, err))
	}
	switch a.Kind {
	case session.ActionClick:
		err = el.Click(proto.InputMouseButtonLeft, 1)
	case session.ActionInput:
		if err = el.SelectAllText(); err == nil {
			err = el.Input(a.Value)
		}
	case session.ActionPress:
		k, ok := keyFor(a.Value)
		if !ok {
			return fmt.Errorf("unknown key %q", a.Value)
		}
		err = el.Type(k)
	case session.ActionUpload:
		err = el.SetFiles(a.Files)
	case session.ActionWait:
		err = el.WaitVisible()
	default:
		return fmt.Errorf("unsupported action %q", a.Kind)
	}
	if err != nil {
		return b.classify(pg, fmt.Errorf("%s %q: %w", a.Kind, a.Selector, err))
	}
	return nil
}

func (b *Browser) Close(_ context.Context, h session.Handle) error {
	b.mu.Lock()
	pg, ok := b.pages[h.ID]
	delete(b.pages, h.ID)
	b.mu.Unlock()
	if !ok {
		return session.ErrUnknown
	}
	err := pg.p.Close()
	pg.stop()
	return err
}

// Shutdown closes every page and browser.
func (b *Browser) Shutdown() error {
	b.mu.Lock()
	pages := b.pages
	browsers := b.browsers
	b.pages = map[string]*page{}
	b.browsers = map[string]*rod.Browser{}
	b.mu.Unlock()

	for _, pg := range pages {
		_ = pg.p.Close()
		pg.stop()
	}
	var errs []error
	for id, br := range browsers {
		if err := br.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// rodPage exposes the page behind h to the picker and form helpers.
func (b *Browser) rodPage(ctx context.Context, h session.Handle) (*rod.Page, error) {
	pg, err := b.page(h)
	if err != nil {
		return nil, err
	}
	return pg.p.Context(ctx), nil
}
