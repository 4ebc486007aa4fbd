package rodsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"groupcast/internal/matcher"
	"groupcast/internal/orchestrator"
	"groupcast/internal/posting"
	"groupcast/internal/session"
)

// Selectors maps the generic flow onto one site's markup.
type Selectors struct {
	// Fields maps subject field names to input selectors.
	Fields       map[string]string
	MediaInput   string
	Submit       string
	PickerOpen   string
	PickerList   string
	PickerEntry  string
	PickerLabel  string
	PickerSubmit string
	Secondary    string
	// Delivered matches the labels of entries confirmed after submit.
	Delivered string
}

// surface reads a virtualized picker list through page scripts. Entries
// are keyed by their label since rows are recycled while scrolling.
type surface struct {
	p   *rod.Page
	sel Selectors
}

var _ matcher.ListSurface = (*surface)(nil)

const visibleJS = `(list, entry, label) => {
	const root = document.querySelector(list);
	if (!root) return [];
	return Array.from(root.querySelectorAll(entry)).map(e => {
		const l = label ? (e.querySelector(label) || e) : e;
		return (l.innerText || "").trim();
	}).filter(Boolean);
}`

const rowJS = `(list, entry, label, name) => {
	const root = document.querySelector(list);
	if (!root) return null;
	for (const e of root.querySelectorAll(entry)) {
		const l = label ? (e.querySelector(label) || e) : e;
		if ((l.innerText || "").trim() === name) return e;
	}
	return null;
}`

const selectedJS = `(list, entry, label, name) => {
	const find = ` + rowJS + `;
	const e = find(list, entry, label, name);
	if (!e) return false;
	if (e.getAttribute("aria-checked") === "true" || e.getAttribute("aria-selected") === "true") return true;
	const box = e.querySelector("input[type=checkbox]");
	return !!(box && box.checked);
}`

// rowTimeout bounds the wait for a row that scrolled out of the DOM.
const rowTimeout = 3 * time.Second

const scrollTopJS = `(list) => { const r = document.querySelector(list); return r ? r.scrollTop : 0; }`

const scrollByJS = `(list) => { const r = document.querySelector(list); if (r) r.scrollTop += r.clientHeight; }`

func (s *surface) args(extra ...any) []any {
	return append([]any{s.sel.PickerList, s.sel.PickerEntry, s.sel.PickerLabel}, extra...)
}

func (s *surface) Visible(ctx context.Context) ([]matcher.Entry, error) {
	res, err := s.p.Context(ctx).Eval(visibleJS, s.args()...)
	if err != nil {
		return nil, err
	}
	var out []matcher.Entry
	for _, v := range res.Value.Arr() {
		name := v.Str()
		out = append(out, matcher.Entry{Key: name, Name: name})
	}
	return out, nil
}

func (s *surface) IsSelected(ctx context.Context, e matcher.Entry) (bool, error) {
	res, err := s.p.Context(ctx).Eval(selectedJS, s.args(e.Key)...)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (s *surface) row(ctx context.Context, key string) (*rod.Element, error) {
	el, err := s.p.Context(ctx).Timeout(rowTimeout).ElementByJS(rod.Eval(rowJS, s.args(key)...))
	if err != nil {
		return nil, fmt.Errorf("row %q: %w", key, err)
	}
	return el.CancelTimeout(), nil
}

func (s *surface) Select(ctx context.Context, e matcher.Entry) error {
	el, err := s.row(ctx, e.Key)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (s *surface) ScrollPosition(ctx context.Context) (float64, error) {
	res, err := s.p.Context(ctx).Eval(scrollTopJS, s.sel.PickerList)
	if err != nil {
		return 0, err
	}
	return res.Value.Num(), nil
}

func (s *surface) Scroll(ctx context.Context, st matcher.ScrollStrategy) error {
	p := s.p.Context(ctx)
	switch st {
	case matcher.ScrollWheel:
		list, err := p.Element(s.sel.PickerList)
		if err != nil {
			return err
		}
		if err := list.Hover(); err != nil {
			return err
		}
		return p.Mouse.Scroll(0, 600, 4)
	case matcher.ScrollContainer:
		_, err := p.Eval(scrollByJS, s.sel.PickerList)
		return err
	case matcher.ScrollLastIntoView:
		rows, err := p.Elements(s.sel.PickerList + " " + s.sel.PickerEntry)
		if err != nil {
			return err
		}
		if rows.Empty() {
			return matcher.ErrStrategyUnsupported
		}
		return rows.Last().ScrollIntoView()
	case matcher.ScrollKeyboardEnd:
		return p.Keyboard.Type(input.End)
	}
	return matcher.ErrStrategyUnsupported
}

// Poster drives the share picker. It implements orchestrator.CrossPoster.
type Poster struct {
	b       *Browser
	sel     Selectors
	settle  time.Duration
	timeout time.Duration
}

var _ orchestrator.CrossPoster = (*Poster)(nil)

func NewPoster(b *Browser, sel Selectors) *Poster {
	return &Poster{b: b, sel: sel, settle: 800 * time.Millisecond, timeout: 20 * time.Second}
}

var errNoPicker = errors.New("picker selectors are not configured")

func (p *Poster) open(ctx context.Context, h session.Handle, trigger string) (matcher.ListSurface, error) {
	if p.sel.PickerList == "" || p.sel.PickerEntry == "" {
		return nil, errNoPicker
	}
	pg, err := p.b.rodPage(ctx, h)
	if err != nil {
		return nil, err
	}
	if trigger != "" {
		if err := p.b.Act(ctx, h, session.Action{Kind: session.ActionClick, Selector: trigger}); err != nil {
			return nil, err
		}
	}
	if _, err := pg.Timeout(p.timeout).Element(p.sel.PickerList); err != nil {
		return nil, fmt.Errorf("picker list did not appear: %w", err)
	}
	return &surface{p: pg, sel: p.sel}, nil
}

func (p *Poster) OpenPicker(ctx context.Context, h session.Handle) (matcher.ListSurface, error) {
	return p.open(ctx, h, p.sel.PickerOpen)
}

func (p *Poster) OpenSecondary(ctx context.Context, h session.Handle) (matcher.ListSurface, bool, error) {
	if p.sel.Secondary == "" {
		return nil, false, nil
	}
	pg, err := p.b.rodPage(ctx, h)
	if err != nil {
		return nil, false, err
	}
	if ok, _, err := pg.Has(p.sel.Secondary); err != nil || !ok {
		return nil, false, err
	}
	s, err := p.open(ctx, h, p.sel.Secondary)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

const deliveredJS = `(sel) => Array.from(document.querySelectorAll(sel)).map(e => (e.innerText || "").trim())`

// Submit confirms the selection and reports which targets the page shows
// as delivered. Without a Delivered selector every submitted target counts.
func (p *Poster) Submit(ctx context.Context, h session.Handle, selected []posting.Target) (orchestrator.Receipt, error) {
	if p.sel.PickerSubmit == "" {
		return orchestrator.Receipt{}, errNoPicker
	}
	if err := p.b.Act(ctx, h, session.Action{Kind: session.ActionClick, Selector: p.sel.PickerSubmit}); err != nil {
		return orchestrator.Receipt{}, err
	}
	if err := sleep(ctx, p.settle); err != nil {
		return orchestrator.Receipt{}, err
	}
	if p.sel.Delivered == "" {
		ids := make([]string, 0, len(selected))
		for _, t := range selected {
			ids = append(ids, t.ID)
		}
		return orchestrator.Receipt{Delivered: ids}, nil
	}
	pg, err := p.b.rodPage(ctx, h)
	if err != nil {
		return orchestrator.Receipt{}, err
	}
	res, err := pg.Eval(deliveredJS, p.sel.Delivered)
	if err != nil {
		return orchestrator.Receipt{}, err
	}
	return orchestrator.Receipt{Delivered: confirmed(res.Value.Arr(), selected)}, nil
}

// confirmed returns the IDs of targets whose normalized name shows up among
// the delivered labels.
func confirmed(labels []gson.JSON, selected []posting.Target) []string {
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		seen[matcher.Normalize(l.Str())] = true
	}
	var ids []string
	for _, t := range selected {
		if seen[matcher.Normalize(t.DisplayName)] {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
