package rodsession

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"groupcast/internal/content"
	"groupcast/internal/session"
)

// Filler writes a payload into the compose form by selector. In direct mode
// it also presses submit; in picker mode the Poster submits.
type Filler struct {
	b   *Browser
	sel Selectors
}

var _ content.FormFiller = (*Filler)(nil)

func NewFiller(b *Browser, sel Selectors) *Filler {
	return &Filler{b: b, sel: sel}
}

var errNoFields = errors.New("no form field selectors configured")

// value resolves a form field name against the payload.
func value(p content.Payload, field string) string {
	switch strings.ToLower(field) {
	case "caption":
		return p.Caption
	case "target", "target_name":
		if p.Target != nil {
			return p.Target.DisplayName
		}
		return ""
	}
	v, _ := p.Subject.Field(field)
	return v
}

func (f *Filler) Fill(ctx context.Context, h session.Handle, p content.Payload, mediaRefs []string) error {
	if len(f.sel.Fields) == 0 {
		return errNoFields
	}
	names := make([]string, 0, len(f.sel.Fields))
	for name := range f.sel.Fields {
		names = append(names, name)
	}
	slices.Sort(names)

	filled := 0
	for _, name := range names {
		v := value(p, name)
		if v == "" {
			continue
		}
		a := session.Action{Kind: session.ActionInput, Selector: f.sel.Fields[name], Value: v}
		if err := f.b.Act(ctx, h, a); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		filled++
	}
	if filled == 0 {
		return fmt.Errorf("nothing to fill for subject %s", p.Subject.ID)
	}
	if len(mediaRefs) > 0 && f.sel.MediaInput != "" {
		if err := f.b.Act(ctx, h, session.Action{Kind: session.ActionUpload, Selector: f.sel.MediaInput, Files: mediaRefs}); err != nil {
			return fmt.Errorf("media: %w", err)
		}
	}
	if p.Target != nil && f.sel.Submit != "" {
		if err := f.b.Act(ctx, h, session.Action{Kind: session.ActionClick, Selector: f.sel.Submit}); err != nil {
			return fmt.Errorf("submit: %w", err)
		}
	}
	return nil
}
