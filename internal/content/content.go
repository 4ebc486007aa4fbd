// Package content renders captions for a subject and defines the form
// filling contract used by the orchestrator.
package content

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/template"

	"groupcast/internal/posting"
	"groupcast/internal/session"
	logx "groupcast/pkg/logx"
)

// Payload is what a FormFiller writes into a compose surface.
type Payload struct {
	Subject posting.Subject
	Caption string
	// Target is set in direct mode; picker mode composes once per batch.
	Target *posting.Target
}

// FormFiller fills the compose surface behind h. Implementations own all
// field-specific knowledge.
type FormFiller interface {
	Fill(ctx context.Context, h session.Handle, p Payload, mediaRefs []string) error
}

// CaptionProvider turns a subject into post text for a style.
type CaptionProvider interface {
	Generate(ctx context.Context, s posting.Subject, style string) (string, error)
}

var ErrEmptyCaption = errors.New("content: caption rendered empty")

// Built-in style names. Unknown styles render with the default template.
const (
	StyleDefault = "default"
	StyleShort   = "short"
	StyleList    = "list"
)

var builtinTemplates = map[string]string{
	StyleDefault: `{{.Title}}{{if .Body}}

{{.Body}}{{end}}{{if .Attrs}}
{{end}}{{range .Attrs}}
{{.Key}}: {{.Value}}{{end}}`,
	StyleShort: `{{.Title}}{{with index .Attributes "price"}} - {{.}}{{end}}`,
	StyleList: `{{.Title}}{{range .Attrs}}
• {{.Key}}: {{.Value}}{{end}}{{if .Body}}

{{.Body}}{{end}}`,
}

type attr struct{ Key, Value string }

type templateData struct {
	posting.Subject
	Attrs []attr
}

func newTemplateData(s posting.Subject) templateData {
	keys := slices.Sorted(maps.Keys(s.Attributes))
	attrs := make([]attr, 0, len(keys))
	for _, k := range keys {
		if v := strings.TrimSpace(s.Attributes[k]); v != "" {
			attrs = append(attrs, attr{Key: k, Value: v})
		}
	}
	return templateData{Subject: s, Attrs: attrs}
}

// TemplateProvider renders text/template captions. Any render failure, or
// an empty result, falls back to Fallback so a run never stalls on caption
// generation.
type TemplateProvider struct {
	templates map[string]*template.Template
	log       logx.Logger
}

// NewTemplateProvider parses the built-in styles plus overrides. An
// override with a built-in name replaces it.
func NewTemplateProvider(overrides map[string]string, log logx.Logger) (*TemplateProvider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	src := maps.Clone(builtinTemplates)
	maps.Copy(src, overrides)

	p := &TemplateProvider{templates: map[string]*template.Template{}, log: log.With(logx.String("comp", "content"))}
	var errs []error
	for name, text := range src {
		t, err := template.New(name).Option("missingkey=zero").Parse(text)
		if err != nil {
			errs = append(errs, fmt.Errorf("caption style %q: %w", name, err))
			continue
		}
		p.templates[name] = t
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *TemplateProvider) Styles() []string {
	return slices.Sorted(maps.Keys(p.templates))
}

func (p *TemplateProvider) Generate(ctx context.Context, s posting.Subject, style string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if style == "" {
		style = StyleDefault
	}
	t, ok := p.templates[style]
	if !ok {
		p.log.Debug("unknown caption style; using default", logx.String("style", style))
		t = p.templates[StyleDefault]
	}
	var b strings.Builder
	if err := t.Execute(&b, newTemplateData(s)); err != nil {
		p.log.Warn("caption template failed; using fallback", logx.String("style", style), logx.Err(err))
		return Fallback(s), nil
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return Fallback(s), nil
	}
	return out, nil
}

// Fallback is the deterministic caption: title, body, then attributes in
// key order.
func Fallback(s posting.Subject) string {
	var parts []string
	if t := strings.TrimSpace(s.Title); t != "" {
		parts = append(parts, t)
	}
	if b := strings.TrimSpace(s.Body); b != "" {
		parts = append(parts, b)
	}
	var lines []string
	for _, a := range newTemplateData(s).Attrs {
		lines = append(lines, a.Key+": "+a.Value)
	}
	if len(lines) > 0 {
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if len(parts) == 0 {
		return s.ID
	}
	return strings.Join(parts, "\n\n")
}

// Caption asks p for a caption and falls back on error or empty output.
// A nil provider always uses the fallback.
func Caption(ctx context.Context, p CaptionProvider, s posting.Subject, style string) string {
	if p == nil {
		return Fallback(s)
	}
	text, err := p.Generate(ctx, s, style)
	if err != nil || strings.TrimSpace(text) == "" {
		return Fallback(s)
	}
	return text
}
