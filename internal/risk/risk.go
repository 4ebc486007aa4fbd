// Package risk classifies the observable state of a browser session into
// hostile-environment categories. Any detected category halts a run.
package risk

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"groupcast/internal/session"
	logx "groupcast/pkg/logx"
)

type Category string

const (
	None                     Category = "none"
	AuthExpired              Category = "auth_expired"
	InterstitialVerification Category = "interstitial_verification"
	TemporaryRestriction     Category = "temporary_restriction"
	RateLimited              Category = "rate_limited"
	UnknownCheckpoint        Category = "unknown_checkpoint"
)

// ParseCategory maps a config string onto a Category.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.TrimSpace(strings.ToLower(s))); c {
	case AuthExpired, InterstitialVerification, TemporaryRestriction, RateLimited, UnknownCheckpoint:
		return c, nil
	default:
		return None, fmt.Errorf("unknown risk category %q", s)
	}
}

// Signal is the detector's verdict.
type Signal struct {
	Detected bool     `json:"detected"`
	Category Category `json:"category"`
	Reason   string   `json:"reason,omitempty"`
}

func (s Signal) String() string {
	if !s.Detected {
		return string(None)
	}
	if s.Reason == "" {
		return string(s.Category)
	}
	return string(s.Category) + ": " + s.Reason
}

var noSignal = Signal{Category: None}

// Rule matches a snapshot when every non-empty criterion matches.
type Rule struct {
	Category Category
	URL      *regexp.Regexp
	Text     *regexp.Regexp
	Marker   string
	Status   int
	Reason   string
}

func (r Rule) matches(s session.Snapshot, page string) bool {
	if r.URL == nil && r.Text == nil && r.Marker == "" && r.Status == 0 {
		return false
	}
	if r.URL != nil && !r.URL.MatchString(s.URL) {
		return false
	}
	if r.Text != nil && !r.Text.MatchString(page) {
		return false
	}
	if r.Marker != "" && !s.HasMarker(r.Marker) {
		return false
	}
	if r.Status != 0 && r.Status != s.Status {
		return false
	}
	return true
}

func (r Rule) describe() string {
	if r.Reason != "" {
		return r.Reason
	}
	var parts []string
	if r.URL != nil {
		parts = append(parts, "url~"+r.URL.String())
	}
	if r.Text != nil {
		parts = append(parts, "text~"+r.Text.String())
	}
	if r.Marker != "" {
		parts = append(parts, "marker="+r.Marker)
	}
	if r.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", r.Status))
	}
	return strings.Join(parts, " ")
}

// DefaultRules is the built-in rule set, evaluated in order. Categories are
// ordered from most to least specific so a login wall inside a checkpoint
// URL reports auth_expired.
func DefaultRules() []Rule {
	re := regexp.MustCompile
	return []Rule{
		{Category: AuthExpired, Marker: "login_form", Reason: "login form present"},
		{Category: AuthExpired, URL: re(`(?i)/(login|signin|sign_in)(\.php)?([/?#]|$)`), Reason: "redirected to login"},
		{Category: AuthExpired, Text: re(`(?i)(session (has )?expired|you must log ?in|please log ?in to continue)`)},

		{Category: InterstitialVerification, Marker: "captcha", Reason: "captcha present"},
		{Category: InterstitialVerification, Text: re(`(?i)(confirm (that )?you('| a)re (a )?human|security check|verify (it'?s|that it'?s) you|enter the code)`)},

		{Category: TemporaryRestriction, Text: re(`(?i)(temporarily (blocked|restricted)|you('| a)re (temporarily )?blocked|feature (is )?restricted|can'?t (post|use this feature) (right now|for now))`)},

		{Category: RateLimited, Status: http.StatusTooManyRequests, Reason: "http 429"},
		{Category: RateLimited, Text: re(`(?i)(too many requests|slow down|you'?re (going|posting) too fast|(using|doing) this (feature )?too (often|much))`)},

		{Category: UnknownCheckpoint, URL: re(`(?i)/checkpoint([/?#]|$)`), Reason: "checkpoint url"},
		{Category: UnknownCheckpoint, Marker: "checkpoint"},
	}
}

// Detector evaluates configured rules ahead of the defaults.
type Detector struct {
	rules []Rule
	log   logx.Logger
	// textLimit bounds how much page text is scanned.
	textLimit int
}

func New(extra []Rule, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	rules := make([]Rule, 0, len(extra)+16)
	rules = append(rules, extra...)
	rules = append(rules, DefaultRules()...)
	return &Detector{rules: rules, log: log.With(logx.String("comp", "risk")), textLimit: 64 << 10}
}

// Classify is a pure function of the snapshot.
func (d *Detector) Classify(s session.Snapshot) Signal {
	page := clip(s.Title+"\n"+s.Text, d.textLimit)
	for _, r := range d.rules {
		if r.matches(s, page) {
			return Signal{Detected: true, Category: r.Category, Reason: r.describe()}
		}
	}
	return noSignal
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Check reads the session's state and classifies it. A failed read is not a
// detection: it is returned as an error and the caller decides.
func (d *Detector) Check(ctx context.Context, b session.Browser, h session.Handle, timeout time.Duration) (Signal, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	snap, err := b.ReadState(ctx, h)
	if err != nil {
		return noSignal, fmt.Errorf("read session state: %w", err)
	}
	sig := d.Classify(snap)
	if sig.Detected {
		d.log.Warn("risk detected",
			logx.String("identity", h.Identity),
			logx.String("category", string(sig.Category)),
			logx.String("reason", sig.Reason),
			logx.String("url", snap.URL),
		)
	}
	return sig, nil
}
