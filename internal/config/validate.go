package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

var storageDrivers = map[string]bool{"file": true, "sqlite": true, "redis": true, "postgres": true, "memory": true}

var riskCategories = map[string]bool{
	"auth_expired":              true,
	"interstitial_verification": true,
	"temporary_restriction":     true,
	"rate_limited":              true,
	"unknown_checkpoint":        true,
}

// Validate checks semantic constraints the JSON decoder cannot express.
// All problems are reported together, each prefixed with its config path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	seen := map[string]bool{}
	for i, id := range cfg.Identities {
		id = strings.TrimSpace(id)
		if id == "" {
			add(fmt.Errorf("identities[%d]: empty identity", i))
		} else if seen[id] {
			add(fmt.Errorf("identities[%d]: duplicate identity %q", i, id))
		}
		seen[id] = true
	}

	dur("telegram.timeout", cfg.Telegram.Timeout)
	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d != "" && !storageDrivers[d] {
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	l := cfg.Ledger
	if l.ResetHour < 0 || l.ResetHour > 23 {
		add(fmt.Errorf("ledger.reset_hour: %d out of range 0..23", l.ResetHour))
	}
	_, err := LoadLocation("ledger.timezone", l.Timezone)
	add(err)
	for tier, limit := range l.Tiers {
		if limit < 0 {
			add(fmt.Errorf("ledger.tiers.%s: limit must be >= 0", tier))
		}
	}
	if l.DefaultTier != "" && len(l.Tiers) > 0 {
		if _, ok := l.Tiers[l.DefaultTier]; !ok {
			add(fmt.Errorf("ledger.default_tier: %q is not in ledger.tiers", l.DefaultTier))
		}
	}
	dur("ledger.record_retention", l.RecordRetention)

	o := cfg.Orchestrator
	if o.MinLanes < 0 || o.MaxLanes < 0 {
		add(errors.New("orchestrator.min_lanes/max_lanes: must be >= 0"))
	}
	if o.MinLanes > 0 && o.MaxLanes > 0 && o.MinLanes > o.MaxLanes {
		add(fmt.Errorf("orchestrator.min_lanes: %d > max_lanes %d", o.MinLanes, o.MaxLanes))
	}
	for path, raw := range map[string]string{
		"orchestrator.stagger_min":         o.StaggerMin,
		"orchestrator.stagger_max":         o.StaggerMax,
		"orchestrator.batch_delay_base":    o.BatchDelayBase,
		"orchestrator.batch_delay_jitter":  o.BatchDelayJitter,
		"orchestrator.sleep_increment":     o.SleepIncrement,
		"orchestrator.pause_poll":          o.PausePoll,
		"orchestrator.nav_timeout":         o.NavTimeout,
		"orchestrator.fill_timeout":        o.FillTimeout,
		"orchestrator.match_timeout":       o.MatchTimeout,
		"orchestrator.risk_timeout":        o.RiskTimeout,
		"orchestrator.risk_cooldown.base":  o.RiskCooldown.Base,
		"orchestrator.risk_cooldown.max":   o.RiskCooldown.Max,
		"matcher.settle_delay":             cfg.Matcher.SettleDelay,
		"sessions.idle_timeout":            cfg.Sessions.IdleTimeout,
		"sessions.reap_interval":           cfg.Sessions.ReapInterval,
		"scheduler.tick_interval":          cfg.Scheduler.TickInterval,
		"scheduler.retention":              cfg.Scheduler.Retention,
		"ops.read_timeout":                 cfg.Ops.ReadTimeout,
		"ops.write_timeout":                cfg.Ops.WriteTimeout,
	} {
		dur(path, raw)
	}

	if t := cfg.Matcher.FuzzyThreshold; t < 0 || t > 1 {
		add(fmt.Errorf("matcher.fuzzy_threshold: %v out of range 0..1", t))
	}
	if cfg.Sessions.MaxPerIdentity < 0 {
		add(errors.New("sessions.max_per_identity: must be >= 0"))
	}
	if o.MaxLanes > 0 && cfg.Sessions.MaxPerIdentity > 0 && o.MaxLanes > cfg.Sessions.MaxPerIdentity {
		add(fmt.Errorf("orchestrator.max_lanes: %d exceeds sessions.max_per_identity %d", o.MaxLanes, cfg.Sessions.MaxPerIdentity))
	}

	for i, r := range cfg.Risk.Rules {
		path := fmt.Sprintf("risk.rules[%d]", i)
		if !riskCategories[r.Category] {
			add(fmt.Errorf("%s.category: unknown category %q", path, r.Category))
		}
		if r.URL == "" && r.Text == "" && r.Marker == "" && r.Status == 0 {
			add(fmt.Errorf("%s: rule matches nothing", path))
		}
		for field, pat := range map[string]string{"url": r.URL, "text": r.Text} {
			if pat == "" {
				continue
			}
			if _, err := regexp.Compile(pat); err != nil {
				add(fmt.Errorf("%s.%s: %w", path, field, err))
			}
		}
	}

	for style, text := range cfg.Captions.Templates {
		if strings.TrimSpace(style) == "" {
			add(errors.New("captions.templates: empty style name"))
			continue
		}
		if _, err := template.New(style).Parse(text); err != nil {
			add(fmt.Errorf("captions.templates.%s: %w", style, err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Browser.Driver)) {
	case "", "rod", "none":
	default:
		add(fmt.Errorf("browser.driver: unknown driver %q", cfg.Browser.Driver))
	}

	_, err = LoadLocation("scheduler.timezone", cfg.Scheduler.Timezone)
	add(err)

	if r := cfg.Tracing.SampleRatio; r < 0 || r > 1 {
		add(fmt.Errorf("tracing.sample_ratio: %v out of range 0..1", r))
	}
	if cfg.Events.NSQ.Enabled && strings.TrimSpace(cfg.Events.NSQ.Addr) == "" {
		add(errors.New("events.nsq.addr: required when nsq is enabled"))
	}
	return errors.Join(errs...)
}
