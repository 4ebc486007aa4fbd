package app

import (
	"regexp"
	"strings"
	"time"

	"groupcast/internal/config"
	"groupcast/internal/eventsink"
	"groupcast/internal/jobs"
	"groupcast/internal/ledger"
	"groupcast/internal/matcher"
	"groupcast/internal/notifier"
	"groupcast/internal/opsserver"
	"groupcast/internal/orchestrator"
	"groupcast/internal/risk"
	"groupcast/internal/session"
	"groupcast/internal/session/rodsession"
	"groupcast/internal/storage"
	"groupcast/internal/tracing"
	kit "groupcast/internal/transport"
	"groupcast/internal/transport/telegram"
	logx "groupcast/pkg/logx"
)

// The mappers below run on configs that already passed config.Validate, so
// malformed durations and zones fall back to defaults instead of failing.

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	chatID := l.Telegram.ChatID
	thread := l.Telegram.ThreadID
	if chatID == 0 {
		chatID, thread = cfg.Telegram.ChatID, cfg.Telegram.ThreadID
	}
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled && cfg.Telegram.Token != "",
			ChatID:     chatID,
			ThreadID:   thread,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:   strings.TrimSpace(cfg.Telegram.Token),
		Timeout: config.MustDuration(cfg.Telegram.Timeout, 10*time.Second),
	}
}

// mapNotifier keeps reports on by default whenever a bot token is set.
func mapNotifier(cfg *config.Config) notifier.Config {
	out := notifier.Config{
		Enabled: cfg.Telegram.Token != "",
		Target:  kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
	}
	n := cfg.Notifier
	if n == nil {
		out.DedupWindow = time.Minute
		return out
	}
	out.Enabled = out.Enabled && n.Enabled
	out.Workers = n.Workers
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.RetryBase = config.MustDuration(n.RetryBase, 0)
	out.RetryMaxDelay = config.MustDuration(n.RetryMaxDelay, 0)
	out.DedupWindow = config.MustDuration(n.DedupWindow, 0)
	out.ReportOn = n.ReportOn
	return out
}

func mapStorage(cfg *config.Config) storage.Config {
	s := cfg.Storage
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: config.MustDuration(s.BusyTimeout, time.Second),
		DSN:         s.DSN,
		Table:       s.Table,
		Redis: storage.RedisConfig{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
			Prefix:   s.Redis.Prefix,
		},
	}
}

func mapLedger(cfg *config.Config) ledger.Config {
	l := cfg.Ledger
	loc, err := config.LoadLocation("ledger.timezone", l.Timezone)
	if err != nil {
		loc = time.Local
	}
	return ledger.Config{
		ResetHour:        l.ResetHour,
		Location:         loc,
		DefaultTier:      l.DefaultTier,
		Tiers:            l.Tiers,
		HistoryRetention: l.HistoryRetention,
		RecordRetention:  config.MustDuration(l.RecordRetention, 0),
		BatchLogMax:      l.BatchLogMax,
	}
}

func mapOrchestrator(cfg *config.Config) orchestrator.Config {
	o := cfg.Orchestrator
	d := orchestrator.DefaultConfig()
	out := orchestrator.Config{
		MinLanes:           o.MinLanes,
		MaxLanes:           o.MaxLanes,
		StaggerMin:         config.MustDuration(o.StaggerMin, d.StaggerMin),
		StaggerMax:         config.MustDuration(o.StaggerMax, d.StaggerMax),
		BatchDelayBase:     config.MustDuration(o.BatchDelayBase, d.BatchDelayBase),
		BatchDelayJitter:   config.MustDuration(o.BatchDelayJitter, d.BatchDelayJitter),
		SleepIncrement:     config.MustDuration(o.SleepIncrement, d.SleepIncrement),
		PausePoll:          config.MustDuration(o.PausePoll, d.PausePoll),
		NavTimeout:         config.MustDuration(o.NavTimeout, d.NavTimeout),
		FillTimeout:        config.MustDuration(o.FillTimeout, d.FillTimeout),
		MatchTimeout:       config.MustDuration(o.MatchTimeout, d.MatchTimeout),
		RiskTimeout:        config.MustDuration(o.RiskTimeout, d.RiskTimeout),
		RetryFailedBatches: o.RetryFailedBatches == nil || *o.RetryFailedBatches,
		Cooldown: orchestrator.CooldownConfig{
			Threshold: o.RiskCooldown.Threshold,
			Base:      config.MustDuration(o.RiskCooldown.Base, d.Cooldown.Base),
			Max:       config.MustDuration(o.RiskCooldown.Max, d.Cooldown.Max),
		},
		HistorySize: o.HistorySize,
	}
	// Lanes are sessions; never plan more than the registry can open.
	if limit := cfg.Sessions.MaxPerIdentity; limit > 0 && out.MaxLanes > limit {
		out.MaxLanes = limit
	}
	return out
}

func mapMatcher(cfg *config.Config) matcher.Config {
	m := cfg.Matcher
	return matcher.Config{
		MaxTicks:          m.MaxTicks,
		MaxScrollAttempts: m.MaxScrollAttempts,
		StaleScrollLimit:  m.StaleScrollLimit,
		SettleDelay:       config.MustDuration(m.SettleDelay, 0),
		FuzzyThreshold:    m.FuzzyThreshold,
		Stoplist:          m.Stoplist,
	}
}

// mapRiskRules compiles the configured extra rules; invalid entries were
// rejected by Validate and are skipped here.
func mapRiskRules(cfg *config.Config) []risk.Rule {
	var out []risk.Rule
	for _, r := range cfg.Risk.Rules {
		cat, err := risk.ParseCategory(r.Category)
		if err != nil {
			continue
		}
		rule := risk.Rule{Category: cat, Marker: r.Marker, Status: r.Status}
		if r.URL != "" {
			if rule.URL, err = regexp.Compile(r.URL); err != nil {
				continue
			}
		}
		if r.Text != "" {
			if rule.Text, err = regexp.Compile(r.Text); err != nil {
				continue
			}
		}
		out = append(out, rule)
	}
	return out
}

func mapSessions(cfg *config.Config) session.RegistryConfig {
	s := cfg.Sessions
	return session.RegistryConfig{
		MaxPerIdentity: s.MaxPerIdentity,
		IdleTimeout:    config.MustDuration(s.IdleTimeout, 0),
		ReapInterval:   config.MustDuration(s.ReapInterval, 0),
	}
}

func mapBrowser(cfg *config.Config) (rodsession.Config, rodsession.Selectors) {
	b := cfg.Browser
	sel := b.Selectors
	bc := rodsession.Config{
		DebuggerURL:    b.DebuggerURL,
		Bin:            b.Bin,
		Headless:       b.Headless,
		Flags:          b.Flags,
		ProfileDir:     b.ProfileDir,
		ViewportWidth:  b.ViewportWidth,
		ViewportHeight: b.ViewportHeight,
		Markers:        sel.Markers,
	}
	return bc, rodsession.Selectors{
		Fields:       sel.Fields,
		MediaInput:   sel.MediaInput,
		Submit:       sel.Submit,
		PickerOpen:   sel.PickerOpen,
		PickerList:   sel.PickerList,
		PickerEntry:  sel.PickerEntry,
		PickerLabel:  sel.PickerLabel,
		PickerSubmit: sel.PickerSubmit,
		Secondary:    sel.Secondary,
		Delivered:    sel.Delivered,
	}
}

func mapScheduler(cfg *config.Config) jobs.Config {
	s := cfg.Scheduler
	loc, err := config.LoadLocation("scheduler.timezone", s.Timezone)
	if err != nil {
		loc = time.Local
	}
	return jobs.Config{
		TickInterval: config.MustDuration(s.TickInterval, 0),
		Retention:    config.MustDuration(s.Retention, 0),
		Location:     loc,
	}
}

func mapOps(cfg *config.Config) opsserver.Config {
	o := cfg.Ops
	return opsserver.Config{
		Addr:         o.Addr,
		Token:        o.Token,
		Pprof:        o.Pprof,
		ReadTimeout:  config.MustDuration(o.ReadTimeout, 0),
		WriteTimeout: config.MustDuration(o.WriteTimeout, 0),
	}
}

func mapTracing(cfg *config.Config, version string) tracing.Config {
	t := cfg.Tracing
	return tracing.Config{
		Enabled:     t.Enabled,
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure,
		ServiceName: t.ServiceName,
		Version:     version,
		SampleRatio: t.SampleRatio,
	}
}

func mapEventSink(cfg *config.Config) eventsink.Config {
	n := cfg.Events.NSQ
	return eventsink.Config{Addr: n.Addr, Topic: n.Topic, Only: n.Only}
}
