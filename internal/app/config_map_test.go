package app

import (
	"testing"
	"time"

	"groupcast/internal/config"
	"groupcast/internal/risk"
)

func TestMapOrchestratorDefaultsAndCaps(t *testing.T) {
	t.Parallel()

	off := false
	cfg := &config.Config{
		Orchestrator: config.OrchestratorConfig{
			MinLanes:     2,
			MaxLanes:     6,
			StaggerMin:   "2s",
			RiskCooldown: config.RiskCooldownConfig{Threshold: 2, Base: "10m"},
		},
		Sessions: config.SessionsConfig{MaxPerIdentity: 4},
	}
	got := mapOrchestrator(cfg)
	if got.MaxLanes != 4 {
		t.Fatalf("MaxLanes = %d, want capped to 4", got.MaxLanes)
	}
	if got.StaggerMin != 2*time.Second {
		t.Fatalf("StaggerMin = %v, want 2s", got.StaggerMin)
	}
	if !got.RetryFailedBatches {
		t.Fatalf("RetryFailedBatches defaulted to false")
	}
	if got.Cooldown.Threshold != 2 || got.Cooldown.Base != 10*time.Minute || got.Cooldown.Max != 6*time.Hour {
		t.Fatalf("Cooldown = %+v", got.Cooldown)
	}

	cfg.Orchestrator.RetryFailedBatches = &off
	if mapOrchestrator(cfg).RetryFailedBatches {
		t.Fatalf("RetryFailedBatches = true, want false when disabled")
	}
}

func TestMapNotifierFollowsToken(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Telegram: config.TelegramConfig{ChatID: 42}}
	if mapNotifier(cfg).Enabled {
		t.Fatalf("notifier enabled without a token")
	}
	cfg.Telegram.Token = "123:abc"
	n := mapNotifier(cfg)
	if !n.Enabled || n.Target.ChatID != 42 || n.DedupWindow != time.Minute {
		t.Fatalf("default notifier = %+v", n)
	}
	cfg.Notifier = &config.NotifierConfig{Enabled: false}
	if mapNotifier(cfg).Enabled {
		t.Fatalf("notifier enabled although notifier.enabled=false")
	}
	cfg.Notifier = &config.NotifierConfig{Enabled: true, RetryBase: "2s", ReportOn: []string{"halted"}}
	n = mapNotifier(cfg)
	if n.RetryBase != 2*time.Second || len(n.ReportOn) != 1 {
		t.Fatalf("notifier = %+v", n)
	}
}

func TestMapLoggingFallsBackToBotChat(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Telegram: config.TelegramConfig{Token: "t", ChatID: 7, ThreadID: 3},
		Logging:  config.LoggingConfig{Level: "debug", Telegram: config.LoggingTelegram{Enabled: true}},
	}
	got := mapLogging(cfg)
	if !got.Telegram.Enabled || got.Telegram.ChatID != 7 || got.Telegram.ThreadID != 3 {
		t.Fatalf("telegram sink = %+v", got.Telegram)
	}
	cfg.Telegram.Token = ""
	if mapLogging(cfg).Telegram.Enabled {
		t.Fatalf("telegram sink enabled without a token")
	}
}

func TestMapRiskRulesCompiles(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Risk: config.RiskConfig{Rules: []config.RiskRuleConfig{
		{Category: "auth_expired", URL: `/login`},
		{Category: "rate_limited", Status: 503},
		{Category: "bogus", Marker: "x"},
	}}}
	rules := mapRiskRules(cfg)
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rules))
	}
	if rules[0].Category != risk.AuthExpired || rules[0].URL == nil || !rules[0].URL.MatchString("https://site.test/login") {
		t.Fatalf("rule 0 = %+v", rules[0])
	}
	if rules[1].Status != 503 {
		t.Fatalf("rule 1 = %+v", rules[1])
	}
}

func TestMapBrowserSelectors(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Browser: config.BrowserConfig{
		Headless: true,
		Selectors: config.SelectorConfig{
			Fields:     map[string]string{"title": "#title"},
			PickerList: "[role=listbox]",
			Secondary:  "#also-share",
			Markers:    map[string]string{"captcha": "iframe[src*=captcha]"},
		},
	}}
	bc, sel := mapBrowser(cfg)
	if !bc.Headless || bc.Markers["captcha"] == "" {
		t.Fatalf("browser config = %+v", bc)
	}
	if sel.Fields["title"] != "#title" || sel.PickerList == "" || sel.Secondary != "#also-share" {
		t.Fatalf("selectors = %+v", sel)
	}
}
